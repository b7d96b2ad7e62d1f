package document

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind enumerates the shapes a section value may take.
type Kind int

const (
	// KindList is an ordered sequence of records.
	KindList Kind = iota
	// KindScalar is a number, string or boolean.
	KindScalar
	// KindObject is a nested mapping.
	KindObject
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindList:
		return "list"
	case KindScalar:
		return "scalar"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownSection indicates a section name that is not part of the schema.
	ErrUnknownSection = errors.New("document: unknown section")
	// ErrInvalidSection indicates a value whose shape does not match the section kind.
	ErrInvalidSection = errors.New("document: invalid section value")
	// ErrNotAList indicates a record operation on a non-list section.
	ErrNotAList = errors.New("document: section is not a list")
)

// Section describes one named part of the document.
type Section struct {
	Name string
	Kind Kind
	// Default is the JSON literal the section holds after initialization or reset.
	Default string
	// Protected sections refuse being overwritten by an empty list while they hold records.
	Protected bool
}

// Schema is the table of known sections.
type Schema struct {
	sections []Section
	index    map[string]int
}

// NewSchema validates and indexes the provided sections.
func NewSchema(sections ...Section) (*Schema, error) {
	schema := &Schema{
		sections: make([]Section, 0, len(sections)),
		index:    make(map[string]int, len(sections)),
	}
	for _, section := range sections {
		name := strings.TrimSpace(section.Name)
		if name == "" || name == LastModifiedKey {
			return nil, fmt.Errorf("document: invalid section name %q", section.Name)
		}
		if _, exists := schema.index[name]; exists {
			return nil, fmt.Errorf("document: duplicate section %q", name)
		}
		canonicalDefault, err := canonicalize([]byte(section.Default))
		if err != nil {
			return nil, fmt.Errorf("document: default for %q: %w", name, err)
		}
		if !matchesKind(section.Kind, canonicalDefault) {
			return nil, fmt.Errorf("%w: default for %q is not a %s", ErrInvalidSection, name, section.Kind)
		}
		if section.Protected && section.Kind != KindList {
			return nil, fmt.Errorf("document: only list sections can be protected (%q)", name)
		}
		section.Name = name
		section.Default = string(canonicalDefault)
		schema.index[name] = len(schema.sections)
		schema.sections = append(schema.sections, section)
	}
	return schema, nil
}

// MustSchema is NewSchema for static tables.
func MustSchema(sections ...Section) *Schema {
	schema, err := NewSchema(sections...)
	if err != nil {
		panic(err)
	}
	return schema
}

// Lookup returns the section registered under name.
func (s *Schema) Lookup(name string) (Section, bool) {
	idx, ok := s.index[name]
	if !ok {
		return Section{}, false
	}
	return s.sections[idx], true
}

// Sections returns the sections in declaration order.
func (s *Schema) Sections() []Section {
	return append([]Section(nil), s.sections...)
}

// Names returns all section names sorted alphabetically.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.sections))
	for _, section := range s.sections {
		names = append(names, section.Name)
	}
	sort.Strings(names)
	return names
}

// Protected reports whether name is a protected section.
func (s *Schema) Protected(name string) bool {
	section, ok := s.Lookup(name)
	return ok && section.Protected
}

// ProtectedTable returns the section name -> protected mapping.
func (s *Schema) ProtectedTable() map[string]bool {
	table := make(map[string]bool, len(s.sections))
	for _, section := range s.sections {
		table[section.Name] = section.Protected
	}
	return table
}

var defaultSchema = MustSchema(
	Section{Name: "inventory", Kind: KindList, Default: "[]", Protected: true},
	Section{Name: "products", Kind: KindList, Default: "[]", Protected: true},
	Section{Name: "suppliers", Kind: KindList, Default: "[]"},
	Section{Name: "personnel", Kind: KindList, Default: "[]", Protected: true},
	Section{Name: "users", Kind: KindList, Default: "[]", Protected: true},
	Section{Name: "categories", Kind: KindList, Default: "[]", Protected: true},
	Section{Name: "customers", Kind: KindList, Default: "[]", Protected: true},

	Section{Name: "sales", Kind: KindList, Default: "[]", Protected: true},
	Section{Name: "heldOrders", Kind: KindList, Default: "[]", Protected: true},
	Section{Name: "kitchenOrders", Kind: KindList, Default: "[]", Protected: true},
	Section{Name: "barOrders", Kind: KindList, Default: "[]"},
	Section{Name: "tables", Kind: KindList, Default: "[]", Protected: true},
	Section{Name: "cancelledOrders", Kind: KindList, Default: "[]"},
	Section{Name: "cancelledKitchenOrders", Kind: KindList, Default: "[]"},
	Section{Name: "cancelledBarOrders", Kind: KindList, Default: "[]"},
	Section{Name: "pendingPayment", Kind: KindList, Default: "[]"},
	Section{Name: "inventoryEntries", Kind: KindList, Default: "[]"},

	Section{Name: "tips", Kind: KindScalar, Default: "0"},
	Section{Name: "tipHistory", Kind: KindList, Default: "[]"},
	Section{Name: "tipDistributions", Kind: KindList, Default: "[]"},
	Section{Name: "exchangeRate", Kind: KindScalar, Default: "60"},
	Section{Name: "rateHistory", Kind: KindList, Default: "[]"},
	Section{Name: "cashRegister", Kind: KindObject, Default: "{}"},
	Section{Name: "defaultForeignCurrencyDiscountPercent", Kind: KindScalar, Default: "0"},
)

// DefaultSchema returns the restaurant document schema.
func DefaultSchema() *Schema {
	return defaultSchema
}

func matchesKind(kind Kind, canonical []byte) bool {
	if len(canonical) == 0 {
		return false
	}
	switch kind {
	case KindList:
		return canonical[0] == '['
	case KindObject:
		return canonical[0] == '{'
	case KindScalar:
		return canonical[0] != '[' && canonical[0] != '{' && string(canonical) != "null"
	default:
		return false
	}
}
