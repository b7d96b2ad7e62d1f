package document

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// Patch is a validated partial document: at most one value per known section.
type Patch struct {
	values       map[string]json.RawMessage
	lastModified time.Time

	// Ignored lists top-level keys that are not part of the schema.
	Ignored []string
	// Invalid lists known sections whose value had the wrong shape.
	Invalid []string
}

// Rejection records a protected section that refused an empty overwrite.
type Rejection struct {
	Section string
	Current int
}

// MergeResult reports what Apply did.
type MergeResult struct {
	Changed     bool
	ChangedKeys []string
	Rejected    []Rejection
	Ignored     []string
	Invalid     []string
}

// RejectedKeys returns the names of rejected sections.
func (r MergeResult) RejectedKeys() []string {
	keys := make([]string, 0, len(r.Rejected))
	for _, rejection := range r.Rejected {
		keys = append(keys, rejection.Section)
	}
	return keys
}

// ParsePatch decodes a JSON object into a Patch. Null values are treated as
// absent. Unknown keys and mistyped values are reported, never merged.
func ParsePatch(schema *Schema, data []byte) (Patch, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Patch{}, fmt.Errorf("document: decode patch: %w", err)
	}
	if raw == nil {
		return Patch{}, fmt.Errorf("document: decode patch: not an object")
	}

	patch := Patch{values: make(map[string]json.RawMessage, len(raw))}
	for key, value := range raw {
		if key == LastModifiedKey {
			ts, err := parseTimestampValue(value)
			if err != nil {
				return Patch{}, err
			}
			patch.lastModified = ts
			continue
		}
		section, ok := schema.Lookup(key)
		if !ok {
			patch.Ignored = append(patch.Ignored, key)
			continue
		}
		trimmed := bytes.TrimSpace(value)
		if len(trimmed) == 0 || string(trimmed) == "null" {
			continue
		}
		canonical, err := canonicalize(trimmed)
		if err != nil {
			return Patch{}, fmt.Errorf("document: section %q: %w", key, err)
		}
		if !matchesKind(section.Kind, canonical) {
			patch.Invalid = append(patch.Invalid, key)
			continue
		}
		patch.values[key] = canonical
	}
	sort.Strings(patch.Ignored)
	sort.Strings(patch.Invalid)
	return patch, nil
}

// PatchFromDocument builds a patch carrying every schema section of doc.
func PatchFromDocument(schema *Schema, doc *Document) Patch {
	patch := Patch{
		values:       make(map[string]json.RawMessage, len(doc.values)),
		lastModified: doc.lastModified,
	}
	for key, value := range doc.values {
		section, ok := schema.Lookup(key)
		if !ok {
			patch.Ignored = append(patch.Ignored, key)
			continue
		}
		if !matchesKind(section.Kind, value) {
			patch.Invalid = append(patch.Invalid, key)
			continue
		}
		patch.values[key] = value
	}
	sort.Strings(patch.Ignored)
	sort.Strings(patch.Invalid)
	return patch
}

// LastModified returns the timestamp the sender stamped on the patch.
func (p Patch) LastModified() time.Time {
	return p.lastModified
}

// Keys returns the sections carried by the patch, sorted.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for key := range p.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Value returns the canonical value carried for a section.
func (p Patch) Value(name string) (json.RawMessage, bool) {
	value, ok := p.values[name]
	return value, ok
}

// Empty reports whether the patch carries no section.
func (p Patch) Empty() bool {
	return len(p.values) == 0
}

// Apply merges patch into d key by key. A protected section holding records
// never accepts an empty list. The caller owns lastModified.
func (d *Document) Apply(schema *Schema, patch Patch) MergeResult {
	result := MergeResult{
		Ignored: append([]string(nil), patch.Ignored...),
		Invalid: append([]string(nil), patch.Invalid...),
	}
	for _, key := range patch.Keys() {
		incoming := patch.values[key]
		current, exists := d.values[key]
		if schema.Protected(key) && isEmptyList(incoming) {
			if count := countRecords(current); count > 0 {
				result.Rejected = append(result.Rejected, Rejection{Section: key, Current: count})
				continue
			}
		}
		if exists && bytes.Equal(current, incoming) {
			continue
		}
		d.values[key] = incoming
		result.ChangedKeys = append(result.ChangedKeys, key)
	}
	result.Changed = len(result.ChangedKeys) > 0
	return result
}

func isEmptyList(canonical []byte) bool {
	return string(canonical) == "[]"
}

func countRecords(canonical []byte) int {
	if len(canonical) == 0 || canonical[0] != '[' {
		return 0
	}
	var records []json.RawMessage
	if err := json.Unmarshal(canonical, &records); err != nil {
		return 0
	}
	return len(records)
}
