// Package document models the shared restaurant state exchanged between devices:
// a mapping of named sections plus a lastModified timestamp used as the only
// ordering signal.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// LastModifiedKey is the reserved top-level key carrying the document timestamp.
const LastModifiedKey = "lastModified"

// TimestampLayout matches the ISO-8601 form browsers produce with toISOString.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Document is a set of section values held as canonical JSON. Unknown keys read
// from disk are kept so newer collaborators do not lose their fields.
type Document struct {
	values       map[string]json.RawMessage
	lastModified time.Time
}

// New returns a document holding every schema default.
func New(schema *Schema, lastModified time.Time) *Document {
	doc := &Document{
		values:       make(map[string]json.RawMessage, len(schema.sections)),
		lastModified: lastModified.UTC(),
	}
	for _, section := range schema.sections {
		doc.values[section.Name] = json.RawMessage(section.Default)
	}
	return doc
}

// Decode parses a serialized document. It does not fill in defaults; use Overlay
// onto New(schema) for that.
func Decode(data []byte) (*Document, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("document: decode: %w", err)
	}
	if raw == nil {
		return nil, errors.New("document: decode: not an object")
	}
	doc := &Document{values: make(map[string]json.RawMessage, len(raw))}
	for key, value := range raw {
		if key == LastModifiedKey {
			ts, err := parseTimestampValue(value)
			if err != nil {
				return nil, err
			}
			doc.lastModified = ts
			continue
		}
		canonical, err := canonicalize(value)
		if err != nil {
			return nil, fmt.Errorf("document: section %q: %w", key, err)
		}
		doc.values[key] = canonical
	}
	return doc, nil
}

// MarshalJSON renders all sections plus lastModified with sorted keys.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.values)+1)
	for key, value := range d.values {
		out[key] = value
	}
	stamp, err := json.Marshal(FormatTimestamp(d.lastModified))
	if err != nil {
		return nil, err
	}
	out[LastModifiedKey] = stamp
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Document) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*d = *decoded
	return nil
}

// Clone returns an independent copy. Section values are immutable and shared.
func (d *Document) Clone() *Document {
	clone := &Document{
		values:       make(map[string]json.RawMessage, len(d.values)),
		lastModified: d.lastModified,
	}
	for key, value := range d.values {
		clone.values[key] = value
	}
	return clone
}

// Overlay copies every key present in other over d. Keys absent from other keep
// their current value.
func (d *Document) Overlay(other *Document) {
	for key, value := range other.values {
		d.values[key] = value
	}
	if !other.lastModified.IsZero() {
		d.lastModified = other.lastModified
	}
}

// LastModified returns the document timestamp.
func (d *Document) LastModified() time.Time {
	return d.lastModified
}

// SetLastModified overwrites the document timestamp.
func (d *Document) SetLastModified(ts time.Time) {
	d.lastModified = ts.UTC()
}

// Get returns the canonical JSON of a section.
func (d *Document) Get(name string) (json.RawMessage, bool) {
	value, ok := d.values[name]
	return value, ok
}

// Keys returns every stored key sorted, including unknown ones preserved from disk.
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.values))
	for key := range d.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Set validates value against the schema and stores it.
func (d *Document) Set(schema *Schema, name string, value json.RawMessage) error {
	section, ok := schema.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSection, name)
	}
	canonical, err := canonicalize(value)
	if err != nil {
		return err
	}
	if !matchesKind(section.Kind, canonical) {
		return fmt.Errorf("%w: %s must be a %s", ErrInvalidSection, name, section.Kind)
	}
	d.values[name] = canonical
	return nil
}

// Equal reports whether both documents hold identical sections, ignoring lastModified.
func (d *Document) Equal(other *Document) bool {
	if len(d.values) != len(other.values) {
		return false
	}
	for key, value := range d.values {
		otherValue, ok := other.values[key]
		if !ok || !bytes.Equal(value, otherValue) {
			return false
		}
	}
	return true
}

// Len returns the number of records in a list section, or 0.
func (d *Document) Len(name string) int {
	records, err := d.Records(name)
	if err != nil {
		return 0
	}
	return len(records)
}

// FormatTimestamp renders ts with TimestampLayout; the zero time renders as the epoch.
func FormatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = time.Unix(0, 0)
	}
	return ts.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts RFC 3339 timestamps with or without fractional seconds.
func ParseTimestamp(value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("document: invalid %s %q: %w", LastModifiedKey, value, err)
	}
	return ts.UTC(), nil
}

func parseTimestampValue(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return time.Time{}, fmt.Errorf("document: %s must be a string: %w", LastModifiedKey, err)
	}
	if value == "" {
		return time.Time{}, nil
	}
	return ParseTimestamp(value)
}

// canonicalize re-encodes JSON with sorted object keys and no insignificant
// whitespace so byte equality is structural equality.
func canonicalize(raw []byte) (json.RawMessage, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return canonical, nil
}
