package document

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrMissingID indicates a record without an id field.
var ErrMissingID = errors.New("document: record has no id")

// Records returns the records of a list section.
func (d *Document) Records(name string) ([]json.RawMessage, error) {
	value, ok := d.values[name]
	if !ok {
		return nil, nil
	}
	if len(value) == 0 || value[0] != '[' {
		return nil, fmt.Errorf("%w: %s", ErrNotAList, name)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(value, &records); err != nil {
		return nil, fmt.Errorf("document: section %q: %w", name, err)
	}
	return records, nil
}

// AppendRecord adds record to a list section unless a record with the same id
// is already present.
func (d *Document) AppendRecord(schema *Schema, name string, record json.RawMessage) (bool, error) {
	records, canonical, id, err := d.prepareRecord(schema, name, record)
	if err != nil {
		return false, err
	}
	if indexOf(records, id) >= 0 {
		return false, nil
	}
	return true, d.storeRecords(name, append(records, canonical))
}

// UpsertRecord replaces the record sharing record's id, or appends it.
func (d *Document) UpsertRecord(schema *Schema, name string, record json.RawMessage) (bool, error) {
	records, canonical, id, err := d.prepareRecord(schema, name, record)
	if err != nil {
		return false, err
	}
	idx := indexOf(records, id)
	if idx < 0 {
		return true, d.storeRecords(name, append(records, canonical))
	}
	if bytes.Equal(records[idx], canonical) {
		return false, nil
	}
	records[idx] = canonical
	return true, d.storeRecords(name, records)
}

// RemoveRecord drops every record whose id equals id.
func (d *Document) RemoveRecord(schema *Schema, name string, id json.RawMessage) (bool, error) {
	if err := requireList(schema, name); err != nil {
		return false, err
	}
	wanted, err := canonicalize(id)
	if err != nil {
		return false, err
	}
	records, err := d.Records(name)
	if err != nil {
		return false, err
	}
	kept := records[:0]
	for _, record := range records {
		recordID, ok := RecordID(record)
		if ok && bytes.Equal(recordID, wanted) {
			continue
		}
		kept = append(kept, record)
	}
	if len(kept) == len(records) {
		return false, nil
	}
	return true, d.storeRecords(name, kept)
}

// ClearSection resets one section to its schema default.
func (d *Document) ClearSection(schema *Schema, name string) (bool, error) {
	section, ok := schema.Lookup(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSection, name)
	}
	if bytes.Equal(d.values[name], []byte(section.Default)) {
		return false, nil
	}
	d.values[name] = json.RawMessage(section.Default)
	return true, nil
}

// Reset reinitializes every schema section to its default. Unknown keys are kept.
func (d *Document) Reset(schema *Schema) {
	for _, section := range schema.sections {
		d.values[section.Name] = json.RawMessage(section.Default)
	}
}

// HasProtectedRecords reports whether any protected section holds a record.
func (d *Document) HasProtectedRecords(schema *Schema) bool {
	for _, section := range schema.sections {
		if section.Protected && countRecords(d.values[section.Name]) > 0 {
			return true
		}
	}
	return false
}

// RecordID extracts the canonical id of a record.
func RecordID(record json.RawMessage) (json.RawMessage, bool) {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(record, &head); err != nil {
		return nil, false
	}
	trimmed := bytes.TrimSpace(head.ID)
	if len(trimmed) == 0 || string(trimmed) == "null" || string(trimmed) == `""` {
		return nil, false
	}
	canonical, err := canonicalize(trimmed)
	if err != nil {
		return nil, false
	}
	return canonical, true
}

// WithID returns record with its id field set to id.
func WithID(record json.RawMessage, id any) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return nil, fmt.Errorf("document: record must be an object: %w", err)
	}
	if fields == nil {
		return nil, errors.New("document: record must be an object")
	}
	encoded, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["id"] = encoded
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return canonicalize(out)
}

func (d *Document) prepareRecord(schema *Schema, name string, record json.RawMessage) ([]json.RawMessage, json.RawMessage, json.RawMessage, error) {
	if err := requireList(schema, name); err != nil {
		return nil, nil, nil, err
	}
	canonical, err := canonicalize(record)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(canonical) == 0 || canonical[0] != '{' {
		return nil, nil, nil, fmt.Errorf("%w: %s records must be objects", ErrInvalidSection, name)
	}
	id, ok := RecordID(canonical)
	if !ok {
		return nil, nil, nil, ErrMissingID
	}
	records, err := d.Records(name)
	if err != nil {
		return nil, nil, nil, err
	}
	return records, canonical, id, nil
}

func (d *Document) storeRecords(name string, records []json.RawMessage) error {
	if records == nil {
		records = []json.RawMessage{}
	}
	encoded, err := json.Marshal(records)
	if err != nil {
		return err
	}
	d.values[name] = encoded
	return nil
}

func requireList(schema *Schema, name string) error {
	section, ok := schema.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSection, name)
	}
	if section.Kind != KindList {
		return fmt.Errorf("%w: %s", ErrNotAList, name)
	}
	return nil
}

func indexOf(records []json.RawMessage, id json.RawMessage) int {
	for idx, record := range records {
		recordID, ok := RecordID(record)
		if ok && bytes.Equal(recordID, id) {
			return idx
		}
	}
	return -1
}
