package model

import (
	"encoding/json"
	"fmt"
)

// Record is a schemaless row as exchanged with the remote store.
type Record map[string]interface{}

// Filter is an equality match over record fields. An empty filter matches
// every record.
type Filter map[string]interface{}

// FieldID is the record field holding the record identifier.
const FieldID = "id"

// ID returns the record identifier, or "" when absent.
func (r Record) ID() string {
	if id, ok := r[FieldID].(string); ok {
		return id
	}
	return ""
}

// Matches reports whether every filter field equals the record's value.
func (f Filter) Matches(r Record) bool {
	for k, want := range f {
		if fmt.Sprint(r[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// DecodeRecords converts store records into typed entities. Drivers return
// dates in different native forms, so the conversion goes through JSON,
// which every driver value type can render.
func DecodeRecords[T any](records []Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, rec := range records {
		v, err := DecodeRecord[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// DecodeRecord converts a single record into T.
func DecodeRecord[T any](rec Record) (T, error) {
	var v T
	raw, err := json.Marshal(rec)
	if err != nil {
		return v, fmt.Errorf("encode record %q: %w", rec.ID(), err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode record %q: %w", rec.ID(), err)
	}
	return v, nil
}
