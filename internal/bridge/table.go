package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Table is a flat JSON object that remembers key insertion order, so the
// oldest entries can be evicted first after a save/load round trip.
type Table struct {
	keys   []string
	values map[string]json.RawMessage
}

func NewTable() *Table {
	return &Table{values: map[string]json.RawMessage{}}
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.keys)
}

func (t *Table) Keys() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.keys...)
}

func (t *Table) Raw(key string) (json.RawMessage, bool) {
	if t == nil {
		return nil, false
	}
	v, ok := t.values[key]
	return v, ok
}

// Get decodes the value under key into dst.
func (t *Table) Get(key string, dst any) (bool, error) {
	raw, ok := t.Raw(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// Set stores v under key. An existing key keeps its position.
func (t *Table) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.setRaw(key, raw)
	return nil
}

func (t *Table) setRaw(key string, raw json.RawMessage) {
	if t.values == nil {
		t.values = map[string]json.RawMessage{}
	}
	if _, exists := t.values[key]; !exists {
		t.keys = append(t.keys, key)
	}
	t.values[key] = raw
}

func (t *Table) Delete(key string) bool {
	if t == nil {
		return false
	}
	if _, ok := t.values[key]; !ok {
		return false
	}
	delete(t.values, key)
	for i, k := range t.keys {
		if k == key {
			t.keys = append(t.keys[:i], t.keys[i+1:]...)
			break
		}
	}
	return true
}

// TrimOldest keeps the limit most recently inserted entries and reports how many were dropped.
func (t *Table) TrimOldest(limit int) int {
	if t == nil || limit < 0 || len(t.keys) <= limit {
		return 0
	}
	drop := len(t.keys) - limit
	for _, k := range t.keys[:drop] {
		delete(t.values, k)
	}
	t.keys = append([]string(nil), t.keys[drop:]...)
	return drop
}

func (t *Table) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if t != nil {
		for i, k := range t.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(t.values[k])
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (t *Table) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("table must be a JSON object")
	}
	t.keys = nil
	t.values = map[string]json.RawMessage{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("table key must be a string")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		t.setRaw(key, raw)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
