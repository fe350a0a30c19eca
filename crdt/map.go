package crdt

import "encoding/json"

// mapEntry is a last-writer-wins register. The stamp with the higher
// (clock, site) pair wins, so concurrent sets resolve identically on every
// replica.
type mapEntry struct {
	value json.RawMessage
	stamp ID
}

// Map is a replicated string-keyed map of JSON values. It carries shared
// document metadata such as conflict counters and resolution timestamps.
//
// Map is not safe for concurrent use on its own; the owning Document
// serializes access.
type Map struct {
	doc     *Document
	entries map[string]mapEntry
}

func newMap(doc *Document) *Map {
	return &Map{doc: doc, entries: make(map[string]mapEntry)}
}

// Set writes a key. The value must be JSON-marshalable.
func (m *Map) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	op := Op{
		Type:  OpMapSet,
		ID:    m.doc.nextID(),
		Key:   key,
		Value: string(raw),
	}
	m.applySet(op)
	m.doc.notifyLocked(Update{Ops: []Op{op}}, true)
	return nil
}

// Get unmarshals the value for key into out. Returns false when the key is
// absent.
func (m *Map) Get(key string, out any) (bool, error) {
	m.doc.mu.Lock()
	entry, ok := m.entries[key]
	m.doc.mu.Unlock()
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	return true, json.Unmarshal(entry.value, out)
}

// Int64 reads an integer value, returning 0 when absent or non-numeric.
func (m *Map) Int64(key string) int64 {
	var v int64
	if ok, err := m.Get(key, &v); !ok || err != nil {
		return 0
	}
	return v
}

// Keys returns the present keys in unspecified order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// applySet integrates a map-set operation, keeping the entry with the
// winning stamp. Duplicate and stale deliveries are ignored. Caller holds
// the document mutex.
func (m *Map) applySet(op Op) {
	if current, ok := m.entries[op.Key]; ok && !op.ID.sortsBefore(current.stamp) {
		return
	}
	m.entries[op.Key] = mapEntry{value: json.RawMessage(op.Value), stamp: op.ID}
}
