// Package crdt implements the mergeable document backing collaborative
// editing: a replicated character sequence for text plus a last-writer-wins
// map for shared metadata. Concurrent edits from any number of replicas
// converge to the same state without central coordination.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrIndexOutOfRange is returned for text edits outside the visible range.
var ErrIndexOutOfRange = errors.New("index out of range")

// ID identifies one operation: the originating replica plus a Lamport
// clock. The zero ID marks the document start.
type ID struct {
	Site  string `json:"site"`
	Clock uint64 `json:"clock"`
}

// IsZero reports whether the ID is the document-start sentinel.
func (a ID) IsZero() bool {
	return a.Site == "" && a.Clock == 0
}

// sortsBefore reports whether a orders ahead of b. Higher clocks first,
// site ID as the tiebreaker; any total order shared by all replicas works,
// this one favors later writes.
func (a ID) sortsBefore(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Site > b.Site
}

// OpType tags a replicated operation.
type OpType string

// Operation types carried in updates.
const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpMapSet OpType = "map-set"
)

// Op is one replicated operation. Inserts carry a single character and the
// ID of their left neighbor; deletes carry the target ID; map sets carry a
// key and a JSON-encoded value.
type Op struct {
	Type   OpType `json:"type"`
	ID     ID     `json:"id"`
	Origin ID     `json:"origin,omitempty"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Update is the unit of exchange between replicas.
type Update struct {
	Ops []Op `json:"ops"`
}

// Observer receives every update applied to the document. local is true
// for updates generated by this replica (to be broadcast) and false for
// remote updates (already merged).
type Observer func(update Update, local bool)

// Document is a mergeable document: shared text plus a shared metadata
// map, both replicated. All access is serialized by the document mutex, so
// a Document may be shared across goroutines.
type Document struct {
	mu    sync.Mutex
	site  string
	clock uint64

	text *Text
	meta *Map

	// pending buffers remote operations whose causal predecessors have not
	// arrived yet.
	pending []Op

	observers []Observer
}

// NewDocument creates an empty document for the given replica site ID.
func NewDocument(site string) *Document {
	d := &Document{site: site}
	d.text = newText(d)
	d.meta = newMap(d)
	return d
}

// Site returns the replica site ID.
func (d *Document) Site() string {
	return d.site
}

// Text returns the shared text.
func (d *Document) Text() *Text {
	return d.text
}

// Map returns the shared metadata map.
func (d *Document) Map() *Map {
	return d.meta
}

// Observe registers an observer for all document updates.
func (d *Document) Observe(fn Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

// Size returns the visible text length in characters.
func (d *Document) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.visibleLen()
}

// EncodeUpdate serializes an update for the wire.
func EncodeUpdate(update Update) ([]byte, error) {
	return json.Marshal(update)
}

// ApplyUpdate merges a remote update. Operations arriving ahead of their
// causal predecessors are buffered and retried as later updates fill the
// gaps. Duplicate deliveries are harmless.
func (d *Document) ApplyUpdate(data []byte) error {
	var update Update
	if err := json.Unmarshal(data, &update); err != nil {
		return fmt.Errorf("failed to decode update: %w", err)
	}

	d.mu.Lock()
	applied := make([]Op, 0, len(update.Ops))
	queue := append(d.pending, update.Ops...)
	d.pending = nil

	// Retry until a full pass applies nothing; whatever remains is waiting
	// on operations we have not seen.
	for {
		progress := false
		var still []Op
		for _, op := range queue {
			if d.applyRemoteLocked(op) {
				applied = append(applied, op)
				progress = true
			} else {
				still = append(still, op)
			}
		}
		queue = still
		if !progress || len(queue) == 0 {
			break
		}
	}
	d.pending = queue

	if len(applied) > 0 {
		d.notifyLocked(Update{Ops: applied}, false)
	}
	d.mu.Unlock()
	return nil
}

// PendingOps returns the number of buffered out-of-order operations.
func (d *Document) PendingOps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Snapshot serializes the full document state as one update that replays
// every surviving operation. Applying it to an empty document reproduces
// the text and metadata; tombstones are carried so late operations still
// resolve.
func (d *Document) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ops := make([]Op, 0, len(d.text.nodes)+len(d.meta.entries))
	for _, n := range d.text.nodes {
		ops = append(ops, Op{Type: OpInsert, ID: n.id, Origin: n.origin, Value: string(n.r)})
	}
	for _, n := range d.text.nodes {
		if n.deleted {
			ops = append(ops, Op{Type: OpDelete, ID: n.id})
		}
	}
	for key, entry := range d.meta.entries {
		ops = append(ops, Op{Type: OpMapSet, ID: entry.stamp, Key: key, Value: string(entry.value)})
	}
	return json.Marshal(Update{Ops: ops})
}

// applyRemoteLocked applies one remote operation if its references are
// satisfied, returning whether it was applied. Caller holds d.mu.
func (d *Document) applyRemoteLocked(op Op) bool {
	if op.ID.Clock > d.clock {
		d.clock = op.ID.Clock
	}

	switch op.Type {
	case OpInsert, OpDelete:
		if !d.text.canApply(op) {
			return false
		}
		if op.Type == OpInsert {
			d.text.applyInsert(op)
		} else {
			d.text.applyDelete(op)
		}
		return true
	case OpMapSet:
		d.meta.applySet(op)
		return true
	default:
		// Unknown op types from newer peers are skipped, not fatal.
		return true
	}
}

// nextID allocates the next operation ID. Caller holds d.mu.
func (d *Document) nextID() ID {
	d.clock++
	return ID{Site: d.site, Clock: d.clock}
}

// notifyLocked invokes observers outside the mutex. Caller holds d.mu.
func (d *Document) notifyLocked(update Update, local bool) {
	observers := make([]Observer, len(d.observers))
	copy(observers, d.observers)

	d.mu.Unlock()
	for _, fn := range observers {
		fn(update, local)
	}
	d.mu.Lock()
}
