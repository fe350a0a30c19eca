package crdt

// node is one character in the replicated sequence. Deleted characters
// remain as tombstones so later operations can still reference them.
type node struct {
	id      ID
	origin  ID // left neighbor at insert time; zero ID means document start
	r       rune
	deleted bool
}

// Text is a replicated character sequence (RGA). Concurrent inserts at the
// same position are ordered deterministically by operation ID, so every
// replica converges to the same string regardless of delivery order.
//
// Text is not safe for concurrent use on its own; the owning Document
// serializes access.
type Text struct {
	doc   *Document
	nodes []node
}

func newText(doc *Document) *Text {
	return &Text{doc: doc}
}

// String returns the visible text.
func (t *Text) String() string {
	out := make([]rune, 0, len(t.nodes))
	for _, n := range t.nodes {
		if !n.deleted {
			out = append(out, n.r)
		}
	}
	return string(out)
}

// Len returns the number of visible characters.
func (t *Text) Len() int {
	count := 0
	for _, n := range t.nodes {
		if !n.deleted {
			count++
		}
	}
	return count
}

// Insert inserts s at the given visible index. Index 0 prepends; an index
// equal to Len appends. Generated operations are applied locally and
// announced through the document's observers.
func (t *Text) Insert(index int, s string) error {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	if index < 0 || index > t.visibleLen() {
		return ErrIndexOutOfRange
	}

	origin := t.idAtVisible(index - 1)
	ops := make([]Op, 0, len(s))
	for _, r := range s {
		op := Op{
			Type:   OpInsert,
			ID:     t.doc.nextID(),
			Origin: origin,
			Value:  string(r),
		}
		t.applyInsert(op)
		ops = append(ops, op)
		origin = op.ID // chain: each rune anchors on the previous one
	}

	t.doc.notifyLocked(Update{Ops: ops}, true)
	return nil
}

// Delete removes length visible characters starting at index.
func (t *Text) Delete(index, length int) error {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	if index < 0 || length < 0 || index+length > t.visibleLen() {
		return ErrIndexOutOfRange
	}

	ops := make([]Op, 0, length)
	for i := 0; i < length; i++ {
		// Visible index stays fixed: each delete tombstones the character
		// currently at position index.
		id := t.idAtVisible(index)
		op := Op{Type: OpDelete, ID: id}
		t.applyDelete(op)
		ops = append(ops, op)
	}

	if len(ops) > 0 {
		t.doc.notifyLocked(Update{Ops: ops}, true)
	}
	return nil
}

// visibleLen counts non-tombstone nodes. Caller holds the document mutex.
func (t *Text) visibleLen() int {
	count := 0
	for _, n := range t.nodes {
		if !n.deleted {
			count++
		}
	}
	return count
}

// idAtVisible returns the ID of the visible character at index, or the
// zero ID for index -1 (document start).
func (t *Text) idAtVisible(index int) ID {
	if index < 0 {
		return ID{}
	}
	seen := -1
	for _, n := range t.nodes {
		if n.deleted {
			continue
		}
		seen++
		if seen == index {
			return n.id
		}
	}
	return ID{}
}

// find returns the position of id in the node slice, or -1.
func (t *Text) find(id ID) int {
	for i, n := range t.nodes {
		if n.id == id {
			return i
		}
	}
	return -1
}

// canApply reports whether an operation's references are already present.
// Operations arriving before their causal predecessors are buffered by the
// document and retried.
func (t *Text) canApply(op Op) bool {
	switch op.Type {
	case OpInsert:
		if t.find(op.ID) >= 0 {
			return true // duplicate delivery, applyInsert will no-op
		}
		return op.Origin.IsZero() || t.find(op.Origin) >= 0
	case OpDelete:
		return t.find(op.ID) >= 0
	default:
		return true
	}
}

// applyInsert integrates an insert operation. Among siblings anchored on
// the same origin, operations with higher IDs sort first; skipping a
// sibling also skips its whole subtree because descendants anchor at later
// positions. Duplicate deliveries are ignored.
func (t *Text) applyInsert(op Op) {
	if t.find(op.ID) >= 0 {
		return
	}

	originIdx := -1
	if !op.Origin.IsZero() {
		originIdx = t.find(op.Origin)
		if originIdx < 0 {
			// Causality violated; the document buffers these before calling.
			return
		}
	}

	pos := originIdx + 1
	for ; pos < len(t.nodes); pos++ {
		c := t.nodes[pos]
		cOriginIdx := -1
		if !c.origin.IsZero() {
			cOriginIdx = t.find(c.origin)
		}
		if cOriginIdx < originIdx {
			break // sibling of an ancestor: our subtree ends here
		}
		if cOriginIdx == originIdx && op.ID.sortsBefore(c.id) {
			break
		}
	}

	runes := []rune(op.Value)
	var r rune
	if len(runes) > 0 {
		r = runes[0]
	}
	t.nodes = append(t.nodes, node{})
	copy(t.nodes[pos+1:], t.nodes[pos:])
	t.nodes[pos] = node{id: op.ID, origin: op.Origin, r: r}
}

// applyDelete tombstones the target character. Idempotent.
func (t *Text) applyDelete(op Op) {
	if i := t.find(op.ID); i >= 0 {
		t.nodes[i].deleted = true
	}
}
