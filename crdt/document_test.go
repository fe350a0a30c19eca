package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect wires a document so every local update is captured for replay
// into other replicas.
func collect(d *Document) *[][]byte {
	var updates [][]byte
	d.Observe(func(update Update, local bool) {
		if !local {
			return
		}
		data, err := EncodeUpdate(update)
		if err != nil {
			panic(err)
		}
		updates = append(updates, data)
	})
	return &updates
}

func applyAll(t *testing.T, d *Document, updates [][]byte) {
	t.Helper()
	for _, u := range updates {
		require.NoError(t, d.ApplyUpdate(u))
	}
}

func TestLocalInsertAndDelete(t *testing.T) {
	d := NewDocument("site-a")

	require.NoError(t, d.Text().Insert(0, "hello world"))
	assert.Equal(t, "hello world", d.Text().String())
	assert.Equal(t, 11, d.Size())

	require.NoError(t, d.Text().Delete(5, 6))
	assert.Equal(t, "hello", d.Text().String())

	require.NoError(t, d.Text().Insert(5, "!"))
	assert.Equal(t, "hello!", d.Text().String())
}

func TestInsertOutOfRange(t *testing.T) {
	d := NewDocument("site-a")

	assert.ErrorIs(t, d.Text().Insert(1, "x"), ErrIndexOutOfRange)
	assert.ErrorIs(t, d.Text().Insert(-1, "x"), ErrIndexOutOfRange)
	assert.ErrorIs(t, d.Text().Delete(0, 1), ErrIndexOutOfRange)
}

func TestConvergenceDisjointRegions(t *testing.T) {
	a := NewDocument("site-a")
	b := NewDocument("site-b")

	// Shared baseline authored on a, replicated to b.
	aUpdates := collect(a)
	require.NoError(t, a.Text().Insert(0, "the quick brown fox"))
	applyAll(t, b, *aUpdates)
	require.Equal(t, a.Text().String(), b.Text().String())

	// Concurrent edits to disjoint regions.
	aUpdates2 := collect(a)
	bUpdates := collect(b)
	require.NoError(t, a.Text().Insert(0, "look: "))   // edit at the front
	require.NoError(t, b.Text().Insert(19, " jumps")) // edit at the back

	// Deliver in opposite orders.
	applyAll(t, a, *bUpdates)
	applyAll(t, b, *aUpdates2)

	assert.Equal(t, "look: the quick brown fox jumps", a.Text().String())
	assert.Equal(t, a.Text().String(), b.Text().String(), "replicas must converge")
}

func TestConvergenceSamePosition(t *testing.T) {
	a := NewDocument("site-a")
	b := NewDocument("site-b")

	aUpdates := collect(a)
	require.NoError(t, a.Text().Insert(0, "ab"))
	applyAll(t, b, *aUpdates)

	// Both insert between 'a' and 'b' concurrently.
	aUpdates2 := collect(a)
	bUpdates := collect(b)
	require.NoError(t, a.Text().Insert(1, "X"))
	require.NoError(t, b.Text().Insert(1, "Y"))

	applyAll(t, a, *bUpdates)
	applyAll(t, b, *aUpdates2)

	assert.Equal(t, a.Text().String(), b.Text().String(), "same-position inserts must order identically")
	assert.Len(t, a.Text().String(), 4)
}

func TestConvergenceConcurrentDeleteAndInsert(t *testing.T) {
	a := NewDocument("site-a")
	b := NewDocument("site-b")

	aUpdates := collect(a)
	require.NoError(t, a.Text().Insert(0, "abcdef"))
	applyAll(t, b, *aUpdates)

	aUpdates2 := collect(a)
	bUpdates := collect(b)
	require.NoError(t, a.Text().Delete(1, 2))    // remove "bc"
	require.NoError(t, b.Text().Insert(3, "XY")) // insert after "c"

	applyAll(t, a, *bUpdates)
	applyAll(t, b, *aUpdates2)

	assert.Equal(t, a.Text().String(), b.Text().String())
	assert.Contains(t, a.Text().String(), "XY", "insert must survive the concurrent delete")
}

func TestOutOfOrderDeliveryBuffers(t *testing.T) {
	a := NewDocument("site-a")
	b := NewDocument("site-b")

	aUpdates := collect(a)
	require.NoError(t, a.Text().Insert(0, "x"))
	require.NoError(t, a.Text().Insert(1, "y"))
	require.NoError(t, a.Text().Insert(2, "z"))
	require.Len(t, *aUpdates, 3)

	// Deliver the later updates first; they depend on the first one.
	require.NoError(t, b.ApplyUpdate((*aUpdates)[2]))
	require.NoError(t, b.ApplyUpdate((*aUpdates)[1]))
	assert.Positive(t, b.PendingOps())

	require.NoError(t, b.ApplyUpdate((*aUpdates)[0]))
	assert.Zero(t, b.PendingOps())
	assert.Equal(t, "xyz", b.Text().String())
}

func TestDuplicateDeliveryIdempotent(t *testing.T) {
	a := NewDocument("site-a")
	b := NewDocument("site-b")

	aUpdates := collect(a)
	require.NoError(t, a.Text().Insert(0, "once"))

	applyAll(t, b, *aUpdates)
	applyAll(t, b, *aUpdates)
	assert.Equal(t, "once", b.Text().String())
}

func TestMapLastWriterWins(t *testing.T) {
	a := NewDocument("site-a")
	b := NewDocument("site-b")

	aUpdates := collect(a)
	bUpdates := collect(b)

	require.NoError(t, a.Map().Set("conflicts", 1))
	require.NoError(t, b.Map().Set("conflicts", 2))

	applyAll(t, a, *bUpdates)
	applyAll(t, b, *aUpdates)

	assert.Equal(t, a.Map().Int64("conflicts"), b.Map().Int64("conflicts"),
		"concurrent sets must resolve identically")
}

func TestSnapshotReplaysState(t *testing.T) {
	a := NewDocument("site-a")
	require.NoError(t, a.Text().Insert(0, "snapshot me"))
	require.NoError(t, a.Text().Delete(8, 3))
	require.NoError(t, a.Map().Set("lastResolved", "2026-01-01T00:00:00Z"))

	snap, err := a.Snapshot()
	require.NoError(t, err)

	fresh := NewDocument("site-b")
	require.NoError(t, fresh.ApplyUpdate(snap))

	assert.Equal(t, a.Text().String(), fresh.Text().String())
	var ts string
	ok, err := fresh.Map().Get("lastResolved", &ts)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2026-01-01T00:00:00Z", ts)
}
