package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimoire-go/internal/proc"
)

type fakeLiveness struct {
	handles []*proc.Handle
}

func (f *fakeLiveness) Snapshot() []*proc.Handle { return f.handles }

func liveHandle(id int64, session string) *proc.Handle {
	return proc.NewHandle(id, session, "/tmp", time.Now(), nil)
}

func TestSetBusyAndGet(t *testing.T) {
	l := New(&fakeLiveness{}, nil)
	l.SetBusy("s1", 7)

	rec, ok := l.Get("s1")
	require.True(t, ok)
	assert.True(t, rec.Busy)
	assert.Equal(t, int64(7), rec.OwnerProcessID)
}

func TestSetIdleDropsRecordAndIsIdempotent(t *testing.T) {
	l := New(&fakeLiveness{}, nil)
	notifications := 0
	l.OnChange(func([]Record) { notifications++ })

	l.SetBusy("s1", 7)
	l.SetIdle("s1")
	_, ok := l.Get("s1")
	assert.False(t, ok, "idle record should be garbage collected")

	before := notifications
	l.SetIdle("s1")
	assert.Equal(t, before, notifications, "idling an idle session must not notify")
}

func TestSetIdleOwnedSkipsForeignOwner(t *testing.T) {
	l := New(&fakeLiveness{}, nil)
	l.SetBusy("s1", 1)
	l.SetBusy("s1", 2) // a successor run took the session over

	l.SetIdleOwned("s1", 1)
	rec, ok := l.Get("s1")
	require.True(t, ok, "stale idle must not evict the successor's record")
	assert.Equal(t, int64(2), rec.OwnerProcessID)

	l.SetIdleOwned("s1", 2)
	_, ok = l.Get("s1")
	assert.False(t, ok)

	// Owned idle of an unknown session stays a no-op, like SetIdle.
	notifications := 0
	l.OnChange(func([]Record) { notifications++ })
	l.SetIdleOwned("s1", 2)
	assert.Equal(t, 0, notifications)
}

func TestReconcileClearsDeadOwners(t *testing.T) {
	registry := &fakeLiveness{handles: []*proc.Handle{liveHandle(1, "s1")}}
	l := New(registry, nil)
	l.SetBusy("s1", 1)
	l.SetBusy("s2", 2) // no live process with id 2

	snapshot := l.Reconcile()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "s1", snapshot[0].SessionID)

	_, ok := l.Get("s2")
	assert.False(t, ok, "record with dead owner should transition to idle")
}

func TestReconcileNotifiesOnlyOnChange(t *testing.T) {
	registry := &fakeLiveness{handles: []*proc.Handle{liveHandle(1, "s1")}}
	l := New(registry, nil)
	l.SetBusy("s1", 1)

	notifications := 0
	l.OnChange(func([]Record) { notifications++ })

	l.Reconcile()
	assert.Equal(t, 0, notifications, "clean reconcile must not notify")

	registry.handles = nil
	l.Reconcile()
	assert.Equal(t, 1, notifications)
}

func TestSnapshotIsSortedBySession(t *testing.T) {
	registry := &fakeLiveness{handles: []*proc.Handle{liveHandle(1, "b"), liveHandle(2, "a")}}
	l := New(registry, nil)
	l.SetBusy("b", 1)
	l.SetBusy("a", 2)

	snapshot := l.Reconcile()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "a", snapshot[0].SessionID)
	assert.Equal(t, "b", snapshot[1].SessionID)
}
