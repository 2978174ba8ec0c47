// Package ledger keeps the authoritative busy/idle record per session and
// heals it against the process registry on every read.
package ledger

import (
	"log/slog"
	"sort"
	"sync"

	"grimoire-go/internal/proc"
)

// Record is one session's entry. OwnerProcessID is 0 when no process owns
// the session. Records only exist while a session is busy; idle sessions are
// dropped so the ledger stays bounded by active runs.
type Record struct {
	SessionID      string `json:"sessionId"`
	Busy           bool   `json:"busy"`
	OwnerProcessID int64  `json:"ownerProcessId,omitempty"`
}

// Liveness is the slice of the registry the ledger reconciles against.
type Liveness interface {
	Snapshot() []*proc.Handle
}

// Ledger maps session ids to busy state. Mutations notify subscribers with a
// full snapshot, always outside the ledger lock.
type Ledger struct {
	registry Liveness
	logger   *slog.Logger

	mu      sync.RWMutex
	records map[string]Record

	notify func([]Record)
}

func New(registry Liveness, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		registry: registry,
		logger:   logger,
		records:  map[string]Record{},
	}
}

// OnChange installs the snapshot notification hook. Must be called before the
// ledger is shared between goroutines.
func (l *Ledger) OnChange(fn func([]Record)) {
	l.notify = fn
}

func (l *Ledger) Get(sessionID string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[sessionID]
	return rec, ok
}

func (l *Ledger) SetBusy(sessionID string, processID int64) {
	l.mu.Lock()
	l.records[sessionID] = Record{SessionID: sessionID, Busy: true, OwnerProcessID: processID}
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.publish(snapshot)
}

// SetIdle clears a session's busy state and drops its record. Idling an
// already-idle or unknown session is a no-op and fires no notification.
func (l *Ledger) SetIdle(sessionID string) {
	l.mu.Lock()
	_, existed := l.records[sessionID]
	delete(l.records, sessionID)
	var snapshot []Record
	if existed {
		snapshot = l.snapshotLocked()
	}
	l.mu.Unlock()

	if existed {
		l.publish(snapshot)
	}
}

// SetIdleOwned drops the session's record only while processID still owns
// it. Completion cleanup racing a successor run must not erase the
// successor's entry.
func (l *Ledger) SetIdleOwned(sessionID string, processID int64) {
	l.mu.Lock()
	rec, existed := l.records[sessionID]
	if existed && rec.OwnerProcessID != processID {
		l.mu.Unlock()
		return
	}
	delete(l.records, sessionID)
	var snapshot []Record
	if existed {
		snapshot = l.snapshotLocked()
	}
	l.mu.Unlock()

	if existed {
		l.publish(snapshot)
	}
}

// Reconcile cross-checks every busy record against the registry and clears
// entries whose owning process is gone (killed externally, crashed before the
// completion callback ran). Lock order is fixed: registry snapshot first,
// then the ledger lock. Returns the corrected snapshot.
func (l *Ledger) Reconcile() []Record {
	live := map[int64]bool{}
	for _, h := range l.registry.Snapshot() {
		live[h.ID] = true
	}

	l.mu.Lock()
	changed := false
	for sessionID, rec := range l.records {
		if rec.Busy && !live[rec.OwnerProcessID] {
			l.logger.Warn("ledger record owned by dead process, clearing",
				"session", sessionID, "process", rec.OwnerProcessID)
			delete(l.records, sessionID)
			changed = true
		}
	}
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	if changed {
		l.publish(snapshot)
	}
	return snapshot
}

func (l *Ledger) snapshotLocked() []Record {
	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (l *Ledger) publish(snapshot []Record) {
	if l.notify != nil {
		l.notify(snapshot)
	}
}
