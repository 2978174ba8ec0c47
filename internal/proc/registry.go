package proc

import (
	"errors"
	"sync"
	"time"
)

// Handle is the registry's record of one live agent process. The registry is
// its exclusive owner; everything else works on snapshots.
type Handle struct {
	ID        int64
	SessionID string
	WorkDir   string
	StartedAt time.Time

	proc Process
}

func NewHandle(id int64, sessionID, workDir string, startedAt time.Time, p Process) *Handle {
	return &Handle{ID: id, SessionID: sessionID, WorkDir: workDir, StartedAt: startedAt, proc: p}
}

// Kill signals the underlying OS process. Callers must not hold any registry
// or ledger lock across this call.
func (h *Handle) Kill() error {
	if h.proc == nil {
		return nil
	}
	return h.proc.Kill()
}

// WriteStdin forwards bytes to the process's standard input.
func (h *Handle) WriteStdin(data []byte) error {
	if h.proc == nil {
		return errors.New("process has no stdin")
	}
	stdin := h.proc.Stdin()
	if stdin == nil {
		return errors.New("process has no stdin")
	}
	_, err := stdin.Write(data)
	return err
}

// Info is the externally visible shape of a handle.
type Info struct {
	ProcessID int64  `json:"processId"`
	SessionID string `json:"sessionId"`
	WorkDir   string `json:"workDir"`
	StartedAt int64  `json:"startedAt"`
}

func (h *Handle) Info() Info {
	return Info{
		ProcessID: h.ID,
		SessionID: h.SessionID,
		WorkDir:   h.WorkDir,
		StartedAt: h.StartedAt.Unix(),
	}
}

// Registry tracks every running agent process by a local monotonic id. It is
// the liveness oracle the ledger reconciles against.
type Registry struct {
	mu      sync.Mutex
	nextID  int64
	handles map[int64]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: map[int64]*Handle{}}
}

// NextID returns a strictly increasing process id. IDs are never reused for
// the lifetime of the registry.
func (r *Registry) NextID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

func (r *Registry) Register(id int64, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[id] = h
}

// Unregister removes a handle. Removing an absent id is a no-op, which lets
// the completion and interrupt paths race safely: first remover wins.
func (r *Registry) Unregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

func (r *Registry) IsLive(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[id]
	return ok
}

func (r *Registry) Lookup(id int64) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Snapshot returns a point-in-time copy of all live handles so callers never
// iterate the live map.
func (r *Registry) Snapshot() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}
