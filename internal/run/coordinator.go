// Package run coordinates one agent process per session: single-flight
// admission, spawning, output fan-out, and race-safe interruption.
package run

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"grimoire-go/internal/hub"
	"grimoire-go/internal/ledger"
	"grimoire-go/internal/proc"
	"grimoire-go/internal/transcript"
	"grimoire-go/internal/workdir"
)

var (
	// ErrBusy is the single-flight guard tripping: a control signal, not a
	// failure.
	ErrBusy = errors.New("session is already processing a request")
	// ErrNotFound means an interrupt targeted a session with no active run.
	ErrNotFound = errors.New("no active run for session")
)

// Request describes one run of the agent CLI. SessionID may be empty for a
// brand-new conversation; such runs are tracked in the registry but have no
// ledger entry or hub stream until the tool assigns an id.
type Request struct {
	SessionID string
	Prompt    string
	WorkDir   string
	Continue  bool

	// Observer, when set, receives every event of this run directly, in
	// addition to hub fan-out. Used by transports that carry a run for a
	// requester with no session id yet.
	Observer func(hub.Event)
}

type Coordinator struct {
	registry *proc.Registry
	ledger   *ledger.Ledger
	hub      *hub.Hub
	launcher proc.Launcher
	locator  *transcript.Locator
	logger   *slog.Logger

	agentCommand string

	// starting holds sessions that passed the admission check but have not
	// yet been marked busy in the ledger. It closes the check-then-act
	// window between two concurrent starts of the same session.
	startingMu sync.Mutex
	starting   map[string]bool
}

func NewCoordinator(registry *proc.Registry, ldg *ledger.Ledger, outputHub *hub.Hub,
	launcher proc.Launcher, locator *transcript.Locator, agentCommand string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry:     registry,
		ledger:       ldg,
		hub:          outputHub,
		launcher:     launcher,
		locator:      locator,
		logger:       logger,
		agentCommand: agentCommand,
		starting:     map[string]bool{},
	}
}

// buildArgs constructs the agent CLI invocation for one run.
func (c *Coordinator) buildArgs(req Request) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	prompt := strings.TrimSpace(req.Prompt)
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.Continue || prompt == "" {
		args = append(args, "--continue")
	}
	if prompt != "" {
		args = append(args, prompt)
	}
	return args
}

// admit reserves the session for this run or reports it busy. Sessions with
// no id are always admitted: each becomes its own conversation.
func (c *Coordinator) admit(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	c.startingMu.Lock()
	defer c.startingMu.Unlock()
	if c.starting[sessionID] {
		return ErrBusy
	}
	if rec, ok := c.ledger.Get(sessionID); ok && rec.Busy {
		return ErrBusy
	}
	c.starting[sessionID] = true
	return nil
}

func (c *Coordinator) admitted(sessionID string) {
	if sessionID == "" {
		return
	}
	c.startingMu.Lock()
	delete(c.starting, sessionID)
	c.startingMu.Unlock()
}

// Start spawns the agent and returns the local process id once the run is
// registered and the session marked busy. ErrBusy and spawn failures are
// synchronous; everything after that is reported through the hub.
func (c *Coordinator) Start(req Request) (int64, error) {
	// Heal stale busy records before the admission check so a crashed run
	// never wedges its session.
	c.ledger.Reconcile()

	if err := c.admit(req.SessionID); err != nil {
		return 0, err
	}
	defer c.admitted(req.SessionID)

	dir, err := c.resolveWorkDir(req)
	if err != nil {
		return 0, err
	}

	process, err := c.launcher.Spawn(proc.Command{
		Name: c.agentCommand,
		Args: c.buildArgs(req),
		Dir:  dir,
	})
	if err != nil {
		return 0, fmt.Errorf("spawn %s: %w", c.agentCommand, err)
	}

	id := c.registry.NextID()
	handle := proc.NewHandle(id, req.SessionID, dir, time.Now(), process)
	c.registry.Register(id, handle)
	c.logger.Info("run started", "process", id, "session", req.SessionID, "dir", dir)

	if req.SessionID != "" {
		c.ledger.SetBusy(req.SessionID, id)
		// Pins the session's stream even for prompt-less continue runs, so
		// output has somewhere to land. Pinning and prompt fan-out happen in
		// one hub call so a viewer attaching mid-start never sees the prompt
		// twice.
		c.hub.SetPendingPrompt(req.SessionID, req.Prompt)
	}
	if req.Observer != nil && strings.TrimSpace(req.Prompt) != "" {
		req.Observer(hub.Event{Kind: hub.KindPrompt, Payload: req.Prompt})
	}

	go c.drain(req, id, process)
	return id, nil
}

func (c *Coordinator) resolveWorkDir(req Request) (string, error) {
	requested := req.WorkDir
	if requested == "" && req.SessionID != "" && c.locator != nil {
		requested = c.locator.WorkDirFor(req.SessionID)
	}
	return workdir.Resolve(requested)
}

// publish routes one event to the hub stream and the run's observer.
func (c *Coordinator) publish(req Request, kind hub.Kind, payload string) {
	if req.SessionID != "" {
		c.hub.Publish(req.SessionID, kind, payload)
	}
	if req.Observer != nil {
		req.Observer(hub.Event{Kind: kind, Payload: payload})
	}
}

// drain pumps the process's output into the hub and, once it exits, walks the
// run through cleanup. It runs for the whole lifetime of the process and
// holds no locks while reading or killing.
func (c *Coordinator) drain(req Request, id int64, process proc.Process) {
	var wg sync.WaitGroup
	streamErrs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.scanLines(process.Stdout(), func(line string) {
			c.publish(req, hub.KindData, line)
		}); err != nil {
			streamErrs <- err
			_ = process.Kill()
		}
	}()
	go func() {
		defer wg.Done()
		if err := c.scanLines(process.Stderr(), func(line string) {
			c.publish(req, hub.KindDiagnostic, line)
		}); err != nil {
			streamErrs <- err
			_ = process.Kill()
		}
	}()

	wg.Wait()
	exitCode, waitErr := process.Wait()

	// Interrupt may have unregistered already; first remover wins.
	c.registry.Unregister(id)

	var streamErr error
	select {
	case streamErr = <-streamErrs:
	default:
	}

	// A successor run may already own the session: an interrupt cleared this
	// run's record and a new start claimed it, all before Wait returned. The
	// stale run's terminal event and cleanup must not touch the successor's
	// state; its observer still hears the outcome.
	stale := false
	if req.SessionID != "" {
		if rec, ok := c.ledger.Get(req.SessionID); ok && rec.OwnerProcessID != id {
			stale = true
		}
	}
	emit := c.publish
	if stale {
		emit = func(r Request, kind hub.Kind, payload string) {
			if r.Observer != nil {
				r.Observer(hub.Event{Kind: kind, Payload: payload})
			}
		}
	}

	switch {
	case streamErr != nil:
		emit(req, hub.KindError, fmt.Sprintf("reading agent output: %v", streamErr))
	case waitErr != nil:
		emit(req, hub.KindError, fmt.Sprintf("agent process failed: %v", waitErr))
	case interruptedExit(exitCode):
		emit(req, hub.KindDone, "")
	default:
		emit(req, hub.KindError, fmt.Sprintf("agent exited with code %d", exitCode))
	}

	if req.SessionID != "" && !stale {
		c.ledger.SetIdleOwned(req.SessionID, id)
		c.hub.ClearPendingPrompt(req.SessionID)
		c.hub.ClearAccumulated(req.SessionID)
	}
	c.logger.Info("run finished", "process", id, "session", req.SessionID, "exit", exitCode)
}

func (c *Coordinator) scanLines(reader io.Reader, emit func(string)) error {
	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		emit(line)
	}
	return scanner.Err()
}

// interruptedExit reports exit codes conventionally produced by a normal
// finish or an interrupt (signal kill, SIGINT, SIGKILL). These are "done",
// not errors.
func interruptedExit(code int) bool {
	switch code {
	case 0, 1, -1, 130, 137:
		return true
	}
	return false
}

// Interrupt kills the session's running process, best effort. It does not
// wait for the process to die: the registry entry and ledger record are
// cleared immediately, and the drain goroutine's later cleanup is a no-op by
// idempotency. The kill happens outside every lock.
func (c *Coordinator) Interrupt(sessionID string) error {
	rec, ok := c.ledger.Get(sessionID)
	if !ok || !rec.Busy {
		return ErrNotFound
	}
	handle, ok := c.registry.Lookup(rec.OwnerProcessID)
	if !ok {
		return ErrNotFound
	}

	c.logger.Info("interrupting run", "process", handle.ID, "session", sessionID)
	if err := handle.Kill(); err != nil {
		c.logger.Warn("kill failed", "process", handle.ID, "error", err)
	}
	c.registry.Unregister(handle.ID)
	c.ledger.SetIdle(sessionID)
	return nil
}

// WriteInput forwards a line to the running process's stdin (permission
// prompts and similar interactive answers).
func (c *Coordinator) WriteInput(sessionID, input string) error {
	rec, ok := c.ledger.Get(sessionID)
	if !ok || !rec.Busy {
		return ErrNotFound
	}
	handle, ok := c.registry.Lookup(rec.OwnerProcessID)
	if !ok {
		return ErrNotFound
	}
	return handle.WriteStdin([]byte(input + "\n"))
}

// State returns the reconciled ledger snapshot.
func (c *Coordinator) State() []ledger.Record {
	return c.ledger.Reconcile()
}

// Active lists every currently running process.
func (c *Coordinator) Active() []proc.Info {
	handles := c.registry.Snapshot()
	out := make([]proc.Info, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Info())
	}
	return out
}

// InterruptAll kills every live run; used at shutdown.
func (c *Coordinator) InterruptAll() {
	for _, h := range c.registry.Snapshot() {
		if err := h.Kill(); err != nil {
			c.logger.Warn("kill failed during shutdown", "process", h.ID, "error", err)
		}
	}
}
