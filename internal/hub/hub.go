// Package hub fans one run's output out to any number of live viewers,
// replaying the in-flight backlog to late joiners. The backlog is an
// ephemeral replay buffer scoped to a single run, never a transcript; the
// external tool's own log is the durable record.
package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// subscriberQueueDepth bounds each viewer's outbound queue. Slow viewers
// lose events rather than stalling the run's readers.
const subscriberQueueDepth = 128

// Kind tags an output event.
type Kind string

const (
	KindData       Kind = "data"       // one stdout line of the agent process
	KindDiagnostic Kind = "diagnostic" // one stderr line
	KindPrompt     Kind = "prompt"     // the user prompt that started the run
	KindDone       Kind = "done"       // run finished normally (incl. interrupts)
	KindError      Kind = "error"      // run failed
)

// Event is one unit of output delivered to subscribers. IDs are ULIDs and
// therefore ordered by emission within a session.
type Event struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Payload string `json:"payload,omitempty"`
}

// Subscriber receives a session's events on C until Unsubscribe closes Done.
type Subscriber struct {
	ID   string
	C    chan Event
	Done chan struct{}
}

// stream is the per-session state: the prompt that triggered the current
// run, the chunks emitted so far, and the live viewer set. It exists only
// while a run is in flight or a viewer is attached.
type stream struct {
	pinned        bool // a run is in flight; the stream survives viewer churn
	pendingPrompt string
	backlog       []Event
	subscribers   map[string]*Subscriber
}

type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, streams: map[string]*stream{}}
}

func (h *Hub) streamLocked(sessionID string) *stream {
	s := h.streams[sessionID]
	if s == nil {
		s = &stream{subscribers: map[string]*Subscriber{}}
		h.streams[sessionID] = s
	}
	return s
}

// dropIfEmptyLocked deletes a stream that holds nothing: not pinned to a
// run, no viewers, no pending prompt, no backlog. Keeps the hub bounded by
// active sessions.
func (h *Hub) dropIfEmptyLocked(sessionID string) {
	s := h.streams[sessionID]
	if s != nil && !s.pinned && len(s.subscribers) == 0 && s.pendingPrompt == "" && len(s.backlog) == 0 {
		delete(h.streams, sessionID)
	}
}

// Subscribe attaches a viewer to a session. The pending prompt (if any) and
// the full backlog are queued, in original order, before the subscriber
// becomes visible to publishes, so replay-then-live order is total.
func (h *Hub) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		ID:   uuid.NewString(),
		C:    make(chan Event, subscriberQueueDepth),
		Done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.streamLocked(sessionID)
	if s.pendingPrompt != "" {
		h.deliverLocked(sub, Event{ID: ulid.Make().String(), Kind: KindPrompt, Payload: s.pendingPrompt})
	}
	for _, event := range s.backlog {
		h.deliverLocked(sub, event)
	}
	s.subscribers[sub.ID] = sub
	return sub
}

func (h *Hub) Unsubscribe(sessionID, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.streams[sessionID]
	if s == nil {
		return
	}
	if sub, ok := s.subscribers[subscriberID]; ok {
		close(sub.Done)
		delete(s.subscribers, subscriberID)
	}
	h.dropIfEmptyLocked(sessionID)
}

// Publish appends a chunk to the session's backlog (data and diagnostics
// only) and fans it out to every current viewer. Publishing to a session
// with no stream is a silent drop: trailing output from a killed process may
// arrive after cleanup and must go nowhere.
func (h *Hub) Publish(sessionID string, kind Kind, payload string) {
	event := Event{ID: ulid.Make().String(), Kind: kind, Payload: payload}

	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.streams[sessionID]
	if s == nil {
		h.logger.Debug("publish to session with no stream, dropped", "session", sessionID, "kind", kind)
		return
	}
	if kind == KindData || kind == KindDiagnostic {
		s.backlog = append(s.backlog, event)
	}
	for _, sub := range s.subscribers {
		h.deliverLocked(sub, event)
	}
}

func (h *Hub) deliverLocked(sub *Subscriber, event Event) {
	select {
	case sub.C <- event:
	default:
		h.logger.Warn("output subscriber queue full, event dropped",
			"subscriber", sub.ID, "kind", event.Kind)
	}
}

// SetPendingPrompt records the prompt of the current run and pins the
// session's stream so subsequent publishes have somewhere to land, even when
// the prompt is empty. A non-empty prompt is fanned out to viewers already
// attached under the same lock that replays it to later ones, so every
// viewer sees it exactly once.
func (h *Hub) SetPendingPrompt(sessionID, prompt string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.streamLocked(sessionID)
	s.pinned = true
	s.pendingPrompt = prompt
	if prompt == "" {
		return
	}
	event := Event{ID: ulid.Make().String(), Kind: KindPrompt, Payload: prompt}
	for _, sub := range s.subscribers {
		h.deliverLocked(sub, event)
	}
}

// ClearPendingPrompt unpins the stream once its run is over; with no viewers
// and no backlog left, the stream is garbage collected.
func (h *Hub) ClearPendingPrompt(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.streams[sessionID]; s != nil {
		s.pinned = false
		s.pendingPrompt = ""
	}
	h.dropIfEmptyLocked(sessionID)
}

// ClearAccumulated discards the replay backlog once a run completes, so the
// buffer never grows across runs.
func (h *Hub) ClearAccumulated(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.streams[sessionID]; s != nil {
		s.backlog = nil
	}
	h.dropIfEmptyLocked(sessionID)
}
