// Package broadcast fans ledger snapshots out to passive state viewers.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"grimoire-go/internal/ledger"
)

// queueDepth bounds each subscriber's outbound queue. A full queue drops the
// newest update for that subscriber rather than blocking the publisher.
const queueDepth = 10

// Subscriber receives full ledger snapshots on C until Unsubscribe closes
// Done. The channel is never closed; receivers select on Done.
type Subscriber struct {
	ID   string
	C    chan []ledger.Record
	Done chan struct{}
}

type Broadcaster struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
}

func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger:      logger,
		subscribers: map[string]*Subscriber{},
	}
}

// Subscribe registers a viewer and seeds its queue with the given snapshot so
// a freshly connected client is immediately consistent.
func (b *Broadcaster) Subscribe(initial []ledger.Record) *Subscriber {
	sub := &Subscriber{
		ID:   uuid.NewString(),
		C:    make(chan []ledger.Record, queueDepth),
		Done: make(chan struct{}),
	}
	sub.C <- initial

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.Done)
		delete(b.subscribers, id)
	}
}

// Publish delivers a snapshot to every subscriber, best effort. A saturated
// subscriber loses this update; nobody else is affected and the publisher
// never blocks.
func (b *Broadcaster) Publish(snapshot []ledger.Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.C <- snapshot:
		default:
			b.logger.Warn("state subscriber queue full, update dropped", "subscriber", sub.ID)
		}
	}
}
