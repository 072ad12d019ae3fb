// Package broadcast multiplexes a single agent run's events to
// possibly-multiple subscribers, keyed by conversation id. At most one
// producer may be active per conversation; reconnecting clients
// subscribe to the existing run instead of starting a duplicate.
package broadcast

import (
	"errors"
	"sync"

	"arbor/internal/logging"
	"arbor/internal/stream"
)

// ErrRunActive is returned by Start when the conversation already has a
// streaming producer. Callers must subscribe instead.
var ErrRunActive = errors.New("conversation already has an active run")

// Status of a conversation's run.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusIdle      Status = "idle"
)

// Hub owns the per-conversation run registry. Check-then-set on run
// registration happens under one mutex, which is the only
// synchronization the single-writer rule needs.
type Hub struct {
	mu   sync.Mutex
	runs map[string]*run
	log  *logging.Logger
}

type run struct {
	hub            *Hub
	conversationID string
	status         Status
	subscribers    map[int]func(stream.Event) error
	nextSub        int
	done           chan struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		runs: make(map[string]*run),
		log:  logging.Get(logging.CategoryBroadcast),
	}
}

// GetActive returns the status of the conversation's current run, or
// false when no run is active.
func (h *Hub) GetActive(conversationID string) (Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.runs[conversationID]
	if !ok {
		return "", false
	}
	return r.status, true
}

// Start registers a new active run for the conversation. A second
// Start while one is streaming is rejected with ErrRunActive.
func (h *Hub) Start(conversationID string) (*Producer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.runs[conversationID]; exists {
		return nil, ErrRunActive
	}

	r := &run{
		hub:            h,
		conversationID: conversationID,
		status:         StatusStreaming,
		subscribers:    make(map[int]func(stream.Event) error),
		done:           make(chan struct{}),
	}
	h.runs[conversationID] = r
	h.log.Info("run started for conversation %s", conversationID)
	return &Producer{run: r}, nil
}

// Subscribe attaches a delivery callback to the conversation's active
// run. Returns false when no run is active - there is nothing to
// reconnect to.
func (h *Hub) Subscribe(conversationID string, deliver func(stream.Event) error) (*Subscription, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.runs[conversationID]
	if !ok {
		return nil, false
	}

	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = deliver
	h.log.Debug("subscriber %d attached to conversation %s", id, conversationID)
	return &Subscription{run: r, id: id}, true
}

// Producer pushes a run's events into the hub.
type Producer struct {
	run       *run
	closeOnce sync.Once
}

// Publish delivers the event to every currently attached subscriber.
// A delivery error from one subscriber (e.g. a disconnected client) is
// tolerated and never affects the others or the producer.
func (p *Producer) Publish(ev stream.Event) {
	h := p.run.hub

	h.mu.Lock()
	subs := make(map[int]func(stream.Event) error, len(p.run.subscribers))
	for id, deliver := range p.run.subscribers {
		subs[id] = deliver
	}
	h.mu.Unlock()

	for id, deliver := range subs {
		if err := deliver(ev); err != nil {
			h.log.Debug("delivery to subscriber %d failed (tolerated): %v", id, err)
		}
	}
}

// Close completes the run: subscribers' Done channels fire and the
// conversation entry is removed so a fresh Start may follow.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		h := p.run.hub
		h.mu.Lock()
		p.run.status = StatusIdle
		delete(h.runs, p.run.conversationID)
		h.mu.Unlock()

		close(p.run.done)
		h.log.Info("run completed for conversation %s", p.run.conversationID)
	})
}

// Subscription is one attached subscriber.
type Subscription struct {
	run    *run
	id     int
	once   sync.Once
}

// Unsubscribe detaches the subscriber. Safe to call more than once and
// after the run has completed.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		h := s.run.hub
		h.mu.Lock()
		delete(s.run.subscribers, s.id)
		h.mu.Unlock()
	})
}

// Done returns a channel closed once the run completes.
func (s *Subscription) Done() <-chan struct{} {
	return s.run.done
}
