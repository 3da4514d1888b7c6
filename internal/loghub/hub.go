// Package loghub is the process-wide registry of per-run log queues and
// subscriber sets. It decouples the pipeline (one producer per run) from any
// number of live log viewers. The hub is a constructed service passed by
// handle, not a package singleton; the composition root owns its lifecycle.
package loghub

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildhost/internal/logfields"
	"git.home.luguber.info/inful/buildhost/internal/model"
)

// Key identifies one run's stream.
type Key struct {
	TaskID    string
	RunNumber int
}

func (k Key) String() string { return fmt.Sprintf("%s#%d", k.TaskID, k.RunNumber) }

// Line is one ordered unit of output. Transient: held only until consumed or
// evicted; the durable copy lives in the run record.
type Line struct {
	Key       Key
	Stage     string
	Text      string
	Timestamp time.Time
}

// EventKind discriminates consumer events.
type EventKind int

const (
	// EventLine carries one log line.
	EventLine EventKind = iota
	// EventHeartbeat is emitted when the bounded wait elapses with no line,
	// so callers can keep a live connection alive without busy-waiting.
	EventHeartbeat
	// EventComplete is the sentinel carrying the run's final status; it is
	// the last event a consumer observes.
	EventComplete
)

// Event is one element of a consumer's lazy sequence.
type Event struct {
	Kind        EventKind
	Line        *Line
	FinalStatus model.RunStatus
}

// entry wraps a queued line or the completion sentinel.
type entry struct {
	line     Line
	sentinel bool
	status   model.RunStatus
}

// stream is the per-key state: one bounded queue, one subscriber set.
type stream struct {
	queue  chan entry
	subs   map[string]chan struct{} // subscriber id -> per-subscriber stop signal
	active bool                     // a producer still has this run open
	done   chan struct{}            // closed on teardown
}

// Hub is safe for one producer and N consumers per key; map mutations are
// serialized, queue traffic on distinct keys does not contend.
type Hub struct {
	mu       sync.Mutex
	streams  map[Key]*stream
	capacity int
	wait     time.Duration
	onDrop   func(n int)
}

const (
	// DefaultCapacity bounds each run's queue; the oldest entry is evicted
	// when a publish finds it full (drop-oldest backpressure).
	DefaultCapacity = 20000
	// DefaultWait is the bounded consume wait before a heartbeat.
	DefaultWait = time.Second
)

// Option configures a Hub.
type Option func(*Hub)

// WithCapacity overrides the per-run queue capacity.
func WithCapacity(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.capacity = n
		}
	}
}

// WithConsumeWait overrides the bounded wait before heartbeats.
func WithConsumeWait(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.wait = d
		}
	}
}

// WithDropFunc installs a callback invoked with the number of entries
// evicted by a full-queue publish (metrics hook).
func WithDropFunc(fn func(n int)) Option {
	return func(h *Hub) { h.onDrop = fn }
}

// New creates an empty hub.
func New(options ...Option) *Hub {
	h := &Hub{
		streams:  make(map[Key]*stream),
		capacity: DefaultCapacity,
		wait:     DefaultWait,
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// OpenStream idempotently ensures queue and subscriber set exist for key and
// marks the run active (a producer is attached).
func (h *Hub) OpenStream(key Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.ensureLocked(key)
	st.active = true
}

func (h *Hub) ensureLocked(key Key) *stream {
	st, ok := h.streams[key]
	if !ok {
		st = &stream{
			queue: make(chan entry, h.capacity),
			subs:  make(map[string]chan struct{}),
			done:  make(chan struct{}),
		}
		h.streams[key] = st
		slog.Debug("log stream created", logfields.TaskID(key.TaskID), logfields.RunNumber(key.RunNumber))
	}
	return st
}

// Publish appends a line to the run's queue, creating it lazily. At capacity
// the oldest entry is evicted first: recency wins over completeness.
func (h *Hub) Publish(key Key, stage, text string) {
	h.mu.Lock()
	st := h.ensureLocked(key)
	h.mu.Unlock()

	h.push(st, entry{line: Line{Key: key, Stage: stage, Text: text, Timestamp: time.Now()}})
}

func (h *Hub) push(s *stream, e entry) {
	for {
		select {
		case s.queue <- e:
			return
		default:
		}
		// Full: evict the oldest entry and retry.
		select {
		case <-s.queue:
			if h.onDrop != nil {
				h.onDrop(1)
			}
		default:
		}
	}
}

// Subscribe registers a live viewer for the run's stream.
func (h *Hub) Subscribe(key Key, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.ensureLocked(key)
	if _, ok := st.subs[subscriberID]; !ok {
		st.subs[subscriberID] = make(chan struct{})
		slog.Debug("subscriber attached", logfields.TaskID(key.TaskID), logfields.RunNumber(key.RunNumber), logfields.Subscriber(subscriberID))
	}
}

// Unsubscribe removes a viewer; the last viewer of an inactive run tears the
// stream down.
func (h *Hub) Unsubscribe(key Key, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[key]
	if !ok {
		return
	}
	if stop, ok := st.subs[subscriberID]; ok {
		close(stop)
		delete(st.subs, subscriberID)
	}
	if !st.active && len(st.subs) == 0 {
		h.teardownLocked(key, st)
	}
}

func (h *Hub) teardownLocked(key Key, st *stream) {
	close(st.done)
	delete(h.streams, key)
	slog.Debug("log stream torn down", logfields.TaskID(key.TaskID), logfields.RunNumber(key.RunNumber))
}

// MarkComplete publishes the completion sentinel so every active consumer
// observes the final status and exits deterministically, then releases the
// producer's hold on the stream. With no subscribers attached the stream is
// removed immediately.
func (h *Hub) MarkComplete(key Key, finalStatus model.RunStatus) {
	h.mu.Lock()
	st, ok := h.streams[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	st.active = false
	if len(st.subs) == 0 {
		h.teardownLocked(key, st)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	h.push(st, entry{sentinel: true, status: finalStatus})
}

// HasStream reports whether state exists for key (used by tests and the
// daemon status surface).
func (h *Hub) HasStream(key Key) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.streams[key]
	return ok
}

// SubscriberCount returns the number of attached viewers for key.
func (h *Hub) SubscriberCount(key Key) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[key]
	if !ok {
		return 0
	}
	return len(st.subs)
}

// Consume returns the subscriber's lazy event sequence: effectively infinite
// until stopped, not restartable. Each element is a line, a heartbeat (idle
// tick), or the completion sentinel. The channel is closed when the
// subscriber is removed, the stream is torn down, or the sentinel has been
// delivered. The subscriber must already be registered via Subscribe.
func (h *Hub) Consume(key Key, subscriberID string) (<-chan Event, error) {
	h.mu.Lock()
	st, ok := h.streams[key]
	if !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("no stream for %s", key)
	}
	stop, ok := st.subs[subscriberID]
	if !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("subscriber %s not registered for %s", subscriberID, key)
	}
	h.mu.Unlock()

	events := make(chan Event)
	go h.consumeLoop(key, subscriberID, st, stop, events)
	return events, nil
}

func (h *Hub) consumeLoop(key Key, subscriberID string, st *stream, stop chan struct{}, events chan<- Event) {
	defer close(events)
	timer := time.NewTimer(h.wait)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(h.wait)

		select {
		case <-stop:
			return
		case <-st.done:
			return
		case e := <-st.queue:
			if e.sentinel {
				// Re-queue so sibling consumers also observe completion.
				h.push(st, e)
				h.deliver(events, stop, st.done, Event{Kind: EventComplete, FinalStatus: e.status})
				h.Unsubscribe(key, subscriberID)
				return
			}
			line := e.line
			if !h.deliver(events, stop, st.done, Event{Kind: EventLine, Line: &line}) {
				return
			}
		case <-timer.C:
			if !h.deliver(events, stop, st.done, Event{Kind: EventHeartbeat}) {
				return
			}
		}
	}
}

// deliver sends an event unless the consumer has already gone away.
func (h *Hub) deliver(events chan<- Event, stop, done <-chan struct{}, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-stop:
		return false
	case <-done:
		return false
	}
}
