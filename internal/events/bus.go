// Package events fans worker progress and entity-change events out to
// external subscribers.
package events

import (
	"sync"

	"github.com/Technical-1/Git-Archiver/internal/model"
)

// Stage identifies the phase a task progress event was published from.
type Stage string

const (
	StageCloning   Stage = "Cloning"
	StageFetching  Stage = "Fetching"
	StageArchiving Stage = "Archiving"
	StageDone      Stage = "Done"
	StageFailed    Stage = "Failed"
	StageCancelled Stage = "Cancelled"
)

// Event is any value published on the bus. The concrete kinds are
// TaskProgress, RepoUpdated, and TaskError.
type Event = any

// TaskProgress reports a stage transition or in-stage progress for a task.
// Fraction is negative when no meaningful percentage is available.
type TaskProgress struct {
	RepoID   int64
	RepoURL  string
	Stage    Stage
	Fraction float64
	Message  string
}

// RepoUpdated carries the full repository record after a change.
type RepoUpdated struct {
	Repo model.Repository
}

// TaskError reports a task failure, or a failed reconcile chunk after which
// the reconcile goes on with the next chunk. Kind is the error taxonomy
// tag; Message is the user-visible string.
type TaskError struct {
	RepoID  int64 // 0 for non-repo tasks
	Kind    string
	Message string
}

// Bus is a fan-out publisher. Each subscriber owns a bounded buffer; a slow
// subscriber loses events rather than blocking publishers.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given buffer capacity and
// returns its delivery channel plus an unsubscribe function. Unsubscribing
// closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, unsubscribe
}

// Publish delivers e to every subscriber. The lock is held only to copy the
// subscriber list; delivery is non-blocking and drops per subscriber when a
// buffer is full.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- e:
		default:
			// Subscriber buffer full; drop for this subscriber only.
		}
	}
}

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
