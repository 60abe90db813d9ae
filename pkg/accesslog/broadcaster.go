// Package accesslog fans completed-request records out to any number of
// subscribers without ever blocking the request path.
package accesslog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventName is the channel name the control plane publishes entries under.
const EventName = "mock-server-log"

// DefaultBufferSize is the per-subscriber queue capacity.
const DefaultBufferSize = 1024

// Entry describes one completed request.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	Size      *int64    `json:"size,omitempty"`
	ElapsedMs float64   `json:"elapsed_ms"`
}

// Broadcaster delivers every published entry to every live subscription.
type Broadcaster struct {
	mu         sync.Mutex
	subs       map[*Subscription]struct{}
	bufferSize int
}

func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscription is one consumer's view of the stream.
type Subscription struct {
	ID string

	ch      chan Entry
	dropped atomic.Uint64
	owner   *Broadcaster
	once    sync.Once
}

// Entries yields published entries in publish order. It is closed by Close.
func (s *Subscription) Entries() <-chan Entry {
	return s.ch
}

// Dropped counts entries discarded because this subscriber fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and releases the buffer. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		close(s.ch)
		s.owner.mu.Unlock()
	})
}

// Subscribe registers a new consumer.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		ID:    uuid.NewString(),
		ch:    make(chan Entry, b.bufferSize),
		owner: b,
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish hands e to every subscriber. A full subscriber loses its oldest
// entry to make room.
func (b *Broadcaster) Publish(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- e:
			continue
		default:
		}

		// Only Publish sends, under b.mu, so after evicting one entry the
		// send below has room unless the consumer raced us for it.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Len reports the number of live subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
