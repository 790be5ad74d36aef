// Package bus implements the in-process event bus (spec §3.2, §5): a
// best-effort broadcast of lifecycle events to any local subscribers. Slow
// subscribers lose events rather than blocking publishers: each subscriber
// has a buffered channel, and an event that does not fit is dropped.
package bus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCapacity is the per-subscriber buffer size. 4096 matches this
// system's upstream reference (a tokio broadcast channel sized the same
// way) and comfortably absorbs a burst of events between subscriber polls.
const DefaultCapacity = 4096

// Kind discriminates the Event union (spec §3.2).
type Kind string

const (
	KindAppConnected   Kind = "app_connected"
	KindMessageStored  Kind = "message_stored"
	KindAppTerminal    Kind = "app_terminal"
	KindCrashDetected  Kind = "crash_detected"
)

// Event is the tagged union broadcast on the bus. Only the fields relevant
// to Kind are populated; callers switch on Kind before reading them.
type Event struct {
	Kind      Kind
	AppID     string
	ParentID  *string
	MsgType   string
	Seq       int64
	Status    string
	CrashType string
}

// Bus is a multi-producer, multi-consumer, lossy broadcast channel.
type Bus struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	cap     int
	dropped prometheus.Counter
}

// New returns an empty Bus. Subscriber channels are buffered to capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{subs: make(map[chan Event]struct{}), cap: capacity}
}

// SetDroppedCounter wires a Prometheus counter that Publish increments every
// time a subscriber's buffer is full and an event is dropped for it. Optional:
// a Bus with no counter attached simply drops silently, as it always has.
func (b *Bus) SetDroppedCounter(c prometheus.Counter) {
	b.mu.Lock()
	b.dropped = c
	b.mu.Unlock()
}

// Subscribe returns a channel delivering every event published after this
// call. Callers must eventually call Unsubscribe to release it.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.cap)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers e to every current subscriber. A subscriber whose buffer
// is full drops the event — publishers are never blocked by a lagging
// consumer (spec §3.2 "Best-effort delivery; subscribers lagging past the
// channel capacity drop events").
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			if b.dropped != nil {
				b.dropped.Inc()
			}
		}
	}
}

// SubscriberCount reports the current number of subscribers, for metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
