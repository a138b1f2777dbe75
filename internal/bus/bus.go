package bus

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wpphub",
	Subsystem: "bus",
	Name:      "dropped_events_total",
	Help:      "Events not delivered because a subscriber buffer was full.",
}, []string{"kind"})

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int

	dropped atomic.Uint64
}

type subscription struct {
	namespace  string
	instanceID string
	ch         chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// evt.Kind and whose instance filter, if any, matches evt.InstanceID.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.instanceID != "" && sub.instanceID != evt.InstanceID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
			b.dropped.Add(1)
			metricDropped.WithLabelValues(evt.Kind).Inc()
		}
	}
}

// Dropped returns how many deliveries were skipped on full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.SubscribeInstance(namespace, "", bufSize)
}

// SubscribeInstance is Subscribe restricted to one instance. An empty
// instanceID matches every instance.
func (b *Bus) SubscribeInstance(namespace, instanceID string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, instanceID: instanceID, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}
