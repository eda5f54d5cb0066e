// Package notify distributes lifecycle notifications (link outcomes, graph
// state changes, terminal events) to observers without ever blocking the
// publisher.
//
// Resolver callbacks publish from engine threads and the supervisor publishes
// from the control goroutine, so a slow observer (an MQTT emitter waiting on
// the broker) must not stall either. If a subscriber's channel is full the
// notification is dropped for that subscriber and counted.
//
// # Basic Usage
//
//	bus := notify.New(runID)
//	defer bus.Close()
//
//	ch := make(chan notify.Notification, 32)
//	bus.Subscribe("mqtt", ch)
//
//	bus.Publish(notify.Notification{Kind: notify.KindPortLinked, Subject: "source->depay"})
package notify

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindSetupFailed  Kind = "setup_failed"
	KindPortLinked   Kind = "port_linked"
	KindPortRejected Kind = "port_rejected"
	KindLinkFailed   Kind = "link_failed"
	KindGraphState   Kind = "graph_state"
	KindRuntimeError Kind = "runtime_error"
	KindEndOfStream  Kind = "end_of_stream"
	KindTeardown     Kind = "teardown"
)

// Notification is one lifecycle fact.
type Notification struct {
	Kind    Kind              `msgpack:"kind" json:"kind"`
	RunID   string            `msgpack:"run_id" json:"run_id"`
	Time    time.Time         `msgpack:"time" json:"time"`
	Subject string            `msgpack:"subject" json:"subject"`
	Detail  string            `msgpack:"detail,omitempty" json:"detail,omitempty"`
	Attrs   map[string]string `msgpack:"attrs,omitempty" json:"attrs,omitempty"`
}

// Publisher is the write side of a Bus.
type Publisher interface {
	Publish(n Notification)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Notification) {}

// Bus distributes notifications to multiple subscribers with drop policy.
type Bus interface {
	Publisher

	// Subscribe registers a channel to receive notifications.
	// Returns error if id already exists or if bus is closed.
	Subscribe(id string, ch chan<- Notification) error

	// Unsubscribe removes a subscriber by id.
	Unsubscribe(id string) error

	// Stats returns current bus statistics snapshot.
	Stats() BusStats

	// Close stops the bus. Publish after Close is counted and dropped.
	Close() error
}

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with unknown id.
	ErrSubscriberNotFound = errors.New("subscriber id not found")

	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("bus is closed")
)

// BusStats contains global and per-subscriber metrics.
type BusStats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64

	// AfterClose counts Publish calls that arrived after Close
	AfterClose uint64

	Subscribers map[string]SubscriberStats
}

// SubscriberStats tracks metrics for a single subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriberStats struct {
	sent    atomic.Uint64
	dropped atomic.Uint64
}

type bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- Notification
	stats       map[string]*subscriberStats
	closed      bool

	totalPublished atomic.Uint64
	afterClose     atomic.Uint64
	runID          string
}

// New creates a new notification bus. Notifications published without a
// RunID or Time get runID and the publish time stamped on them.
func New(runID string) Bus {
	return &bus{
		subscribers: make(map[string]chan<- Notification),
		stats:       make(map[string]*subscriberStats),
		runID:       runID,
	}
}

func (b *bus) Subscribe(id string, ch chan<- Notification) error {
	if ch == nil {
		return errors.New("subscriber channel cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = ch
	b.stats[id] = &subscriberStats{}
	return nil
}

func (b *bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}

	delete(b.subscribers, id)
	delete(b.stats, id)
	return nil
}

// Publish sends n to all subscribers without blocking.
func (b *bus) Publish(n Notification) {
	if n.RunID == "" {
		n.RunID = b.runID
	}
	if n.Time.IsZero() {
		n.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.afterClose.Add(1)
		return
	}
	b.totalPublished.Add(1)

	for id, ch := range b.subscribers {
		select {
		case ch <- n:
			b.stats[id].sent.Add(1)
		default:
			b.stats[id].dropped.Add(1)
		}
	}
}

func (b *bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := BusStats{
		TotalPublished: b.totalPublished.Load(),
		AfterClose:     b.afterClose.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.stats)),
	}
	for id, s := range b.stats {
		sent, dropped := s.sent.Load(), s.dropped.Load()
		result.TotalSent += sent
		result.TotalDropped += dropped
		result.Subscribers[id] = SubscriberStats{Sent: sent, Dropped: dropped}
	}
	return result
}

// Close is idempotent. Subscriber channels are not closed; their owners
// manage them.
func (b *bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}
