package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event
type EventType string

const (
	EventProcessStarted EventType = "process.started"
	EventProcessKilled  EventType = "process.killed"
	EventProcessExited  EventType = "process.exited"
	EventStartupFailed  EventType = "process.startup_failed"

	EventClusterState     EventType = "cluster.state"
	EventClusterEmergency EventType = "cluster.emergency"
	EventRolesRestarted   EventType = "cluster.roles_restarted"

	EventProbePassed   EventType = "probe.passed"
	EventProbeTimedOut EventType = "probe.timed_out"
)

// Event is one lifecycle notification
type Event struct {
	ID        string
	Type      EventType
	Cluster   string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// New creates an event with a fresh id
func New(t EventType, cluster, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Cluster:   cluster,
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  make(map[string]string),
	}
}

// With sets a metadata key and returns the event
func (e *Event) With(key, value string) *Event {
	e.Metadata[key] = value
	return e
}

// Subscriber receives events
type Subscriber chan *Event

type subscription struct {
	types map[EventType]bool
}

func (s subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Broker fans events out to subscribers. A nil *Broker drops everything,
// so components may publish unconditionally.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]subscription
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// NewBroker creates a broker; call Start before publishing
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]subscription),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop ends distribution and closes every subscriber channel
func (b *Broker) Stop() {
	if b == nil {
		return
	}
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe returns a channel receiving the given event types, or all types when none are given
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	s := subscription{types: make(map[EventType]bool, len(types))}
	for _, t := range types {
		s.types[t] = true
	}
	b.subscribers[sub] = s
	return sub
}

// Unsubscribe removes and closes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event. It never blocks once the broker is stopped.
func (b *Broker) Publish(event *Event) {
	if b == nil || event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	defer close(b.done)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			b.closeAll()
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, s := range b.subscribers {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			// slow subscriber, drop
		}
	}
}

func (b *Broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		close(sub)
		delete(b.subscribers, sub)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
