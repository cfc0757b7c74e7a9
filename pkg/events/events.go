package events

import (
	"sync"
	"time"

	"github.com/cuemby/ferry/pkg/metrics"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	// EventShipmentUploadID carries the resumption token of one volume upload
	EventShipmentUploadID EventType = "shipment.upload_id"
	// EventShipmentFinished carries the aggregate verdict of a shipment
	EventShipmentFinished EventType = "shipment.finished"
	// EventShipmentConflict asks for the shipment to be retried with other ports
	EventShipmentConflict EventType = "shipment.port_conflict"
	// EventBackupScheduled is published when a scheduled backup is started
	EventBackupScheduled EventType = "backup.scheduled"
	EventScheduleRemoved EventType = "schedule.removed"
	EventSnapshotDeleted EventType = "snapshot.deleted"
)

// Shipment identifies a shipment and carries its outcome
type Shipment struct {
	Resource string
	Snapshot string
	Remote   string
	Restore  bool

	BackupName string
	UploadID   string

	Success          bool
	Ports            []int
	ConflictingPorts []int
}

// Event represents a control plane event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
	Shipment  *Shipment
}

// ShipmentEvents are the event types carrying a Shipment
var ShipmentEvents = []EventType{EventShipmentUploadID, EventShipmentFinished, EventShipmentConflict}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// filter is the set of event types a subscriber receives, nil for all
type filter map[EventType]struct{}

func newFilter(types []EventType) filter {
	if len(types) == 0 {
		return nil
	}
	f := make(filter, len(types))
	for _, t := range types {
		f[t] = struct{}{}
	}
	return f
}

func (f filter) match(t EventType) bool {
	if f == nil {
		return true
	}
	_, ok := f[t]
	return ok
}

// Broker fans events out to subscribers. Publish never blocks on a slow
// subscriber: events that do not fit its buffer are dropped and counted.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]filter
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a stopped broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]filter),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and closes every remaining subscription.
// Subscriptions made afterwards are closed right away.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)

		b.mu.Lock()
		defer b.mu.Unlock()
		for sub := range b.subscribers {
			delete(b.subscribers, sub)
			close(sub)
		}
	})
}

// Subscribe subscribes to every event type with a buffer of 50 events
func (b *Broker) Subscribe() Subscriber {
	return b.SubscribeBuffered(50)
}

// SubscribeBuffered subscribes with a buffer of size events to the given
// event types, or to all of them when none are given
func (b *Broker) SubscribeBuffered(size int, types ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, size)
	select {
	case <-b.stopCh:
		close(sub)
		return sub
	default:
	}
	b.subscribers[sub] = newFilter(types)
	return sub
}

// Unsubscribe removes and closes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for distribution, filling in its ID and
// timestamp when unset. Events published after Stop are discarded.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
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
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, f := range b.subscribers {
		if !f.match(event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			metrics.EventsDropped.WithLabelValues(string(event.Type)).Inc()
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
