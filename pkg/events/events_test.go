package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.SubscribeBuffered(10)
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{
		Type: EventShipmentFinished,
		Shipment: &Shipment{
			Resource: "db",
			Snapshot: "back_20240101_020000",
			Remote:   "s3",
			Success:  true,
		},
	})

	for _, sub := range []Subscriber{sub1, sub2} {
		ev := receive(t, sub)
		assert.Equal(t, EventShipmentFinished, ev.Type)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
		require.NotNil(t, ev.Shipment)
		assert.True(t, ev.Shipment.Success)
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok)

	// second unsubscribe is a no-op
	b.Unsubscribe(sub)
}

func TestBrokerStopClosesSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()

	sub := b.Subscribe()
	b.Stop()
	b.Stop()

	_, ok := <-sub
	assert.False(t, ok)

	late := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)

	// publishing after stop must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(&Event{Type: EventSnapshotDeleted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked after stop")
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.SubscribeBuffered(1)
	fast := b.SubscribeBuffered(10)

	for i := 0; i < 5; i++ {
		b.Publish(&Event{Type: EventBackupScheduled})
	}
	for i := 0; i < 5; i++ {
		receive(t, fast)
	}

	assert.Len(t, slow, 1)
}

func TestBrokerFiltersByType(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	shipments := b.SubscribeBuffered(10, ShipmentEvents...)
	all := b.Subscribe()

	b.Publish(&Event{Type: EventBackupScheduled})
	b.Publish(&Event{Type: EventShipmentFinished, Shipment: &Shipment{Resource: "db", Success: true}})

	assert.Equal(t, EventBackupScheduled, receive(t, all).Type)
	assert.Equal(t, EventShipmentFinished, receive(t, all).Type)

	ev := receive(t, shipments)
	assert.Equal(t, EventShipmentFinished, ev.Type)
	assert.Equal(t, "db", ev.Shipment.Resource)
	assert.Empty(t, shipments)
}
