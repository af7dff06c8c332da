package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(&Event{Type: EventTenantCreated, TenantID: "t1"})

	for _, sub := range []Subscriber{s1, s2} {
		select {
		case e := <-sub:
			assert.Equal(t, EventTenantCreated, e.Type)
			assert.NotEmpty(t, e.ID)
			assert.False(t, e.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub
	require.False(t, open)
}

func TestBrokerFullSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	// Overflow the per-subscriber buffer; publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(&Event{Type: EventPoolScaled})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	_ = sub
}
