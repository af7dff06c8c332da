package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventTenantCreated     EventType = "tenant.created"
	EventContainerStarted  EventType = "tenant.container_started"
	EventContainerStopped  EventType = "tenant.container_stopped"
	EventTenantSuspended   EventType = "tenant.suspended"
	EventTenantReactivated EventType = "tenant.reactivated"
	EventTenantExtended    EventType = "tenant.extended"
	EventTenantDeleted     EventType = "tenant.deleted"
	EventTenantExpired     EventType = "tenant.expired"
	EventTenantExpiring    EventType = "tenant.expiring_soon"
	EventJobCompleted      EventType = "job.completed"
	EventJobFailed         EventType = "job.failed"
	EventPoolScaled        EventType = "pool.scaled"
)

// Event is one control-plane lifecycle event. OwnerContactID routes
// owner-facing notifications; events without an owner are internal.
type Event struct {
	ID             string
	Type           EventType
	TenantID       string
	OwnerContactID int64
	Message        string
	Metadata       map[string]string
	Timestamp      time.Time
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
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

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}
