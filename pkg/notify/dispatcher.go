package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/log"
)

// Sender delivers one message to one recipient.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// ownerFacing lists the event types owners should hear about. Internal
// events (pool scaling, container reconciliation) stay internal.
var ownerFacing = map[events.EventType]bool{
	events.EventJobCompleted:      true,
	events.EventJobFailed:         true,
	events.EventTenantExpiring:    true,
	events.EventTenantExpired:     true,
	events.EventTenantSuspended:   true,
	events.EventTenantReactivated: true,
}

// Dispatcher subscribes to the event broker and forwards owner-facing
// events to Telegram. Delivery is best effort with one delayed retry;
// notifications never gate the operations that emitted them.
type Dispatcher struct {
	sender     Sender
	broker     *events.Broker
	retryDelay time.Duration
	logger     zerolog.Logger
	stopCh     chan struct{}
	doneCh     chan struct{}
}

func NewDispatcher(sender Sender, broker *events.Broker) *Dispatcher {
	return &Dispatcher{
		sender:     sender,
		broker:     broker,
		retryDelay: 5 * time.Second,
		logger:     log.WithComponent("notify"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start consumes events until Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	sub := d.broker.Subscribe()
	go d.run(ctx, sub)
}

func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Dispatcher) run(ctx context.Context, sub events.Subscriber) {
	defer close(d.doneCh)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			d.dispatch(ctx, ev)
		case <-d.stopCh:
			d.broker.Unsubscribe(sub)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *events.Event) {
	if !ownerFacing[ev.Type] || ev.OwnerContactID == 0 || ev.Message == "" {
		return
	}
	err := d.sender.SendMessage(ctx, ev.OwnerContactID, ev.Message)
	if err == nil {
		return
	}
	d.logger.Warn().Err(err).Str("type", string(ev.Type)).Int64("owner", ev.OwnerContactID).
		Msg("notification failed, retrying once")

	select {
	case <-time.After(d.retryDelay):
	case <-d.stopCh:
		return
	case <-ctx.Done():
		return
	}
	if err := d.sender.SendMessage(ctx, ev.OwnerContactID, ev.Message); err != nil {
		d.logger.Error().Err(err).Str("type", string(ev.Type)).Int64("owner", ev.OwnerContactID).
			Msg("notification dropped after retry")
	}
}
