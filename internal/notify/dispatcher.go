package notify

import (
	"context"
	"fmt"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/outbox"
	"meeting-jobcore/internal/retry"
)

// Dispatcher routes outbox messages to a deliverer by destination scheme.
type Dispatcher struct {
	routes map[string]outbox.Deliverer
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: make(map[string]outbox.Deliverer)}
}

// Handle binds a deliverer to a scheme such as "chat".
func (d *Dispatcher) Handle(scheme string, deliverer outbox.Deliverer) *Dispatcher {
	if scheme != "" && deliverer != nil {
		d.routes[scheme] = deliverer
	}
	return d
}

// Deliver implements outbox.Deliverer. Unknown schemes are permanent failures.
func (d *Dispatcher) Deliver(ctx context.Context, msg models.OutboxMessage) error {
	scheme, _, err := splitDestination(msg.DestinationReference)
	if err != nil {
		return err
	}
	deliverer, ok := d.routes[scheme]
	if !ok {
		return retry.MarkPermanent(fmt.Errorf("no deliverer for scheme %q", scheme))
	}
	return deliverer.Deliver(ctx, msg)
}
