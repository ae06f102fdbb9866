package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phasegate/phasegate/internal/eventbus"
	"github.com/phasegate/phasegate/internal/workflow"
)

// Dispatcher turns gate-awaiting events into web push notifications so the
// operator learns the workflow is blocked without watching the dashboard.
type Dispatcher struct {
	bus    *eventbus.Bus
	sender *Sender
	logger *slog.Logger
}

func NewDispatcher(bus *eventbus.Bus, sender *Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		bus:    bus,
		sender: sender,
		logger: logger,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	subID, ch := d.bus.Subscribe(256)
	defer d.bus.Unsubscribe(subID)

	d.logger.InfoContext(ctx, "push notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "push notification dispatcher stopped")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Type == eventbus.EventGateAwaiting {
				d.handleGateAwaiting(ctx, event)
			}
		}
	}
}

func (d *Dispatcher) handleGateAwaiting(ctx context.Context, event *eventbus.Event) {
	kind := workflow.GateKind(event.Resource)
	title := "Criteria Gate"
	if kind == workflow.GateCompletion {
		title = "Completion Gate"
	}
	body := fmt.Sprintf("Workflow is waiting for a %s decision (%s mode)", kind, event.Mode)
	d.sender.SendToAll(ctx, &Payload{
		Title: title,
		Body:  body,
		Tag:   event.ID,
	})
}
