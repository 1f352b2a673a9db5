package services

import (
	"context"
	"sync/atomic"

	"famfin/support-service/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Dispatcher fires a local notify hook for inbound messages the viewer did
// not write. History replay never fires, and neither does a second delivery
// of the same message id. Not safe for concurrent Handle calls; SetEnabled
// may be called from anywhere.
type Dispatcher struct {
	viewerID string
	notify   func(models.Message)
	enabled  atomic.Bool
	seen     map[primitive.ObjectID]struct{}
}

func NewDispatcher(viewerID string, notify func(models.Message)) *Dispatcher {
	d := &Dispatcher{
		viewerID: viewerID,
		notify:   notify,
		seen:     make(map[primitive.ObjectID]struct{}),
	}
	d.enabled.Store(true)
	return d
}

func (d *Dispatcher) SetEnabled(enabled bool) { d.enabled.Store(enabled) }

func (d *Dispatcher) Enabled() bool { return d.enabled.Load() }

// Handle reports whether the hook fired for del.
func (d *Dispatcher) Handle(del Delivery) bool {
	if _, dup := d.seen[del.Message.ID]; dup {
		return false
	}
	d.seen[del.Message.ID] = struct{}{}

	if del.Replay || del.Message.SenderID == d.viewerID || !d.enabled.Load() {
		return false
	}
	d.notify(del.Message)
	return true
}

// Run consumes deliveries until the channel closes or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, deliveries <-chan Delivery) {
	for {
		select {
		case del, ok := <-deliveries:
			if !ok {
				return
			}
			d.Handle(del)
		case <-ctx.Done():
			return
		}
	}
}
