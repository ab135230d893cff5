// Package eventbus fans semantic order events out to in-process subscribers.
package eventbus

import (
	"context"

	"github.com/coachpo/ordertask/internal/event"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID uint64

// Bus delivers semantic events to every live subscriber.
type Bus interface {
	Publish(ctx context.Context, evt event.Event) error
	Subscribe() (*Subscription, error)
	Close()
}

// Filter selects events for a subscription.
type Filter func(event.Event) bool

// ForOrders matches events whose order id is in ids.
func ForOrders(ids ...string) Filter {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(evt event.Event) bool {
		_, ok := set[evt.OrderID()]
		return ok
	}
}
