// Package venue defines the execution venue boundary the engine issues calls to.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/ordertask/internal/domain/schema"
)

// Venue accepts order calls. Each call returns once the venue accepted it;
// outcomes arrive later as notifications on the venue feed.
type Venue interface {
	// Submit creates an order with the caller chosen id.
	Submit(ctx context.Context, id string, params schema.OrderParams) (schema.Order, error)
	// Merge combines orders into a new order with the caller chosen id.
	Merge(ctx context.Context, id, label string, orders []schema.Order) (schema.Order, error)
	// Close closes amount of order; a zero amount closes it fully.
	Close(ctx context.Context, order schema.Order, amount decimal.Decimal) error
	SetStopLoss(ctx context.Context, order schema.Order, price decimal.Decimal) error
	SetTakeProfit(ctx context.Context, order schema.Order, price decimal.Decimal) error
	SetLabel(ctx context.Context, order schema.Order, label string) error
	SetRequestedAmount(ctx context.Context, order schema.Order, amount decimal.Decimal) error
	SetGoodTillTime(ctx context.Context, order schema.Order, gtt time.Time) error
	SetOpenPrice(ctx context.Context, order schema.Order, price decimal.Decimal) error
}

// Feed receives notifications from a venue, one at a time.
type Feed interface {
	OnNotification(n schema.Notification) error
}
