// Package journal appends every semantic order event to an audit store. The
// engine never reads the journal back.
package journal

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/ordertask/internal/event"
)

// Record is one journal row.
type Record struct {
	Session    string
	Seq        uint64
	OrderID    string
	Instrument string
	Kind       string
	Terminal   bool
	State      string
	Amount     decimal.Decimal
	Payload    []byte
	RecordedAt time.Time
}

// Store persists journal records. Appending a record twice must be harmless.
type Store interface {
	Append(ctx context.Context, records ...Record) error
}

// orderSnapshot is the payload layout.
type orderSnapshot struct {
	ID           string          `json:"id"`
	Instrument   string          `json:"instrument"`
	Label        string          `json:"label,omitempty"`
	Command      string          `json:"command"`
	State        string          `json:"state"`
	Requested    decimal.Decimal `json:"requestedAmount"`
	Amount       decimal.Decimal `json:"amount"`
	OpenPrice    decimal.Decimal `json:"openPrice"`
	StopLoss     decimal.Decimal `json:"stopLoss"`
	TakeProfit   decimal.Decimal `json:"takeProfit"`
	GoodTillTime *time.Time      `json:"goodTillTime,omitempty"`
}

// NewRecord snapshots evt for session.
func NewRecord(session string, evt event.Event, at time.Time) (Record, error) {
	rec := Record{
		Session:    session,
		Seq:        evt.Seq,
		Kind:       evt.Kind.String(),
		Terminal:   evt.Terminal,
		RecordedAt: at.UTC(),
	}
	o := evt.Order
	if o == nil {
		return rec, fmt.Errorf("journal %s: event without order", evt.Kind)
	}
	snap := orderSnapshot{
		ID:         o.ID(),
		Instrument: o.Instrument(),
		Label:      o.Label(),
		Command:    string(o.Command()),
		State:      string(o.State()),
		Requested:  o.RequestedAmount(),
		Amount:     o.Amount(),
		OpenPrice:  o.OpenPrice(),
		StopLoss:   o.StopLossPrice(),
		TakeProfit: o.TakeProfitPrice(),
	}
	if gtt := o.GoodTillTime(); !gtt.IsZero() {
		snap.GoodTillTime = &gtt
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return rec, fmt.Errorf("encode journal payload: %w", err)
	}
	rec.OrderID = snap.ID
	rec.Instrument = snap.Instrument
	rec.State = snap.State
	rec.Amount = snap.Amount
	rec.Payload = payload
	return rec, nil
}

// Snapshot decodes the order fields stored in the payload.
func (r Record) Snapshot() (map[string]any, error) {
	out := make(map[string]any)
	if err := json.Unmarshal(r.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode journal payload: %w", err)
	}
	return out, nil
}
