// Package event classifies raw venue notifications into semantic order events
// and correlates ambiguous rejections with the calls that caused them.
package event

import (
	"fmt"

	"github.com/coachpo/ordertask/internal/domain/schema"
)

// Kind is the disambiguated semantic classification of a notification.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotification
	KindSubmitOK
	KindSubmitConditionalOK
	KindSubmitRejected
	KindPartialFillOK
	KindFullyFilled
	KindFillRejected
	KindChangedSL
	KindChangedTP
	KindChangedLabel
	KindChangedAmount
	KindChangedGTT
	KindChangedPrice
	KindChangedRejected
	KindChangeSLRejected
	KindChangeTPRejected
	KindChangeLabelRejected
	KindChangeAmountRejected
	KindChangeGTTRejected
	KindChangePriceRejected
	KindCloseOK
	KindPartialCloseOK
	KindCloseRejected
	KindClosedByMerge
	KindClosedBySL
	KindClosedByTP
	KindMergeOK
	KindMergeCloseOK
	KindMergeRejected
)

var kindNames = [...]string{
	KindUnknown:              "UNKNOWN",
	KindNotification:         "NOTIFICATION",
	KindSubmitOK:             "SUBMIT_OK",
	KindSubmitConditionalOK:  "SUBMIT_CONDITIONAL_OK",
	KindSubmitRejected:       "SUBMIT_REJECTED",
	KindPartialFillOK:        "PARTIAL_FILL_OK",
	KindFullyFilled:          "FULLY_FILLED",
	KindFillRejected:         "FILL_REJECTED",
	KindChangedSL:            "CHANGED_SL",
	KindChangedTP:            "CHANGED_TP",
	KindChangedLabel:         "CHANGED_LABEL",
	KindChangedAmount:        "CHANGED_AMOUNT",
	KindChangedGTT:           "CHANGED_GTT",
	KindChangedPrice:         "CHANGED_PRICE",
	KindChangedRejected:      "CHANGED_REJECTED",
	KindChangeSLRejected:     "CHANGE_SL_REJECTED",
	KindChangeTPRejected:     "CHANGE_TP_REJECTED",
	KindChangeLabelRejected:  "CHANGE_LABEL_REJECTED",
	KindChangeAmountRejected: "CHANGE_AMOUNT_REJECTED",
	KindChangeGTTRejected:    "CHANGE_GTT_REJECTED",
	KindChangePriceRejected:  "CHANGE_PRICE_REJECTED",
	KindCloseOK:              "CLOSE_OK",
	KindPartialCloseOK:       "PARTIAL_CLOSE_OK",
	KindCloseRejected:        "CLOSE_REJECTED",
	KindClosedByMerge:        "CLOSED_BY_MERGE",
	KindClosedBySL:           "CLOSED_BY_SL",
	KindClosedByTP:           "CLOSED_BY_TP",
	KindMergeOK:              "MERGE_OK",
	KindMergeCloseOK:         "MERGE_CLOSE_OK",
	KindMergeRejected:        "MERGE_REJECTED",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsReject reports whether the kind signals a venue rejection.
func (k Kind) IsReject() bool {
	switch k {
	case KindSubmitRejected, KindFillRejected, KindChangedRejected,
		KindChangeSLRejected, KindChangeTPRejected, KindChangeLabelRejected,
		KindChangeAmountRejected, KindChangeGTTRejected, KindChangePriceRejected,
		KindCloseRejected, KindMergeRejected:
		return true
	default:
		return false
	}
}

// EndsOrder reports whether the order's lifecycle is over after this kind.
func (k Kind) EndsOrder() bool {
	switch k {
	case KindSubmitRejected, KindFillRejected, KindCloseOK, KindMergeCloseOK,
		KindClosedByMerge, KindClosedBySL, KindClosedByTP:
		return true
	default:
		return false
	}
}

// CallReason names the command whose rejection a call context stands for.
type CallReason uint8

const (
	CallSubmit CallReason = iota + 1
	CallMerge
	CallClose
	CallChangeSL
	CallChangeTP
	CallChangeLabel
	CallChangeAmount
	CallChangeGTT
	CallChangePrice
)

func (r CallReason) String() string {
	switch r {
	case CallSubmit:
		return "SUBMIT"
	case CallMerge:
		return "MERGE"
	case CallClose:
		return "CLOSE"
	case CallChangeSL:
		return "CHANGE_SL"
	case CallChangeTP:
		return "CHANGE_TP"
	case CallChangeLabel:
		return "CHANGE_LABEL"
	case CallChangeAmount:
		return "CHANGE_AMOUNT"
	case CallChangeGTT:
		return "CHANGE_GTT"
	case CallChangePrice:
		return "CHANGE_PRICE"
	default:
		return fmt.Sprintf("CallReason(%d)", uint8(r))
	}
}

// RejectKind returns the refined rejection kind for the reason.
func (r CallReason) RejectKind() Kind {
	switch r {
	case CallSubmit:
		return KindSubmitRejected
	case CallMerge:
		return KindMergeRejected
	case CallClose:
		return KindCloseRejected
	case CallChangeSL:
		return KindChangeSLRejected
	case CallChangeTP:
		return KindChangeTPRejected
	case CallChangeLabel:
		return KindChangeLabelRejected
	case CallChangeAmount:
		return KindChangeAmountRejected
	case CallChangeGTT:
		return KindChangeGTTRejected
	case CallChangePrice:
		return KindChangePriceRejected
	default:
		return KindChangedRejected
	}
}

// A change rejection that arrives after the order's contexts were consumed
// by other notifications is only known as CHANGED_REJECTED, so it finishes
// every change reason.
var finishKinds = map[CallReason][]Kind{
	CallSubmit:       {KindSubmitRejected, KindFullyFilled, KindFillRejected, KindSubmitConditionalOK},
	CallMerge:        {KindMergeOK, KindMergeCloseOK, KindMergeRejected},
	CallClose:        {KindCloseOK, KindPartialCloseOK, KindCloseRejected},
	CallChangeSL:     {KindChangedSL, KindChangeSLRejected, KindChangedRejected},
	CallChangeTP:     {KindChangedTP, KindChangeTPRejected, KindChangedRejected},
	CallChangeLabel:  {KindChangedLabel, KindChangeLabelRejected, KindChangedRejected},
	CallChangeAmount: {KindChangedAmount, KindChangeAmountRejected, KindChangedRejected},
	CallChangeGTT:    {KindChangedGTT, KindChangeGTTRejected, KindChangedRejected},
	CallChangePrice:  {KindChangedPrice, KindChangePriceRejected, KindChangedRejected},
}

// FinishKinds returns the kinds that complete a command issued for reason.
// The returned slice must not be modified.
func FinishKinds(reason CallReason) []Kind {
	return finishKinds[reason]
}

// Finishes reports whether kind completes a command issued for reason.
func Finishes(reason CallReason, kind Kind) bool {
	for _, k := range finishKinds[reason] {
		if k == kind {
			return true
		}
	}
	return false
}

// Event is one semantic order event. Values are immutable once published.
type Event struct {
	Order    schema.Order
	Kind     Kind
	Terminal bool
	// Seq is the gateway delivery sequence, starting at 1.
	Seq uint64
}

// NewEvent builds an event with Terminal derived from kind.
func NewEvent(order schema.Order, kind Kind) Event {
	return Event{Order: order, Kind: kind, Terminal: kind.EndsOrder()}
}

// OrderID returns the id of the event order or an empty string.
func (e Event) OrderID() string {
	if e.Order == nil {
		return ""
	}
	return e.Order.ID()
}

func (e Event) String() string {
	return fmt.Sprintf("%s(order=%s)", e.Kind, e.OrderID())
}
