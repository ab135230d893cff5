package event

import (
	"fmt"

	"github.com/coachpo/ordertask/internal/domain/schema"
)

// CallContext records an in-flight command whose rejection, if ambiguous,
// should be attributed to Reason.
type CallContext struct {
	ID      string
	OrderID string
	Reason  CallReason
}

// UnclassifiableError reports a (type, reasons) pair outside the known mapping.
type UnclassifiableError struct {
	Type    schema.MessageType
	Reasons []schema.Reason
	OrderID string
}

func (e *UnclassifiableError) Error() string {
	return fmt.Sprintf("unclassifiable notification: type=%s reasons=%v order=%s", e.Type, e.Reasons, e.OrderID)
}

type reasonRule struct {
	msg    schema.MessageType
	reason schema.Reason
	kind   Kind
}

// reasonRules are evaluated in order; the first reason present wins.
var reasonRules = []reasonRule{
	{schema.MessageOrderFillOK, schema.ReasonFullyFilled, KindFullyFilled},
	{schema.MessageOrderCloseOK, schema.ReasonClosedByMerge, KindClosedByMerge},
	{schema.MessageOrderCloseOK, schema.ReasonClosedBySL, KindClosedBySL},
	{schema.MessageOrderCloseOK, schema.ReasonClosedByTP, KindClosedByTP},
	{schema.MessageOrderChangedOK, schema.ReasonChangedSL, KindChangedSL},
	{schema.MessageOrderChangedOK, schema.ReasonChangedTP, KindChangedTP},
	{schema.MessageOrderChangedOK, schema.ReasonChangedLabel, KindChangedLabel},
	{schema.MessageOrderChangedOK, schema.ReasonChangedAmount, KindChangedAmount},
	{schema.MessageOrderChangedOK, schema.ReasonChangedGTT, KindChangedGTT},
	{schema.MessageOrderChangedOK, schema.ReasonChangedPrice, KindChangedPrice},
}

var directKinds = map[schema.MessageType]Kind{
	schema.MessageNotification:        KindNotification,
	schema.MessageOrderSubmitRejected: KindSubmitRejected,
	schema.MessageOrderFillRejected:   KindFillRejected,
	schema.MessageOrderCloseRejected:  KindCloseRejected,
	schema.MessageOrdersMergeRejected: KindMergeRejected,
}

// Classify maps a raw notification to its semantic kind. call is the context
// consumed for this notification, or nil. Classify reads the live order
// snapshot and has no side effects.
func Classify(n schema.Notification, call *CallContext) (Kind, error) {
	if len(n.Reasons) > 0 {
		return classifyByReason(n)
	}
	switch n.Type {
	case schema.MessageOrderFillOK, schema.MessageOrderChangedOK:
		if n.Order == nil {
			return KindUnknown, unclassifiable(n)
		}
		if n.Order.Amount().LessThan(n.Order.RequestedAmount()) {
			return KindPartialFillOK, nil
		}
		return KindFullyFilled, nil
	case schema.MessageOrderSubmitOK:
		if n.Order != nil && n.Order.Command().IsConditional() {
			return KindSubmitConditionalOK, nil
		}
		return KindSubmitOK, nil
	case schema.MessageOrderCloseOK:
		if n.Order != nil && n.Order.State() != schema.OrderStateClosed {
			return KindPartialCloseOK, nil
		}
		return KindCloseOK, nil
	case schema.MessageOrdersMergeOK:
		if n.Order != nil && n.Order.State() == schema.OrderStateClosed {
			return KindMergeCloseOK, nil
		}
		return KindMergeOK, nil
	case schema.MessageOrderChangeRejected:
		if call != nil {
			return call.Reason.RejectKind(), nil
		}
		return KindChangedRejected, nil
	}
	if kind, ok := directKinds[n.Type]; ok {
		return kind, nil
	}
	return KindUnknown, unclassifiable(n)
}

func classifyByReason(n schema.Notification) (Kind, error) {
	for _, rule := range reasonRules {
		if rule.msg == n.Type && n.HasReason(rule.reason) {
			return rule.kind, nil
		}
	}
	return KindUnknown, unclassifiable(n)
}

func unclassifiable(n schema.Notification) error {
	reasons := append([]schema.Reason(nil), n.Reasons...)
	return &UnclassifiableError{Type: n.Type, Reasons: reasons, OrderID: n.OrderID()}
}
