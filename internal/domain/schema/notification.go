package schema

import "strings"

// MessageType is the raw type code carried by a venue notification.
type MessageType string

const (
	MessageNotification        MessageType = "NOTIFICATION"
	MessageOrderSubmitOK       MessageType = "ORDER_SUBMIT_OK"
	MessageOrderSubmitRejected MessageType = "ORDER_SUBMIT_REJECTED"
	MessageOrderFillOK         MessageType = "ORDER_FILL_OK"
	MessageOrderFillRejected   MessageType = "ORDER_FILL_REJECTED"
	MessageOrderChangedOK      MessageType = "ORDER_CHANGED_OK"
	MessageOrderChangeRejected MessageType = "ORDER_CHANGED_REJECTED"
	MessageOrderCloseOK        MessageType = "ORDER_CLOSE_OK"
	MessageOrderCloseRejected  MessageType = "ORDER_CLOSE_REJECTED"
	MessageOrdersMergeOK       MessageType = "ORDERS_MERGE_OK"
	MessageOrdersMergeRejected MessageType = "ORDERS_MERGE_REJECTED"
)

// Reason is a refinement code attached to a notification.
type Reason string

const (
	ReasonFullyFilled   Reason = "ORDER_FULLY_FILLED"
	ReasonClosedByMerge Reason = "ORDER_CLOSED_BY_MERGE"
	ReasonClosedBySL    Reason = "ORDER_CLOSED_BY_SL"
	ReasonClosedByTP    Reason = "ORDER_CLOSED_BY_TP"
	ReasonChangedSL     Reason = "ORDER_CHANGED_SL"
	ReasonChangedTP     Reason = "ORDER_CHANGED_TP"
	ReasonChangedLabel  Reason = "ORDER_CHANGED_LABEL"
	ReasonChangedAmount Reason = "ORDER_CHANGED_AMOUNT"
	ReasonChangedGTT    Reason = "ORDER_CHANGED_GTT"
	ReasonChangedPrice  Reason = "ORDER_CHANGED_PRICE"
)

// Notification is one raw message from the venue feed. Order is the live
// snapshot and may change after delivery.
type Notification struct {
	Order   Order
	Type    MessageType
	Reasons []Reason
}

// HasReason reports whether r is among the notification reasons.
func (n Notification) HasReason(r Reason) bool {
	for _, candidate := range n.Reasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// OrderID returns the id of the attached order or an empty string.
func (n Notification) OrderID() string {
	if n.Order == nil {
		return ""
	}
	return n.Order.ID()
}

// ReasonList renders the reasons as a comma separated string for logs.
func (n Notification) ReasonList() string {
	parts := make([]string, 0, len(n.Reasons))
	for _, r := range n.Reasons {
		parts = append(parts, string(r))
	}
	return strings.Join(parts, ",")
}
