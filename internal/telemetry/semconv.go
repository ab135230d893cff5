// Package telemetry provides OpenTelemetry initialization and engine instruments.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used by engine metrics.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrEventKind   = attribute.Key("event.kind")
	AttrMessageType = attribute.Key("message.type")
	AttrCallReason  = attribute.Key("call.reason")
	AttrOperation   = attribute.Key("operation")
	AttrResult      = attribute.Key("result")
)

// Result values for AttrResult.
const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
	ResultCanceled = "canceled"
)

// OperationResultAttributes returns the standard attribute set for an operation outcome.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
