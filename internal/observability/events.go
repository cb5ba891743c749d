package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// EventEnvelope wraps every operational event on the exchange.
type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// WSEnvelope wraps a websocket lifecycle event.
func WSEnvelope(event string, payload map[string]interface{}) EventEnvelope {
	return EventEnvelope{EventType: "ws_events", EventName: event, Payload: payload}
}

// BuildHeaders carries request and trace ids as AMQP headers. An empty traceID is
// taken from the span in ctx when there is one.
func BuildHeaders(ctx context.Context, requestID, traceID string) map[string]string {
	if traceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
	}
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
