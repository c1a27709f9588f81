package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/st-keller/pavlovia-client"

// Common span attribute keys.
var (
	AttrExperiment  = attribute.Key("pavlovia.experiment.fullpath")
	AttrParticipant = attribute.Key("pavlovia.participant.id")
	AttrOperation   = attribute.Key("pavlovia.operation")
	AttrStatusCode  = attribute.Key("http.status_code")
	AttrRequestID   = attribute.Key("pavlovia.request.id")
)

// Tracer returns the client's tracer from tp, or from the global provider when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		return otel.Tracer(tracerName)
	}
	return tp.Tracer(tracerName)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
