package bililive

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Zereker/bililive"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
