package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "buildscope"

// Tracer wraps OpenTelemetry tracing for packet processing and filter runs.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// NewNoopTracer returns a Tracer whose spans are never recorded.
func NewNoopTracer() *Tracer {
	return &Tracer{
		tracer: noop.NewTracerProvider().Tracer(tracerName),
	}
}

// TracerFor returns NewTracer when tracing is enabled, a no-op tracer otherwise.
func TracerFor(enabled bool) *Tracer {
	if enabled {
		return NewTracer()
	}
	return NewNoopTracer()
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("buildscope.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// Attribute keys for packet and build spans.
var (
	AttrConnID    = attribute.Key("buildscope.conn.id")
	AttrConnSeq   = attribute.Key("buildscope.conn.seq")
	AttrBytes     = attribute.Key("buildscope.packet.bytes")
	AttrQueueWait = attribute.Key("buildscope.packet.queue_wait_seconds")
	AttrCommand   = attribute.Key("buildscope.command")
	AttrAction    = attribute.Key("buildscope.action")
	AttrArtifact  = attribute.Key("buildscope.artifact")
	AttrExitCode  = attribute.Key("buildscope.exit_code")
	AttrDumpPath  = attribute.Key("buildscope.dump.path")
	AttrMakeArgs  = attribute.Key("buildscope.make.args")
	AttrJobs      = attribute.Key("buildscope.make.parallelism")
)
