package telemetry

import (
	"context"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const DefaultSlowTraceThreshold = time.Second

var _ sdktrace.SpanExporter = (*slowTraceExporter)(nil)

type slowTraceExporter struct {
	next      sdktrace.SpanExporter
	threshold time.Duration
}

// NewSlowTraceExporter wraps next so that only traces whose root span (an HTTP
// request or a job run) took at least threshold are exported. Spans of a trace
// whose root is not part of the same batch are dropped. A nil next drops
// everything.
func NewSlowTraceExporter(next sdktrace.SpanExporter, threshold time.Duration) sdktrace.SpanExporter {
	if threshold <= 0 {
		threshold = DefaultSlowTraceThreshold
	}
	return &slowTraceExporter{next: next, threshold: threshold}
}

func (e *slowTraceExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.next == nil {
		return nil
	}

	slow := make(map[trace.TraceID]struct{})
	for _, span := range spans {
		if span.Parent().IsValid() {
			continue
		}
		if span.EndTime().Sub(span.StartTime()) >= e.threshold {
			slow[span.SpanContext().TraceID()] = struct{}{}
		}
	}

	keep := make([]sdktrace.ReadOnlySpan, 0, len(spans))
	for _, span := range spans {
		if _, ok := slow[span.SpanContext().TraceID()]; ok {
			keep = append(keep, span)
		}
	}
	if len(keep) == 0 {
		return nil
	}

	return e.next.ExportSpans(ctx, keep)
}

func (e *slowTraceExporter) Shutdown(ctx context.Context) error {
	if e.next == nil {
		return nil
	}
	return e.next.Shutdown(ctx)
}
