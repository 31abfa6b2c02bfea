// Package observability provides tracing for the load pipeline.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ajitpratap0/nebula-loader"

var (
	tracerMu sync.RWMutex
	// tracer is nil until Initialize runs; the global otel tracer is used instead
	tracer trace.Tracer
)

// GetTracer returns the tracer spans are started on.
func GetTracer() trace.Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return tracer
}

func setTracer(t trace.Tracer) {
	tracerMu.Lock()
	tracer = t
	tracerMu.Unlock()
}

// Span wraps a trace span and batches its attributes until End.
type Span struct {
	span       trace.Span
	startTime  time.Time
	attributes []attribute.KeyValue
}

// StartSpan starts a span named after a pipeline step and operation, e.g.
// "part_loader.upload_part".
func StartSpan(ctx context.Context, step, operation string) (context.Context, *Span) {
	ctx, span := GetTracer().Start(ctx, fmt.Sprintf("%s.%s", step, operation))
	s := &Span{span: span, startTime: time.Now()}
	s.SetAttribute("pipeline.step", step)
	return ctx, s
}

// SetAttribute adds an attribute to the span.
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// Finish records err, if any, and ends the span. It returns err unchanged so
// it can close a function body: return span.Finish(err).
func (s *Span) Finish(err error) error {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.attributes = append(s.attributes, attribute.Int64("duration_ms", time.Since(s.startTime).Milliseconds()))
	s.span.SetAttributes(s.attributes...)
	s.span.End()
	return err
}

// Trace runs fn inside a span.
func Trace(ctx context.Context, step, operation string, fn func(ctx context.Context) error) error {
	ctx, span := StartSpan(ctx, step, operation)
	return span.Finish(fn(ctx))
}
