package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/verticle/pkg/core"
)

// Span attribute keys.
const (
	AttrDeploymentID = attribute.Key("fluxor.deployment.id")
	AttrVerticle     = attribute.Key("fluxor.verticle")
	AttrPhase        = attribute.Key("fluxor.lifecycle.phase")
	AttrState        = attribute.Key("fluxor.deployment.state")
)

// LifecycleTracer records one span per start and stop phase. It is a
// core.DeploymentListener: the span opens on the transition into Starting
// or Stopping and ends when the phase settles.
type LifecycleTracer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewLifecycleTracer creates a listener using tracer; nil means Tracer().
func NewLifecycleTracer(tracer trace.Tracer) *LifecycleTracer {
	if tracer == nil {
		tracer = Tracer()
	}
	return &LifecycleTracer{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
	}
}

// OnDeploymentEvent implements core.DeploymentListener.
func (lt *LifecycleTracer) OnDeploymentEvent(ev core.DeploymentEvent) {
	switch ev.To {
	case core.DeploymentStateStarting:
		lt.begin(ev, core.PhaseStart)
	case core.DeploymentStateStopping:
		lt.begin(ev, core.PhaseStop)
	default:
		lt.end(ev)
	}
}

func (lt *LifecycleTracer) begin(ev core.DeploymentEvent, phase core.Phase) {
	_, span := lt.tracer.Start(context.Background(), "verticle."+string(phase),
		trace.WithTimestamp(ev.Timestamp),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrDeploymentID.String(ev.DeploymentID),
			AttrVerticle.String(ev.Verticle),
			AttrPhase.String(string(phase)),
		),
	)

	lt.mu.Lock()
	defer lt.mu.Unlock()
	if previous, ok := lt.spans[ev.DeploymentID]; ok {
		previous.End()
	}
	lt.spans[ev.DeploymentID] = span
}

func (lt *LifecycleTracer) end(ev core.DeploymentEvent) {
	lt.mu.Lock()
	span, ok := lt.spans[ev.DeploymentID]
	delete(lt.spans, ev.DeploymentID)
	lt.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(AttrState.String(ev.To.String()))
	if ev.Cause != nil {
		span.RecordError(ev.Cause)
		span.SetStatus(codes.Error, ev.Cause.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(ev.Timestamp))
}
