package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("app-studio-builds")

// BuildMetrics records streaming session and workflow activity.
// A nil *BuildMetrics is valid and records nothing.
type BuildMetrics struct {
	sessionsStartedCounter metric.Int64Counter
	sessionsEndedCounter   metric.Int64Counter
	sessionDuration        metric.Float64Histogram
	sessionsActiveGauge    metric.Int64UpDownCounter
	framesCounter          metric.Int64Counter
	duplicatesCounter      metric.Int64Counter
	workflowStepsCounter   metric.Int64Counter
}

// NewBuildMetrics creates the build metric instruments
func NewBuildMetrics() (*BuildMetrics, error) {
	sessionsStartedCounter, err := meter.Int64Counter(
		"app_studio.sessions.started",
		metric.WithDescription("Total number of streaming build sessions started"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	sessionsEndedCounter, err := meter.Int64Counter(
		"app_studio.sessions.ended",
		metric.WithDescription("Total number of streaming build sessions that reached a terminal status"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	sessionDuration, err := meter.Float64Histogram(
		"app_studio.session.duration",
		metric.WithDescription("Duration of streaming build sessions in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	sessionsActiveGauge, err := meter.Int64UpDownCounter(
		"app_studio.sessions.active",
		metric.WithDescription("Number of currently active streaming sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	framesCounter, err := meter.Int64Counter(
		"app_studio.frames.applied",
		metric.WithDescription("Stream frames applied to session state"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, err
	}

	duplicatesCounter, err := meter.Int64Counter(
		"app_studio.triggers.suppressed",
		metric.WithDescription("Duplicate triggers declined by the session guard or registry"),
		metric.WithUnit("{trigger}"),
	)
	if err != nil {
		return nil, err
	}

	workflowStepsCounter, err := meter.Int64Counter(
		"app_studio.workflow.steps",
		metric.WithDescription("Workflow step transitions by outcome"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	return &BuildMetrics{
		sessionsStartedCounter: sessionsStartedCounter,
		sessionsEndedCounter:   sessionsEndedCounter,
		sessionDuration:        sessionDuration,
		sessionsActiveGauge:    sessionsActiveGauge,
		framesCounter:          framesCounter,
		duplicatesCounter:      duplicatesCounter,
		workflowStepsCounter:   workflowStepsCounter,
	}, nil
}

// RecordSessionStarted records a new streaming session for mode
func (bm *BuildMetrics) RecordSessionStarted(ctx context.Context, mode string) {
	if bm == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("session.mode", mode))
	bm.sessionsStartedCounter.Add(ctx, 1, attrs)
	bm.sessionsActiveGauge.Add(ctx, 1, attrs)
}

// RecordSessionEnded records a session reaching status after duration
func (bm *BuildMetrics) RecordSessionEnded(ctx context.Context, mode, status string, duration time.Duration) {
	if bm == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("session.mode", mode),
		attribute.String("status", status),
	)
	bm.sessionsEndedCounter.Add(ctx, 1, attrs)
	bm.sessionDuration.Record(ctx, duration.Seconds(), attrs)
	bm.sessionsActiveGauge.Add(ctx, -1,
		metric.WithAttributes(attribute.String("session.mode", mode)),
	)
}

// RecordFrame records one applied frame of kind
func (bm *BuildMetrics) RecordFrame(ctx context.Context, kind string) {
	if bm == nil {
		return
	}
	bm.framesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("frame.kind", kind)))
}

// RecordSuppressed records a declined duplicate trigger for concern
func (bm *BuildMetrics) RecordSuppressed(ctx context.Context, concern string) {
	if bm == nil {
		return
	}
	bm.duplicatesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("concern", concern)))
}

// RecordWorkflowStep records a step reaching status
func (bm *BuildMetrics) RecordWorkflowStep(ctx context.Context, step, status string) {
	if bm == nil {
		return
	}
	bm.workflowStepsCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("workflow.step", step),
			attribute.String("status", status),
		),
	)
}
