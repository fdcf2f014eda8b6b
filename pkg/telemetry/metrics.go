// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/crew/pkg/errors"
)

// PipelineMetrics tracks pipeline runs, step attempts and gateway load.
// All methods are safe on a nil receiver.
type PipelineMetrics struct {
	runCounter     metric.Int64Counter
	attemptCounter metric.Int64Counter
	stepDuration   metric.Float64Histogram
	inflight       metric.Int64UpDownCounter
}

// NewPipelineMetrics creates the instruments on the given meter provider; a
// nil provider uses the global one.
func NewPipelineMetrics(provider metric.MeterProvider) (*PipelineMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("crew/pipeline")

	runCounter, err := meter.Int64Counter(
		"crew.pipeline.runs",
		metric.WithDescription("Pipeline executions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	attemptCounter, err := meter.Int64Counter(
		"crew.step.attempts",
		metric.WithDescription("Completion attempts by role and outcome"),
	)
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram(
		"crew.step.duration",
		metric.WithDescription("Duration of a completion attempt"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	inflight, err := meter.Int64UpDownCounter(
		"crew.gateway.inflight",
		metric.WithDescription("Pipeline executions currently running"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		runCounter:     runCounter,
		attemptCounter: attemptCounter,
		stepDuration:   stepDuration,
		inflight:       inflight,
	}, nil
}

// RecordRun counts a finished pipeline run. err is nil on success.
func (m *PipelineMetrics) RecordRun(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.runCounter.Add(ctx, 1, metric.WithAttributes(outcomeAttrs(err)...))
}

// RecordAttempt counts one completion attempt and its duration.
func (m *PipelineMetrics) RecordAttempt(ctx context.Context, role, model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := append([]attribute.KeyValue{
		attribute.String(AttrRole, role),
		attribute.String(AttrLLMModel, model),
	}, outcomeAttrs(err)...)
	m.attemptCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.stepDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

// InflightAdd adjusts the in-flight execution gauge.
func (m *PipelineMetrics) InflightAdd(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.inflight.Add(ctx, delta)
}

func outcomeAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return []attribute.KeyValue{attribute.String(AttrRunOutcome, OutcomeSuccess)}
	}
	code := errors.CodeOf(err)
	outcome := OutcomeFailure
	if code == errors.CodeContextLost {
		outcome = OutcomeCanceled
	}
	return []attribute.KeyValue{
		attribute.String(AttrRunOutcome, outcome),
		attribute.String(AttrErrorCode, string(code)),
	}
}
