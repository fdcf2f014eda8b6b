// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"log/slog"

	"github.com/jllopis/crew/pkg/core"
)

// LogEmitter writes pipeline events to a slog logger. Failures are logged at
// warn (retries) or error level, everything else at debug/info.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates an emitter; a nil logger uses slog.Default().
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit implements core.EventEmitter.
func (e *LogEmitter) Emit(ctx context.Context, event core.Event) {
	attrs := []slog.Attr{
		slog.String("event", string(event.Type)),
		slog.String("run_id", event.RunID),
	}
	if event.StepIndex >= 0 {
		attrs = append(attrs, slog.Int("step", event.StepIndex), slog.String("role", event.Role))
	}
	for k, v := range event.Payload {
		attrs = append(attrs, slog.Any(k, v))
	}

	level := slog.LevelDebug
	switch event.Type {
	case core.EventRunStarted, core.EventRunCompleted:
		level = slog.LevelInfo
	case core.EventStepRetry:
		level = slog.LevelWarn
	case core.EventStepFailed, core.EventRunFailed:
		level = slog.LevelError
	}
	e.logger.LogAttrs(ctx, level, "pipeline event", attrs...)
}

var _ core.EventEmitter = (*LogEmitter)(nil)
