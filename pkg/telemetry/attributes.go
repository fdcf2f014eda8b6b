// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry integration, structured logging
// and pipeline metrics for crew.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for crew telemetry.
// These follow OpenTelemetry naming conventions where applicable.
const (
	// Run attributes
	AttrRunID      = "crew.run_id"
	AttrRunSteps   = "crew.run.steps"
	AttrRunOutcome = "crew.run.outcome"

	// Step attributes
	AttrStepIndex   = "crew.step.index"
	AttrStepAttempt = "crew.step.attempt"
	AttrStepOutcome = "crew.step.outcome"
	AttrRole        = "crew.role"
	AttrDelegation  = "crew.role.can_delegate"

	// LLM attributes (standard gen_ai conventions)
	AttrLLMModel       = "gen_ai.request.model"
	AttrLLMSystem      = "gen_ai.system"
	AttrLLMPromptChars = "gen_ai.request.prompt_chars"
	AttrLLMOutputChars = "gen_ai.response.output_chars"
	AttrLLMErrorKind   = "gen_ai.error.kind"

	// Error attributes
	AttrErrorCode = "error.code"
)

// Outcome values used by the run/step attributes and metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeRetry    = "retry"
	OutcomeFailure  = "failure"
	OutcomeCanceled = "canceled"
)

// RunAttributes returns attributes for a pipeline run span.
func RunAttributes(runID string, steps int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.Int(AttrRunSteps, steps),
	}
}

// StepAttributes returns attributes for a pipeline step span.
func StepAttributes(runID string, index int, role, model string, canDelegate bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.Int(AttrStepIndex, index),
		attribute.String(AttrRole, role),
		attribute.Bool(AttrDelegation, canDelegate),
		attribute.String(AttrLLMSystem, "ollama"),
	}
	if model != "" {
		attrs = append(attrs, attribute.String(AttrLLMModel, model))
	}
	return attrs
}

// AttemptAttributes describes one completion attempt.
func AttemptAttributes(attempt, promptChars, outputChars int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(AttrStepAttempt, attempt),
		attribute.Int(AttrLLMPromptChars, promptChars),
	}
	if outputChars > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMOutputChars, outputChars))
	}
	return attrs
}
