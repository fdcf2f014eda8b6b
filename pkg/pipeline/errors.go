package pipeline

import (
	stderrors "errors"
	"fmt"

	"github.com/jllopis/crew/pkg/core"
	"github.com/jllopis/crew/pkg/errors"
)

// TemplateError reports that a step prompt could not be built. It is never
// retried: it means the pipeline was assembled wrongly.
type TemplateError struct {
	StepIndex int
	// Dependency is the index of the missing prior output, or -1 when the
	// template failed for another reason.
	Dependency int
	Err        error
}

func (e *TemplateError) Error() string {
	if e.Dependency >= 0 {
		return fmt.Sprintf("step %d: prompt references output of step %d which is not available", e.StepIndex, e.Dependency)
	}
	return fmt.Sprintf("step %d: render prompt: %v", e.StepIndex, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Code implements errors.Coder.
func (e *TemplateError) Code() errors.ErrorCode {
	if e.Dependency >= 0 {
		return errors.CodeMissingDependency
	}
	return errors.CodeInternal
}

// PipelineError reports the first step that failed; no partial result exists.
// StepIndex is 0-based.
type PipelineError struct {
	StepIndex int
	StepCount int
	Role      string
	Attempts  int
	Cause     error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("step %d/%d (%s) failed after %d attempt(s): %v",
		e.StepIndex+1, e.StepCount, e.Role, e.Attempts, e.Cause)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// Code implements errors.Coder.
func (e *PipelineError) Code() errors.ErrorCode {
	if errors.CodeOf(e.Cause) == errors.CodeContextLost {
		return errors.CodeContextLost
	}
	return errors.CodeStepFailed
}

// Kind names the failure category without any host detail: one of the
// completion kinds, "template", "canceled" or "internal".
func (e *PipelineError) Kind() string {
	var ce *core.CompletionError
	if stderrors.As(e.Cause, &ce) {
		return string(ce.Kind)
	}
	var te *TemplateError
	if stderrors.As(e.Cause, &te) {
		return "template"
	}
	if errors.CodeOf(e.Cause) == errors.CodeContextLost {
		return "canceled"
	}
	return "internal"
}

// CauseCode is the code of the underlying failure (TIMEOUT, UNREACHABLE, ...).
func (e *PipelineError) CauseCode() errors.ErrorCode {
	return errors.CodeOf(e.Cause)
}

// UserMessage is the caller-facing description of the failure.
func (e *PipelineError) UserMessage() string {
	return fmt.Sprintf("step %d/%d (%s) failed: %s", e.StepIndex+1, e.StepCount, e.Role, e.Kind())
}
