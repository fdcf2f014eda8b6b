package pipeline

import (
	"fmt"
)

// StepOutput is the text one step produced, tagged with the role that wrote it.
type StepOutput struct {
	Role string
	Text string
}

// ExecutionContext is the per-request state of one pipeline run. It is never
// shared between requests and its outputs only grow.
type ExecutionContext struct {
	RunID   string
	Request string
	outputs []StepOutput
}

// NewExecutionContext starts an empty context for request.
func NewExecutionContext(runID, request string) *ExecutionContext {
	return &ExecutionContext{RunID: runID, Request: request}
}

// Append records the output of step index. Steps must append in order and a
// step that already produced output cannot append again.
func (ec *ExecutionContext) Append(index int, role, text string) error {
	if index != len(ec.outputs) {
		return fmt.Errorf("out of order output: step %d appended with %d outputs recorded", index, len(ec.outputs))
	}
	ec.outputs = append(ec.outputs, StepOutput{Role: role, Text: text})
	return nil
}

// Output returns the text produced by step i.
func (ec *ExecutionContext) Output(i int) (string, bool) {
	if i < 0 || i >= len(ec.outputs) {
		return "", false
	}
	return ec.outputs[i].Text, true
}

// Outputs returns a copy of all outputs recorded so far.
func (ec *ExecutionContext) Outputs() []StepOutput {
	return append([]StepOutput(nil), ec.outputs...)
}

// Len returns how many steps have produced output.
func (ec *ExecutionContext) Len() int { return len(ec.outputs) }
