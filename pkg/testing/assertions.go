// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"fmt"
	"strings"
	"testing"

	"github.com/jllopis/crew/pkg/llm"
)

// Assertions provides assertion helpers for testing.
type Assertions struct {
	t      *testing.T
	failed bool
}

// NewAssertions creates a new assertions helper.
func NewAssertions(t *testing.T) *Assertions {
	return &Assertions{t: t}
}

// Failed returns true if any assertion has failed.
func (a *Assertions) Failed() bool {
	return a.failed
}

// RequestAssertions provides assertion helpers for completion requests.
type RequestAssertions struct {
	*Assertions
	req *llm.GenerateRequest
}

// AssertRequest creates request assertions for the given request.
func (a *Assertions) AssertRequest(req *llm.GenerateRequest) *RequestAssertions {
	a.t.Helper()
	if req == nil {
		a.t.Error("request is nil")
		a.failed = true
		return &RequestAssertions{Assertions: a, req: &llm.GenerateRequest{}}
	}
	return &RequestAssertions{Assertions: a, req: req}
}

// HasModel asserts the request uses the given model.
func (r *RequestAssertions) HasModel(model string) *RequestAssertions {
	r.t.Helper()
	if r.req.Model != model {
		r.t.Errorf("expected model %q, got %q", model, r.req.Model)
		r.failed = true
	}
	return r
}

// PromptContains asserts the prompt contains substr.
func (r *RequestAssertions) PromptContains(substr string) *RequestAssertions {
	r.t.Helper()
	if !strings.Contains(r.req.Prompt, substr) {
		r.t.Errorf("prompt does not contain %q", substr)
		r.failed = true
	}
	return r
}

// PromptNotContains asserts the prompt does not contain substr.
func (r *RequestAssertions) PromptNotContains(substr string) *RequestAssertions {
	r.t.Helper()
	if strings.Contains(r.req.Prompt, substr) {
		r.t.Errorf("prompt should not contain %q", substr)
		r.failed = true
	}
	return r
}

// PromptInOrder asserts that every part appears in the prompt, in order.
func (r *RequestAssertions) PromptInOrder(parts ...string) *RequestAssertions {
	r.t.Helper()
	rest := r.req.Prompt
	for _, part := range parts {
		i := strings.Index(rest, part)
		if i < 0 {
			r.t.Errorf("prompt is missing %q or has it out of order", part)
			r.failed = true
			return r
		}
		rest = rest[i+len(part):]
	}
	return r
}

// ScenarioResultAssertions provides assertion helpers for scenario results.
type ScenarioResultAssertions struct {
	*Assertions
	result *ScenarioResult
}

// AssertScenarioResult creates assertions for a scenario result.
func (a *Assertions) AssertScenarioResult(result *ScenarioResult) *ScenarioResultAssertions {
	a.t.Helper()
	if result == nil {
		a.t.Error("scenario result is nil")
		a.failed = true
		return &ScenarioResultAssertions{Assertions: a, result: &ScenarioResult{}}
	}
	return &ScenarioResultAssertions{Assertions: a, result: result}
}

// Succeeded asserts the scenario completed without error.
func (s *ScenarioResultAssertions) Succeeded() *ScenarioResultAssertions {
	s.t.Helper()
	if s.result.Error != nil {
		s.t.Errorf("expected success, got error: %v", s.result.Error)
		s.failed = true
	}
	return s
}

// StepCount asserts how many steps completed.
func (s *ScenarioResultAssertions) StepCount(n int) *ScenarioResultAssertions {
	s.t.Helper()
	if len(s.result.Steps) != n {
		s.t.Errorf("expected %d completed steps, got %d", n, len(s.result.Steps))
		s.failed = true
	}
	return s
}

// RequireNoError fails the test immediately if err is not nil.
func RequireNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// RequireEqual fails the test immediately if values are not equal.
func RequireEqual(t *testing.T, expected, actual any, msg string) {
	t.Helper()
	if expected != actual {
		t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// FormatRequests summarizes requests for failure messages.
func FormatRequests(reqs []llm.GenerateRequest) string {
	if len(reqs) == 0 {
		return "(none)"
	}
	models := make([]string, len(reqs))
	for i, req := range reqs {
		models[i] = req.Model
	}
	return fmt.Sprintf("[%s]", strings.Join(models, ", "))
}
