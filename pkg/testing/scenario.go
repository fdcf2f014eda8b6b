// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package testing provides utilities for testing crew pipelines.
//
// This package includes:
//   - Scenario definitions for declarative pipeline testing
//   - A scripted provider that captures every completion request
//   - Assertion helpers for common validations
//   - An event collector for verifying run and step events
//
// Example usage:
//
//	scenario := testing.NewScenario("haiku").
//	    WithInput("Write a haiku").
//	    ExpectNoError().
//	    ExpectOutput(testing.Equals("A4"))
//
//	result := scenario.Run(t, pipeline)
//	result.Assert(t, scenario)
package testing

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/crew/pkg/core"
	"github.com/jllopis/crew/pkg/pipeline"
)

// Scenario defines a test scenario for one pipeline request.
type Scenario struct {
	name         string
	input        string
	context      context.Context
	timeout      time.Duration
	execConfig   pipeline.ExecConfig
	collector    *EventCollector
	expectations []Expectation
}

// Expectation defines a condition to verify after running a scenario.
type Expectation interface {
	// Check verifies the expectation against the result.
	Check(result *ScenarioResult) error
	// Description returns a human-readable description of the expectation.
	Description() string
}

// ScenarioResult contains the outcome of running a scenario.
type ScenarioResult struct {
	Output   string
	RunID    string
	Error    error
	Events   []core.Event
	Steps    []pipeline.StepResult
	Duration time.Duration
}

// PipelineRunner is what a scenario runs against; *pipeline.Pipeline satisfies it.
type PipelineRunner interface {
	Execute(ctx context.Context, request string, cfg pipeline.ExecConfig) (*pipeline.Result, error)
}

// NewScenario creates a new test scenario with the given name.
func NewScenario(name string) *Scenario {
	return &Scenario{
		name:    name,
		timeout: 30 * time.Second,
		context: context.Background(),
	}
}

// WithInput sets the user request for the scenario.
func (s *Scenario) WithInput(input string) *Scenario {
	s.input = input
	return s
}

// WithContext sets the context for the scenario.
func (s *Scenario) WithContext(ctx context.Context) *Scenario {
	s.context = ctx
	return s
}

// WithTimeout bounds the whole run.
func (s *Scenario) WithTimeout(d time.Duration) *Scenario {
	s.timeout = d
	return s
}

// WithExecConfig sets the per-step limits passed to the pipeline.
func (s *Scenario) WithExecConfig(cfg pipeline.ExecConfig) *Scenario {
	s.execConfig = cfg
	return s
}

// WithEventCollector copies the collector's events into the result. The
// collector must be the emitter the pipeline was built with.
func (s *Scenario) WithEventCollector(c *EventCollector) *Scenario {
	s.collector = c
	return s
}

// Expect adds an expectation to the scenario.
func (s *Scenario) Expect(exp Expectation) *Scenario {
	s.expectations = append(s.expectations, exp)
	return s
}

// ExpectOutput adds an output expectation.
func (s *Scenario) ExpectOutput(matcher StringMatcher) *Scenario {
	return s.Expect(&outputExpectation{matcher: matcher})
}

// ExpectNoError expects the run to succeed.
func (s *Scenario) ExpectNoError() *Scenario {
	return s.Expect(&noErrorExpectation{})
}

// ExpectError expects an error matching the given pattern.
func (s *Scenario) ExpectError(matcher StringMatcher) *Scenario {
	return s.Expect(&errorExpectation{matcher: matcher})
}

// ExpectFailedStep expects the run to fail at the 0-based step index.
func (s *Scenario) ExpectFailedStep(index int) *Scenario {
	return s.Expect(&failedStepExpectation{index: index})
}

// ExpectStepAttempts expects step index to have succeeded after n attempts.
func (s *Scenario) ExpectStepAttempts(index, n int) *Scenario {
	return s.Expect(&stepAttemptsExpectation{index: index, attempts: n})
}

// ExpectEvent expects an event of the given type.
func (s *Scenario) ExpectEvent(eventType core.EventType) *Scenario {
	return s.Expect(&eventExpectation{eventType: eventType})
}

// ExpectMaxDuration expects the scenario to complete within the given duration.
func (s *Scenario) ExpectMaxDuration(d time.Duration) *Scenario {
	return s.Expect(&maxDurationExpectation{max: d})
}

// Run executes the scenario against the given pipeline.
func (s *Scenario) Run(t *testing.T, runner PipelineRunner) *ScenarioResult {
	t.Helper()

	if s.collector != nil {
		s.collector.Reset()
	}

	ctx, cancel := context.WithTimeout(s.context, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := runner.Execute(ctx, s.input, s.execConfig)
	result := &ScenarioResult{
		Error:    err,
		Duration: time.Since(start),
	}
	if res != nil {
		result.Output = res.Output
		result.RunID = res.RunID
		result.Steps = res.Steps
	}
	if s.collector != nil {
		result.Events = s.collector.Events()
	}
	return result
}

// Assert checks all expectations and reports failures to the test.
func (r *ScenarioResult) Assert(t *testing.T, scenario *Scenario) {
	t.Helper()

	for _, exp := range scenario.expectations {
		if err := exp.Check(r); err != nil {
			t.Errorf("scenario %q: expectation %q failed: %v", scenario.name, exp.Description(), err)
		}
	}
}

// StringMatcher defines how to match strings in expectations.
type StringMatcher interface {
	Match(s string) bool
	Description() string
}

// Contains returns a matcher that checks if the string contains the substring.
func Contains(substr string) StringMatcher {
	return &containsMatcher{substr: substr}
}

// Equals returns a matcher that checks exact string equality.
func Equals(expected string) StringMatcher {
	return &equalsMatcher{expected: expected}
}

// Regex returns a matcher that checks against a regular expression.
func Regex(pattern string) StringMatcher {
	return &regexMatcher{pattern: pattern}
}

type containsMatcher struct {
	substr string
}

func (m *containsMatcher) Match(s string) bool {
	return strings.Contains(s, m.substr)
}

func (m *containsMatcher) Description() string {
	return fmt.Sprintf("contains %q", m.substr)
}

type equalsMatcher struct {
	expected string
}

func (m *equalsMatcher) Match(s string) bool {
	return s == m.expected
}

func (m *equalsMatcher) Description() string {
	return fmt.Sprintf("equals %q", m.expected)
}

type regexMatcher struct {
	pattern string
}

func (m *regexMatcher) Match(s string) bool {
	re, err := regexp.Compile(m.pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func (m *regexMatcher) Description() string {
	return fmt.Sprintf("matches regex %q", m.pattern)
}

// Expectation implementations

type outputExpectation struct {
	matcher StringMatcher
}

func (e *outputExpectation) Check(r *ScenarioResult) error {
	if !e.matcher.Match(r.Output) {
		return fmt.Errorf("output %q does not match: %s", r.Output, e.matcher.Description())
	}
	return nil
}

func (e *outputExpectation) Description() string {
	return fmt.Sprintf("output %s", e.matcher.Description())
}

type noErrorExpectation struct{}

func (e *noErrorExpectation) Check(r *ScenarioResult) error {
	if r.Error != nil {
		return fmt.Errorf("expected no error, got: %v", r.Error)
	}
	return nil
}

func (e *noErrorExpectation) Description() string {
	return "no error"
}

type errorExpectation struct {
	matcher StringMatcher
}

func (e *errorExpectation) Check(r *ScenarioResult) error {
	if r.Error == nil {
		return fmt.Errorf("expected error matching %s, got nil", e.matcher.Description())
	}
	if !e.matcher.Match(r.Error.Error()) {
		return fmt.Errorf("error %q does not match: %s", r.Error.Error(), e.matcher.Description())
	}
	return nil
}

func (e *errorExpectation) Description() string {
	return fmt.Sprintf("error %s", e.matcher.Description())
}

type failedStepExpectation struct {
	index int
}

func (e *failedStepExpectation) Check(r *ScenarioResult) error {
	var perr *pipeline.PipelineError
	if !stderrors.As(r.Error, &perr) {
		return fmt.Errorf("expected a pipeline error, got %v", r.Error)
	}
	if perr.StepIndex != e.index {
		return fmt.Errorf("failed at step %d", perr.StepIndex)
	}
	return nil
}

func (e *failedStepExpectation) Description() string {
	return fmt.Sprintf("step %d failed", e.index)
}

type stepAttemptsExpectation struct {
	index    int
	attempts int
}

func (e *stepAttemptsExpectation) Check(r *ScenarioResult) error {
	if e.index >= len(r.Steps) {
		return fmt.Errorf("step %d did not complete", e.index)
	}
	if got := r.Steps[e.index].Attempts; got != e.attempts {
		return fmt.Errorf("step %d took %d attempts", e.index, got)
	}
	return nil
}

func (e *stepAttemptsExpectation) Description() string {
	return fmt.Sprintf("step %d succeeded after %d attempts", e.index, e.attempts)
}

type eventExpectation struct {
	eventType core.EventType
}

func (e *eventExpectation) Check(r *ScenarioResult) error {
	for _, ev := range r.Events {
		if ev.Type == e.eventType {
			return nil
		}
	}
	return fmt.Errorf("event type %q was not emitted", e.eventType)
}

func (e *eventExpectation) Description() string {
	return fmt.Sprintf("event %q emitted", e.eventType)
}

type maxDurationExpectation struct {
	max time.Duration
}

func (e *maxDurationExpectation) Check(r *ScenarioResult) error {
	if r.Duration > e.max {
		return fmt.Errorf("duration %v exceeds maximum %v", r.Duration, e.max)
	}
	return nil
}

func (e *maxDurationExpectation) Description() string {
	return fmt.Sprintf("duration <= %v", e.max)
}

// EventCollector collects events emitted during a scenario. It implements
// core.EventEmitter.
type EventCollector struct {
	mu     sync.RWMutex
	events []core.Event
}

// NewEventCollector creates a new event collector.
func NewEventCollector() *EventCollector {
	return &EventCollector{}
}

// Emit implements core.EventEmitter.
func (c *EventCollector) Emit(_ context.Context, event core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns all collected events.
func (c *EventCollector) Events() []core.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]core.Event(nil), c.events...)
}

// EventTypes returns the types of all collected events.
func (c *EventCollector) EventTypes() []core.EventType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]core.EventType, len(c.events))
	for i, ev := range c.events {
		types[i] = ev.Type
	}
	return types
}

// HasEvent checks if an event of the given type was collected.
func (c *EventCollector) HasEvent(eventType core.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ev := range c.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

// Count returns the number of collected events.
func (c *EventCollector) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Reset clears all collected events.
func (c *EventCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = c.events[:0]
}

var _ core.EventEmitter = (*EventCollector)(nil)
