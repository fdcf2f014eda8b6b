// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jllopis/crew/pkg/core"
	"github.com/jllopis/crew/pkg/llm"
	"github.com/jllopis/crew/pkg/pipeline"
)

var crewModels = []struct {
	role  string
	model string
}{
	{"CEO", "llama2:1b"},
	{"Manager", "llama2:7b"},
	{"Researcher", "mistral"},
	{"Writer", "llama2:13b"},
}

func newTestPipeline(t *testing.T, provider llm.Provider, opts ...pipeline.Option) *pipeline.Pipeline {
	t.Helper()
	steps := make([]pipeline.Step, 0, len(crewModels))
	for _, cm := range crewModels {
		ep, err := core.NewModelEndpoint(cm.model, "http://ollama.test", provider)
		RequireNoError(t, err, "endpoint")
		step, err := pipeline.NewStep(&core.Role{Name: cm.role, Goal: "g", Persona: "p", Endpoint: ep}, "Handle {{.Request}}")
		RequireNoError(t, err, "step")
		steps = append(steps, step)
	}
	pl, err := pipeline.New(steps, opts...)
	RequireNoError(t, err, "pipeline")
	return pl
}

func TestScenarioBasic(t *testing.T) {
	provider := NewScenarioProvider().
		AddResponse("A1").
		AddResponse("A2").
		AddResponse("A3").
		AddResponse("A4")
	events := NewEventCollector()
	pl := newTestPipeline(t, provider, pipeline.WithEmitter(events))

	scenario := NewScenario("haiku").
		WithInput("Write a haiku").
		WithEventCollector(events).
		ExpectNoError().
		ExpectOutput(Equals("A4")).
		ExpectEvent(core.EventRunCompleted).
		ExpectStepAttempts(3, 1)

	result := scenario.Run(t, pl)
	result.Assert(t, scenario)

	a := NewAssertions(t)
	a.AssertScenarioResult(result).Succeeded().StepCount(4)
	a.AssertRequest(provider.LastRequest()).
		HasModel("llama2:13b").
		PromptInOrder("Write a haiku", "A1", "A2", "A3").
		PromptNotContains("A4")
}

func TestScenarioFailedStep(t *testing.T) {
	provider := NewScenarioProvider().
		AddResponseFor("llama2:1b", "analysis").
		AddResponseFor("llama2:7b", "plan").
		AddScriptedResponse(ScriptedResponse{Condition: ForModel("mistral"), Delay: time.Second, Content: "late"})
	pl := newTestPipeline(t, provider)

	scenario := NewScenario("researcher timeout").
		WithInput("request").
		WithExecConfig(pipeline.ExecConfig{StepTimeout: 20 * time.Millisecond}).
		ExpectFailedStep(2).
		ExpectError(Contains("Researcher")).
		ExpectMaxDuration(900 * time.Millisecond)

	result := scenario.Run(t, pl)
	result.Assert(t, scenario)

	if got := len(provider.RequestsFor("llama2:13b")); got != 0 {
		t.Fatalf("writer should not run, got %d requests", got)
	}
}

func TestScenarioRetryThenSuccess(t *testing.T) {
	provider := NewScenarioProvider().
		AddResponseFor("llama2:1b", "A1").
		AddScriptedResponse(ScriptedResponse{Condition: ForModel("llama2:7b"), Error: &llm.StatusError{StatusCode: 503}}).
		AddResponseFor("llama2:7b", "A2").
		AddResponseFor("mistral", "A3").
		AddResponseFor("llama2:13b", "A4")
	events := NewEventCollector()
	pl := newTestPipeline(t, provider, pipeline.WithEmitter(events))

	scenario := NewScenario("manager retry").
		WithInput("request").
		WithExecConfig(pipeline.ExecConfig{MaxRetries: 1}).
		WithEventCollector(events).
		ExpectNoError().
		ExpectStepAttempts(1, 2).
		ExpectEvent(core.EventStepRetry)

	result := scenario.Run(t, pl)
	result.Assert(t, scenario)
	RequireEqual(t, 5, provider.CallCount(), "calls")
}

func TestScenarioProviderDefaults(t *testing.T) {
	provider := NewScenarioProvider()
	if _, err := provider.Generate(context.Background(), llm.GenerateRequest{Model: "m"}); err == nil {
		t.Fatal("expected error when nothing is scripted")
	}

	boom := errors.New("boom")
	provider.WithDefaultError(boom)
	if _, err := provider.Generate(context.Background(), llm.GenerateRequest{Model: "m"}); !errors.Is(err, boom) {
		t.Fatalf("expected default error, got %v", err)
	}

	provider.AddScriptedResponse(ScriptedResponse{Condition: PromptContains("needle"), Content: "found"})
	resp, err := provider.Generate(context.Background(), llm.GenerateRequest{Model: "m", Prompt: "haystack needle"})
	RequireNoError(t, err, "conditional response")
	RequireEqual(t, "found", resp.Text, "text")
	RequireEqual(t, 3, provider.CallCount(), "calls")

	provider.Reset()
	RequireEqual(t, 0, provider.CallCount(), "calls after reset")
	if provider.LastRequest() != nil {
		t.Fatal("expected no last request after reset")
	}
}

func TestScenarioProviderDelayHonorsContext(t *testing.T) {
	provider := NewScenarioProvider().
		AddScriptedResponse(ScriptedResponse{Content: "slow", Delay: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := provider.Generate(ctx, llm.GenerateRequest{Model: "m"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMatchers(t *testing.T) {
	cases := []struct {
		matcher StringMatcher
		input   string
		want    bool
	}{
		{Contains("ell"), "hello", true},
		{Contains("xyz"), "hello", false},
		{Equals("hello"), "hello", true},
		{Equals("hello"), "hello!", false},
		{Regex(`^step \d/4`), "step 3/4 (Researcher) failed: timeout", true},
		{Regex(`[`), "anything", false},
	}
	for _, tc := range cases {
		if got := tc.matcher.Match(tc.input); got != tc.want {
			t.Errorf("%s on %q: got %v, want %v", tc.matcher.Description(), tc.input, got, tc.want)
		}
	}
}

func TestEventCollector(t *testing.T) {
	c := NewEventCollector()
	c.Emit(context.Background(), core.NewEvent(core.EventRunStarted, "run-1", "", -1, nil))
	c.Emit(context.Background(), core.NewEvent(core.EventStepStarted, "run-1", "CEO", 0, nil))

	if c.Count() != 2 || !c.HasEvent(core.EventStepStarted) {
		t.Fatalf("unexpected events %v", c.EventTypes())
	}
	c.Reset()
	if c.Count() != 0 {
		t.Fatal("expected reset to clear events")
	}
}

func TestFormatRequests(t *testing.T) {
	RequireEqual(t, "(none)", FormatRequests(nil), "empty")
	got := FormatRequests([]llm.GenerateRequest{{Model: "a"}, {Model: "b"}})
	RequireEqual(t, "[a, b]", got, "models")
}
