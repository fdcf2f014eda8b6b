package pipeline

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/crew/pkg/core"
	"github.com/jllopis/crew/pkg/errors"
	"github.com/jllopis/crew/pkg/llm"
)

var roleNames = []string{"CEO", "Manager", "Researcher", "Writer"}

type recordingEmitter struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recordingEmitter) Emit(_ context.Context, ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) count(t core.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newRole(t *testing.T, name string, p llm.Provider) *core.Role {
	t.Helper()
	ep, err := core.NewModelEndpoint("model-"+strings.ToLower(name), "http://ollama.test", p)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	return &core.Role{Name: name, Goal: "goal of " + name, Persona: "A test persona.", Endpoint: ep}
}

func newCrew(t *testing.T, providers []llm.Provider, opts ...Option) *Pipeline {
	t.Helper()
	instructions := []string{
		"Analyze the following user request: {{.Request}}",
		"Create a plan based on the analysis.",
		"Research what the plan needs.",
		"Produce the final output.",
	}
	steps := make([]Step, 0, len(providers))
	for i, p := range providers {
		step, err := NewStep(newRole(t, roleNames[i], p), instructions[i])
		if err != nil {
			t.Fatalf("new step: %v", err)
		}
		steps = append(steps, step)
	}
	pl, err := New(steps, opts...)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return pl
}

func mocks(responses ...string) ([]llm.Provider, []*llm.MockProvider) {
	providers := make([]llm.Provider, len(responses))
	ms := make([]*llm.MockProvider, len(responses))
	for i, r := range responses {
		ms[i] = &llm.MockProvider{Response: r}
		providers[i] = ms[i]
	}
	return providers, ms
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	providers, ms := mocks("A1", "A2", "A3", "A4")
	pl := newCrew(t, providers)

	res, err := pl.Execute(context.Background(), "Write a haiku about Go", ExecConfig{StepTimeout: time.Second})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output != "A4" {
		t.Fatalf("expected final output A4, got %q", res.Output)
	}
	if len(res.Steps) != 4 {
		t.Fatalf("expected 4 step results, got %d", len(res.Steps))
	}
	if !strings.HasPrefix(res.RunID, "run-") {
		t.Fatalf("unexpected run id %q", res.RunID)
	}

	ceo := ms[0].Calls()
	if len(ceo) != 1 {
		t.Fatalf("expected one CEO call, got %d", len(ceo))
	}
	if !strings.Contains(ceo[0].Prompt, "Analyze the following user request: Write a haiku about Go") {
		t.Fatalf("CEO prompt missing rendered request: %q", ceo[0].Prompt)
	}
	if strings.Contains(ceo[0].Prompt, "Context from") {
		t.Fatalf("CEO prompt should not carry prior context")
	}
	if ceo[0].Model != "model-ceo" {
		t.Fatalf("unexpected model %q", ceo[0].Model)
	}

	writer := ms[3].Calls()[0].Prompt
	for _, want := range []string{"You are the Writer.", "Write a haiku about Go", "Context from CEO (step 1):\nA1", "Context from Manager (step 2):\nA2", "Context from Researcher (step 3):\nA3"} {
		if !strings.Contains(writer, want) {
			t.Errorf("writer prompt missing %q", want)
		}
	}
	if strings.Index(writer, "A1") > strings.Index(writer, "A2") || strings.Index(writer, "A2") > strings.Index(writer, "A3") {
		t.Errorf("prior outputs out of order in writer prompt")
	}
}

func TestExecuteIsStructurallyRepeatable(t *testing.T) {
	providers, ms := mocks("A1", "A2", "A3", "A4")
	pl := newCrew(t, providers)
	cfg := ExecConfig{StepTimeout: time.Second}

	for i := 0; i < 2; i++ {
		if _, err := pl.Execute(context.Background(), "same request", cfg); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	for i, m := range ms {
		calls := m.Calls()
		if len(calls) != 2 {
			t.Fatalf("step %d: expected 2 calls, got %d", i, len(calls))
		}
		if calls[0].Prompt != calls[1].Prompt {
			t.Errorf("step %d: prompts differ between runs", i)
		}
	}
}

func TestRetriesAreBounded(t *testing.T) {
	providers, ms := mocks("A1", "A2", "", "A4")
	ms[2].Err = &llm.StatusError{StatusCode: 500, Body: "model crashed"}
	emitter := &recordingEmitter{}
	pl := newCrew(t, providers, WithEmitter(emitter))

	_, err := pl.Execute(context.Background(), "request", ExecConfig{StepTimeout: time.Second, MaxRetries: 2, RetryDelay: time.Millisecond})
	var perr *PipelineError
	if !stderrors.As(err, &perr) {
		t.Fatalf("expected PipelineError, got %v", err)
	}
	if got := len(ms[2].Calls()); got != 3 {
		t.Fatalf("expected 3 calls to researcher, got %d", got)
	}
	if perr.StepIndex != 2 || perr.Role != "Researcher" || perr.Attempts != 3 {
		t.Fatalf("unexpected failure %+v", perr)
	}
	if perr.Kind() != "bad_response" {
		t.Fatalf("expected bad_response, got %s", perr.Kind())
	}
	if len(ms[3].Calls()) != 0 {
		t.Fatalf("writer must not run after a failed step")
	}
	if emitter.count(core.EventStepRetry) != 2 {
		t.Fatalf("expected 2 retry events, got %d", emitter.count(core.EventStepRetry))
	}
	if emitter.count(core.EventRunFailed) != 1 {
		t.Fatalf("expected run.failed event")
	}
}

func TestStepTimeoutIdentifiesStep(t *testing.T) {
	providers, _ := mocks("A1", "A2", "", "A4")
	providers[2] = llm.HangingMockProvider{}
	pl := newCrew(t, providers)

	start := time.Now()
	_, err := pl.Execute(context.Background(), "request", ExecConfig{StepTimeout: 20 * time.Millisecond})
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout was not enforced")
	}
	var perr *PipelineError
	if !stderrors.As(err, &perr) {
		t.Fatalf("expected PipelineError, got %v", err)
	}
	if perr.StepIndex != 2 {
		t.Fatalf("expected step index 2, got %d", perr.StepIndex)
	}
	if perr.CauseCode() != errors.CodeTimeout {
		t.Fatalf("expected TIMEOUT cause, got %s", perr.CauseCode())
	}
	if perr.Code() != errors.CodeStepFailed {
		t.Fatalf("expected STEP_FAILED, got %s", perr.Code())
	}
	if msg := perr.UserMessage(); msg != "step 3/4 (Researcher) failed: timeout" {
		t.Fatalf("unexpected user message %q", msg)
	}
}

func TestResearcherTimeoutExhaustsRetries(t *testing.T) {
	providers, ms := mocks("A1", "A2", "", "A4")
	var researcherCalls atomic.Int32
	providers[2] = &llm.MockProvider{GenerateFunc: func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
		researcherCalls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	events := &recordingEmitter{}
	pl := newCrew(t, providers, WithEmitter(events))

	_, err := pl.Execute(context.Background(), "Write a haiku about rivers", ExecConfig{
		StepTimeout: 10 * time.Millisecond,
		MaxRetries:  2,
	})
	var perr *PipelineError
	if !stderrors.As(err, &perr) {
		t.Fatalf("expected PipelineError, got %v", err)
	}
	if perr.StepIndex != 2 || perr.Role != "Researcher" {
		t.Fatalf("expected Researcher at index 2, got %s at %d", perr.Role, perr.StepIndex)
	}
	if perr.CauseCode() != errors.CodeTimeout {
		t.Fatalf("expected TIMEOUT cause, got %s", perr.CauseCode())
	}
	if got := researcherCalls.Load(); got != 3 || perr.Attempts != 3 {
		t.Fatalf("expected 3 researcher attempts, got %d calls and %d recorded", got, perr.Attempts)
	}
	if got := events.count(core.EventStepRetry); got != 2 {
		t.Fatalf("expected 2 retry events, got %d", got)
	}
	if len(ms[3].Calls()) != 0 {
		t.Fatal("writer must not run after the researcher failed")
	}
}

func TestRetryRecovers(t *testing.T) {
	providers, _ := mocks("A1", "A2", "A3", "A4")
	var calls atomic.Int32
	providers[1] = &llm.MockProvider{GenerateFunc: func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
		if calls.Add(1) == 1 {
			return nil, &llm.StatusError{StatusCode: 503}
		}
		return &llm.GenerateResponse{Text: "plan"}, nil
	}}
	store := NewMemoryAuditStore(0)
	pl := newCrew(t, providers, WithAuditStore(store))

	res, err := pl.Execute(context.Background(), "request", ExecConfig{MaxRetries: 1})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Steps[1].Attempts != 2 || res.Steps[1].Output != "plan" {
		t.Fatalf("unexpected manager result %+v", res.Steps[1])
	}

	records, err := store.List(context.Background(), AuditFilter{RunID: res.RunID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 attempt records, got %d", len(records))
	}
	failed, _ := store.List(context.Background(), AuditFilter{RunID: res.RunID, Status: AuditStatusFailure})
	if len(failed) != 1 || failed[0].Role != "Manager" || failed[0].Attempt != 1 {
		t.Fatalf("unexpected failure records %+v", failed)
	}
}

func TestCanceledRequestIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, _ := mocks("A1", "A2", "A3", "A4")
	hanging := &llm.MockProvider{GenerateFunc: func(callCtx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
		cancel()
		<-callCtx.Done()
		return nil, callCtx.Err()
	}}
	providers[0] = hanging
	pl := newCrew(t, providers)

	_, err := pl.Execute(ctx, "request", ExecConfig{MaxRetries: 3})
	var perr *PipelineError
	if !stderrors.As(err, &perr) {
		t.Fatalf("expected PipelineError, got %v", err)
	}
	if len(hanging.Calls()) != 1 {
		t.Fatalf("expected a single call, got %d", len(hanging.Calls()))
	}
	if perr.Code() != errors.CodeContextLost || perr.Kind() != "canceled" {
		t.Fatalf("expected canceled failure, got %s/%s", perr.Code(), perr.Kind())
	}
}

func TestMissingDependencyIsFatal(t *testing.T) {
	providers, ms := mocks("A1", "A2")
	steps := []Step{}
	s0, err := NewStep(newRole(t, "CEO", providers[0]), "Analyze {{.Request}}")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	s1, err := NewStep(newRole(t, "Manager", providers[1]), "Use {{.Output 0}} and {{.Output 1}}")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	steps = append(steps, s0, s1)
	pl, err := New(steps)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	_, err = pl.Execute(context.Background(), "request", ExecConfig{MaxRetries: 3})
	var te *TemplateError
	if !stderrors.As(err, &te) {
		t.Fatalf("expected TemplateError, got %v", err)
	}
	if te.StepIndex != 1 || te.Dependency != 1 {
		t.Fatalf("unexpected template error %+v", te)
	}
	if errors.CodeOf(te) != errors.CodeMissingDependency {
		t.Fatalf("expected MISSING_DEPENDENCY, got %s", errors.CodeOf(te))
	}
	if len(ms[1].Calls()) != 0 {
		t.Fatalf("manager endpoint must not be called")
	}
}

func TestOutputReference(t *testing.T) {
	ec := NewExecutionContext("run-1", "request")
	if err := ec.Append(0, "CEO", "analysis"); err != nil {
		t.Fatalf("append: %v", err)
	}
	step, err := NewStep(newRole(t, "Manager", &llm.MockProvider{Response: "x"}), "Plan from: {{.Output 0}}")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	prompt, err := step.BuildPrompt(ec, 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(prompt, "Task: Plan from: analysis") {
		t.Fatalf("unexpected prompt %q", prompt)
	}

	if _, err := step.BuildPrompt(ec, 2); err == nil {
		t.Fatalf("expected missing dependency when prior outputs are absent")
	}
}

func TestExecutionContextIsAppendOnly(t *testing.T) {
	ec := NewExecutionContext("run-1", "req")
	if err := ec.Append(1, "Manager", "early"); err == nil {
		t.Fatalf("expected out of order append to fail")
	}
	if err := ec.Append(0, "CEO", "first"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := ec.Append(0, "CEO", "again"); err == nil {
		t.Fatalf("expected second append of step 0 to fail")
	}
	outs := ec.Outputs()
	outs[0].Text = "mutated"
	if got, _ := ec.Output(0); got != "first" {
		t.Fatalf("outputs copy leaked: %q", got)
	}
	if ec.Len() != 1 {
		t.Fatalf("expected len 1, got %d", ec.Len())
	}
}

func TestExecuteRejectsEmptyRequest(t *testing.T) {
	providers, ms := mocks("A1")
	pl := newCrew(t, providers)
	_, err := pl.Execute(context.Background(), "   ", ExecConfig{})
	if errors.CodeOf(err) != errors.CodeMissingField {
		t.Fatalf("expected MISSING_FIELD, got %v", err)
	}
	if len(ms[0].Calls()) != 0 {
		t.Fatalf("endpoint must not be called")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for empty pipeline")
	}
	if _, err := New([]Step{{}}); err == nil {
		t.Fatalf("expected error for unbuilt step")
	}
	role := newRole(t, "CEO", &llm.MockProvider{})
	if _, err := NewStep(role, "{{.Output"); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := NewStep(role, " "); err == nil {
		t.Fatalf("expected error for empty instruction")
	}
	if err := (ExecConfig{MaxRetries: -1}).Validate(); err == nil {
		t.Fatalf("expected negative retries to be rejected")
	}
}
