// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/crew/pkg/llm"
)

// ScenarioProvider is a scripted llm.Provider that records every request.
// One instance can serve a whole crew: conditional responses pick the role by
// model name.
type ScenarioProvider struct {
	mu           sync.Mutex
	responses    []ScriptedResponse
	requests     []llm.GenerateRequest
	defaultError error
}

// ScriptedResponse defines a response for the scenario provider.
type ScriptedResponse struct {
	Content string
	Error   error
	// Delay holds the response back; a context that ends first wins.
	Delay time.Duration
	// Condition restricts the response to matching requests.
	Condition func(req llm.GenerateRequest) bool
}

// NewScenarioProvider creates a new scenario provider.
func NewScenarioProvider() *ScenarioProvider {
	return &ScenarioProvider{}
}

// AddResponse queues a response to be returned.
func (p *ScenarioProvider) AddResponse(content string) *ScenarioProvider {
	return p.AddScriptedResponse(ScriptedResponse{Content: content})
}

// AddResponseFor queues a response only served to requests for model.
func (p *ScenarioProvider) AddResponseFor(model, content string) *ScenarioProvider {
	return p.AddScriptedResponse(ScriptedResponse{Content: content, Condition: ForModel(model)})
}

// AddScriptedResponse adds a fully configured response.
func (p *ScenarioProvider) AddScriptedResponse(resp ScriptedResponse) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resp)
	return p
}

// WithDefaultError sets the error to return when no responses are queued.
func (p *ScenarioProvider) WithDefaultError(err error) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultError = err
	return p
}

// ForModel matches requests addressed to model.
func ForModel(model string) func(llm.GenerateRequest) bool {
	return func(req llm.GenerateRequest) bool { return req.Model == model }
}

// PromptContains matches requests whose prompt contains substr.
func PromptContains(substr string) func(llm.GenerateRequest) bool {
	return func(req llm.GenerateRequest) bool { return strings.Contains(req.Prompt, substr) }
}

// Generate implements llm.Provider. It consumes the first queued response
// whose condition matches req.
func (p *ScenarioProvider) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	resp, ok := p.next(req)
	defaultErr := p.defaultError
	call := len(p.requests)
	p.mu.Unlock()

	if !ok {
		if defaultErr != nil {
			return nil, defaultErr
		}
		return nil, fmt.Errorf("no more scripted responses (call %d, model %s)", call, req.Model)
	}

	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &llm.GenerateResponse{
		Text: resp.Content,
		Usage: llm.Usage{
			PromptTokens:     len(req.Prompt) / 4,
			CompletionTokens: len(resp.Content) / 4,
			TotalTokens:      (len(req.Prompt) + len(resp.Content)) / 4,
		},
	}, nil
}

// next pops the first response matching req. Callers hold p.mu.
func (p *ScenarioProvider) next(req llm.GenerateRequest) (ScriptedResponse, bool) {
	for i := 0; i < len(p.responses); i++ {
		resp := p.responses[i]
		if resp.Condition != nil && !resp.Condition(req) {
			continue
		}
		p.responses = append(p.responses[:i:i], p.responses[i+1:]...)
		return resp, true
	}
	return ScriptedResponse{}, false
}

// Requests returns all captured requests.
func (p *ScenarioProvider) Requests() []llm.GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.GenerateRequest(nil), p.requests...)
}

// RequestsFor returns the captured requests addressed to model.
func (p *ScenarioProvider) RequestsFor(model string) []llm.GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []llm.GenerateRequest
	for _, req := range p.requests {
		if req.Model == model {
			out = append(out, req)
		}
	}
	return out
}

// LastRequest returns the most recent request.
func (p *ScenarioProvider) LastRequest() *llm.GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	req := p.requests[len(p.requests)-1]
	return &req
}

// CallCount returns the number of Generate calls made.
func (p *ScenarioProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Reset clears captured requests and any responses left in the queue.
func (p *ScenarioProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = nil
	p.requests = p.requests[:0]
}

var _ llm.Provider = (*ScenarioProvider)(nil)
