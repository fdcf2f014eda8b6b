// Package gateway turns chat requests into pipeline runs and exposes them
// over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jllopis/crew/pkg/errors"
	"github.com/jllopis/crew/pkg/guardrails"
	"github.com/jllopis/crew/pkg/pipeline"
)

// GatewayErrorKind classifies a rejected request.
type GatewayErrorKind string

const (
	// MalformedBody means the body is not a JSON object.
	MalformedBody GatewayErrorKind = "malformed_body"
	// MissingField means a required field is absent or blank.
	MissingField GatewayErrorKind = "missing_field"
	// Blocked means a guardrail rejected the message.
	Blocked GatewayErrorKind = "blocked"
)

// GatewayError is returned for requests rejected before any endpoint is called.
type GatewayError struct {
	Kind   GatewayErrorKind
	Field  string
	Reason string
	Err    error
}

func (e *GatewayError) Error() string {
	switch e.Kind {
	case MissingField:
		return fmt.Sprintf("%s is required", e.Field)
	case Blocked:
		return fmt.Sprintf("message rejected: %s", e.Reason)
	default:
		return "request body must be a JSON object with a \"message\" string"
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Code implements errors.Coder.
func (e *GatewayError) Code() errors.ErrorCode {
	if e.Kind == MissingField {
		return errors.CodeMissingField
	}
	return errors.CodeInvalidInput
}

// ChatRequest is the body accepted by POST /chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is the body returned on success.
type ChatResponse struct {
	Response string `json:"response"`
	RunID    string `json:"-"`
	// Redactions counts the rewrites made by output filters.
	Redactions int `json:"-"`
}

// Runner executes one pipeline run; *pipeline.Pipeline satisfies it.
type Runner interface {
	Execute(ctx context.Context, request string, cfg pipeline.ExecConfig) (*pipeline.Result, error)
}

// Gateway validates chat requests and forwards them to the pipeline with a
// fixed execution config. The config may be swapped while serving.
type Gateway struct {
	runner Runner
	guard  *guardrails.Guard
	cfg    atomic.Pointer[pipeline.ExecConfig]
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithGuard checks messages and filters answers with guard.
func WithGuard(guard *guardrails.Guard) Option {
	return func(g *Gateway) { g.guard = guard }
}

// New creates a gateway over runner.
func New(runner Runner, cfg pipeline.ExecConfig, opts ...Option) (*Gateway, error) {
	if runner == nil {
		return nil, errors.New(errors.CodeInvalidInput, "pipeline is required", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{runner: runner}
	for _, opt := range opts {
		opt(g)
	}
	g.cfg.Store(&cfg)
	return g, nil
}

// ExecConfig returns the limits applied to new runs.
func (g *Gateway) ExecConfig() pipeline.ExecConfig {
	return *g.cfg.Load()
}

// SetExecConfig replaces the limits for runs started from now on.
func (g *Gateway) SetExecConfig(cfg pipeline.ExecConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.cfg.Store(&cfg)
	return nil
}

// Parse validates a raw body. It never calls an endpoint.
func (g *Gateway) Parse(raw []byte) (*ChatRequest, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return nil, &GatewayError{Kind: MalformedBody, Err: err}
	}
	field, ok := body["message"]
	if !ok {
		return nil, &GatewayError{Kind: MissingField, Field: "message"}
	}
	var req ChatRequest
	if err := json.Unmarshal(field, &req.Message); err != nil {
		return nil, &GatewayError{Kind: MalformedBody, Err: err}
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, &GatewayError{Kind: MissingField, Field: "message"}
	}
	return &req, nil
}

// Execute runs a validated request. A message blocked by the guard never
// reaches the pipeline.
func (g *Gateway) Execute(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if v := g.guard.CheckInput(ctx, req.Message); v.Blocked {
		return nil, &GatewayError{Kind: Blocked, Reason: v.Reason}
	}
	res, err := g.runner.Execute(ctx, req.Message, g.ExecConfig())
	if err != nil {
		return nil, err
	}
	out := g.guard.FilterOutput(ctx, res.Output)
	return &ChatResponse{Response: out.Text, RunID: res.RunID, Redactions: len(out.Redactions)}, nil
}

// Handle parses raw and, when valid, runs the pipeline for it.
func (g *Gateway) Handle(ctx context.Context, raw []byte) (*ChatResponse, error) {
	req, err := g.Parse(raw)
	if err != nil {
		return nil, err
	}
	return g.Execute(ctx, req)
}
