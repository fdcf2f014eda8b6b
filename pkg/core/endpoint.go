// SPDX-License-Identifier: Apache-2.0
// Package core holds the immutable building blocks of a crew: model endpoints,
// roles, run identity, semantic events and health checks.
package core

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jllopis/crew/pkg/errors"
	"github.com/jllopis/crew/pkg/llm"
	"github.com/jllopis/crew/pkg/resilience"
)

// CompletionKind classifies why a completion failed.
type CompletionKind string

const (
	// CompletionUnreachable means the host could not be contacted.
	CompletionUnreachable CompletionKind = "unreachable"
	// CompletionTimeout means the per-call timeout elapsed.
	CompletionTimeout CompletionKind = "timeout"
	// CompletionBadResponse means the host answered with an error status or unusable body.
	CompletionBadResponse CompletionKind = "bad_response"
)

// ErrEmptyCompletion is the cause of a BadResponse when the model returned no text.
var ErrEmptyCompletion = stderrors.New("model returned an empty completion")

// CompletionError is returned by ModelEndpoint.Complete. It is the only error
// kind the pipeline retries.
type CompletionError struct {
	Kind  CompletionKind
	Model string
	Err   error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion %s (model %s): %v", e.Kind, e.Model, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// Code implements errors.Coder.
func (e *CompletionError) Code() errors.ErrorCode {
	switch e.Kind {
	case CompletionTimeout:
		return errors.CodeTimeout
	case CompletionBadResponse:
		return errors.CodeBadResponse
	default:
		return errors.CodeUnreachable
	}
}

// ModelEndpoint is a handle to one model on one completion host.
// It is immutable and safe to share between roles and goroutines.
type ModelEndpoint struct {
	model    string
	host     string
	provider llm.Provider
}

// NewModelEndpoint binds a model identifier to the provider serving host.
func NewModelEndpoint(model, host string, provider llm.Provider) (*ModelEndpoint, error) {
	if strings.TrimSpace(model) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "model identifier is required", nil)
	}
	if provider == nil {
		return nil, errors.New(errors.CodeInvalidInput, "provider is required", nil).
			WithContext("model", model)
	}
	return &ModelEndpoint{model: model, host: host, provider: provider}, nil
}

// Model returns the model identifier.
func (e *ModelEndpoint) Model() string { return e.model }

// Host returns the completion host address.
func (e *ModelEndpoint) Host() string { return e.host }

// Complete issues exactly one completion call bounded by timeout (non-positive
// means only ctx bounds it). Failures are *CompletionError, except an empty
// prompt (INVALID_INPUT) and a canceled ctx (CONTEXT_LOST).
func (e *ModelEndpoint) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New(errors.CodeInvalidInput, "prompt is required", nil).
			WithContext("model", e.model)
	}

	var text string
	err := resilience.WithTimeout(ctx, timeout, func(callCtx context.Context) error {
		resp, err := e.provider.Generate(callCtx, llm.GenerateRequest{
			Model:  e.model,
			Prompt: prompt,
		})
		if err != nil {
			return err
		}
		if resp == nil {
			return fmt.Errorf("%w: nil response", llm.ErrMalformedResponse)
		}
		text = resp.Text
		return nil
	})
	if err != nil {
		return "", e.classify(ctx, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", &CompletionError{Kind: CompletionBadResponse, Model: e.model, Err: ErrEmptyCompletion}
	}
	return text, nil
}

func (e *ModelEndpoint) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.New(errors.CodeContextLost, "completion abandoned", ctx.Err()).
			WithContext("model", e.model)
	}
	var ce *CompletionError
	if stderrors.As(err, &ce) {
		return ce
	}
	kind := CompletionUnreachable
	var statusErr *llm.StatusError
	var netErr net.Error
	switch {
	case errors.CodeOf(err) == errors.CodeTimeout, stderrors.Is(err, context.DeadlineExceeded):
		kind = CompletionTimeout
	case stderrors.As(err, &statusErr), stderrors.Is(err, llm.ErrMalformedResponse):
		kind = CompletionBadResponse
	case stderrors.As(err, &netErr) && netErr.Timeout():
		kind = CompletionTimeout
	}
	return &CompletionError{Kind: kind, Model: e.model, Err: err}
}
