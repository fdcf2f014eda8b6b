package llm

import (
	"context"
	"errors"
	"fmt"
)

// GenerateRequest encapsulates a single prompt completion.
type GenerateRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// GenerateResponse encapsulates the output from the completion host.
type GenerateResponse struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelInfo describes a model advertised by the completion host.
type ModelInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

// Provider is a text-completion backend.
type Provider interface {
	// Generate sends a prompt to the model and returns its full completion.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// ModelLister is implemented by providers that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// ErrMalformedResponse is wrapped by providers when the host body cannot be decoded.
var ErrMalformedResponse = errors.New("malformed completion response")

// StatusError reports a non-success HTTP status from the completion host.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("completion host returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("completion host returned status %d: %s", e.StatusCode, e.Body)
}
