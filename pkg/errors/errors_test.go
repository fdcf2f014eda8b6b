// SPDX-License-Identifier: Apache-2.0
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

type codedErr struct{ code ErrorCode }

func (c codedErr) Error() string   { return "coded: " + string(c.code) }
func (c codedErr) Code() ErrorCode { return c.code }

func TestNew(t *testing.T) {
	cause := errors.New("network timeout")
	ce := New(CodeTimeout, "completion timed out", cause)

	if ce.Code != CodeTimeout {
		t.Errorf("expected CodeTimeout, got %v", ce.Code)
	}
	if ce.Message != "completion timed out" {
		t.Errorf("expected message 'completion timed out', got %q", ce.Message)
	}
	if !errors.Is(ce, cause) {
		t.Errorf("expected errors.Is to work with wrapped error")
	}
	if ce.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", ce.StatusCode)
	}
}

func TestWithContextAndAttributes(t *testing.T) {
	ce := New(CodeStepFailed, "step failed", nil).
		WithContext("step", 2).
		WithAttribute("crew.role", "Researcher").
		WithRecoverable(true)

	if ce.Context["step"] != 2 {
		t.Errorf("expected context step to be 2")
	}
	if ce.Attributes["crew.role"] != "Researcher" {
		t.Errorf("expected attribute crew.role")
	}
	if ce.RecoverableString() != "true" {
		t.Errorf("expected recoverable")
	}
}

func TestErrorString(t *testing.T) {
	ce := New(CodeMissingField, "message is required", nil)
	if ce.Error() != "[MISSING_FIELD] message is required" {
		t.Errorf("unexpected error string %q", ce.Error())
	}
	wrapped := New(CodeUnreachable, "host down", errors.New("dial tcp"))
	if wrapped.Error() != "[UNREACHABLE] host down: dial tcp" {
		t.Errorf("unexpected error string %q", wrapped.Error())
	}
}

func TestMarshalJSON(t *testing.T) {
	ce := New(CodeBadResponse, "invalid body", errors.New("eof")).WithContext("model", "mistral")
	raw, err := json.Marshal(ce)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out["code"] != "BAD_RESPONSE" {
		t.Errorf("expected code BAD_RESPONSE, got %v", out["code"])
	}
	if out["error"] != "eof" {
		t.Errorf("expected cause eof, got %v", out["error"])
	}
}

func TestAsCrewError(t *testing.T) {
	if AsCrewError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	orig := New(CodeTimeout, "slow", nil)
	if got := AsCrewError(fmt.Errorf("outer: %w", orig)); got != orig {
		t.Errorf("expected wrapped CrewError to be returned as is")
	}
	if got := AsCrewError(codedErr{CodeUnreachable}); got.Code != CodeUnreachable {
		t.Errorf("expected coder code to be kept, got %s", got.Code)
	}
	if got := AsCrewError(errors.New("boom")); got.Code != CodeInternal {
		t.Errorf("expected internal code, got %s", got.Code)
	}
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{nil, ""},
		{errors.New("plain"), CodeInternal},
		{New(CodeNotFound, "run", nil), CodeNotFound},
		{fmt.Errorf("wrap: %w", codedErr{CodeBadResponse}), CodeBadResponse},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Errorf("CodeOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestStatusCode(t *testing.T) {
	cases := map[ErrorCode]int{
		CodeMissingField:      http.StatusBadRequest,
		CodeInvalidInput:      http.StatusBadRequest,
		CodeTimeout:           http.StatusGatewayTimeout,
		CodeUnreachable:       http.StatusBadGateway,
		CodeBadResponse:       http.StatusBadGateway,
		CodeMissingDependency: http.StatusInternalServerError,
		CodeNotFound:          http.StatusNotFound,
		CodeContextLost:       499,
	}
	for code, want := range cases {
		if got := StatusCode(code); got != want {
			t.Errorf("StatusCode(%s) = %d, want %d", code, got, want)
		}
	}
}
