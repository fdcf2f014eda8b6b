// SPDX-License-Identifier: Apache-2.0
package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jllopis/crew/pkg/llm"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	// HealthHealthy indicates the component is fully operational.
	HealthHealthy HealthStatus = "HEALTHY"

	// HealthDegraded indicates the component answers but cannot serve every role.
	HealthDegraded HealthStatus = "DEGRADED"

	// HealthUnhealthy indicates the component is not operational.
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// HealthResult represents the result of a health check.
type HealthResult struct {
	Status    HealthStatus `json:"status"`
	Component string       `json:"component"`
	Message   string       `json:"message,omitempty"`
	LastCheck time.Time    `json:"last_check"`
	Error     error        `json:"-"`
}

// HealthChecker checks the health of a component.
type HealthChecker interface {
	// Check returns the current health status of the component.
	// The context can be used to implement timeouts.
	Check(ctx context.Context) HealthResult
}

// FunctionHealthChecker wraps a function as a health checker.
type FunctionHealthChecker struct {
	fn func(ctx context.Context) HealthResult
}

// NewFunctionHealthChecker creates a health checker from a function.
func NewFunctionHealthChecker(fn func(ctx context.Context) HealthResult) *FunctionHealthChecker {
	return &FunctionHealthChecker{fn: fn}
}

// Check calls the underlying function.
func (f *FunctionHealthChecker) Check(ctx context.Context) HealthResult {
	result := f.fn(ctx)
	if result.LastCheck.IsZero() {
		result.LastCheck = time.Now()
	}
	return result
}

// HostHealthChecker asks a completion host for its installed models and
// compares them with the models the crew needs.
type HostHealthChecker struct {
	lister  llm.ModelLister
	models  []string
	timeout time.Duration
}

// NewHostHealthChecker creates a checker for the models served by one host.
func NewHostHealthChecker(lister llm.ModelLister, models []string, timeout time.Duration) *HostHealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HostHealthChecker{
		lister:  lister,
		models:  append([]string(nil), models...),
		timeout: timeout,
	}
}

// Check lists the host models. Unreachable is unhealthy; reachable with
// missing models is degraded.
func (h *HostHealthChecker) Check(ctx context.Context) HealthResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	result := HealthResult{LastCheck: time.Now()}
	installed, err := h.lister.ListModels(ctx)
	if err != nil {
		result.Status = HealthUnhealthy
		result.Message = "completion host unreachable"
		result.Error = err
		return result
	}

	missing := MissingModels(h.models, installed)
	if len(missing) > 0 {
		result.Status = HealthDegraded
		result.Message = fmt.Sprintf("models not installed: %s", strings.Join(missing, ", "))
		return result
	}
	result.Status = HealthHealthy
	result.Message = fmt.Sprintf("%d models available", len(installed))
	return result
}

// MissingModels returns the wanted models not present in installed. A wanted
// name without a tag matches the ":latest" tag.
func MissingModels(wanted []string, installed []llm.ModelInfo) []string {
	have := make(map[string]bool, len(installed)*2)
	for _, m := range installed {
		have[m.Name] = true
		if name, ok := strings.CutSuffix(m.Name, ":latest"); ok {
			have[name] = true
		}
	}
	seen := make(map[string]bool, len(wanted))
	var missing []string
	for _, w := range wanted {
		if have[w] || seen[w] {
			continue
		}
		seen[w] = true
		missing = append(missing, w)
	}
	sort.Strings(missing)
	return missing
}
