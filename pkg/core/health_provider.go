// SPDX-License-Identifier: Apache-2.0
package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthRegistry aggregates named health checkers and caches their results.
type HealthRegistry struct {
	checkers map[string]HealthChecker
	mu       sync.RWMutex
	cache    map[string]HealthResult
	cacheTTL time.Duration
	now      func() time.Time
}

// NewHealthRegistry creates a registry. A zero cacheTTL defaults to 10s.
func NewHealthRegistry(cacheTTL time.Duration) *HealthRegistry {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &HealthRegistry{
		checkers: make(map[string]HealthChecker),
		cache:    make(map[string]HealthResult),
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Register adds (or replaces) the checker for a component.
func (r *HealthRegistry) Register(name string, checker HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = checker
	delete(r.cache, name)
}

// Check returns the (possibly cached) health of one component.
func (r *HealthRegistry) Check(ctx context.Context, name string) (HealthResult, error) {
	r.mu.RLock()
	checker, ok := r.checkers[name]
	r.mu.RUnlock()
	if !ok {
		return HealthResult{}, fmt.Errorf("checker not registered: %s", name)
	}
	return r.check(ctx, name, checker), nil
}

// CheckAll checks every component, sorted by name, and returns the overall
// status: unhealthy if any is unhealthy, degraded if any is degraded.
func (r *HealthRegistry) CheckAll(ctx context.Context) ([]HealthResult, HealthStatus) {
	r.mu.RLock()
	names := make([]string, 0, len(r.checkers))
	checkers := make(map[string]HealthChecker, len(r.checkers))
	for name, c := range r.checkers {
		names = append(names, name)
		checkers[name] = c
	}
	r.mu.RUnlock()
	sort.Strings(names)

	overall := HealthHealthy
	results := make([]HealthResult, 0, len(names))
	for _, name := range names {
		res := r.check(ctx, name, checkers[name])
		results = append(results, res)
		switch res.Status {
		case HealthUnhealthy:
			overall = HealthUnhealthy
		case HealthDegraded:
			if overall == HealthHealthy {
				overall = HealthDegraded
			}
		}
	}
	return results, overall
}

func (r *HealthRegistry) check(ctx context.Context, name string, checker HealthChecker) HealthResult {
	r.mu.RLock()
	cached, ok := r.cache[name]
	r.mu.RUnlock()
	if ok && r.now().Sub(cached.LastCheck) < r.cacheTTL {
		return cached
	}

	res := checker.Check(ctx)
	res.Component = name
	if res.LastCheck.IsZero() {
		res.LastCheck = r.now()
	}

	r.mu.Lock()
	r.cache[name] = res
	r.mu.Unlock()
	return res
}
