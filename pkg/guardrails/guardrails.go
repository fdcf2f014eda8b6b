// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package guardrails inspects chat messages before they reach the crew and
// filters the final answer before it is returned.
//
// Input checkers can block a message; output filters rewrite the answer.
// Checkers run in registration order and the first block wins. Filters are
// chained: each one receives the text produced by the previous one.
package guardrails

import "context"

// Verdict is the outcome of an input check.
type Verdict struct {
	Blocked bool
	// Reason explains the block. It is safe to return to the caller.
	Reason string
	// CheckID identifies the checker that blocked.
	CheckID string
	// Matches holds the rule names that matched, for logs.
	Matches []string
}

// Redaction describes one rewrite made by an output filter.
type Redaction struct {
	Kind        string
	Position    int
	Replacement string
}

// Filtered is the outcome of output filtering.
type Filtered struct {
	Text       string
	Redactions []Redaction
}

// Modified reports whether any filter changed the text.
func (f Filtered) Modified() bool { return len(f.Redactions) > 0 }

// InputChecker validates a message before it is forwarded.
type InputChecker interface {
	ID() string
	CheckInput(ctx context.Context, input string) Verdict
}

// OutputFilter rewrites an answer before it is returned.
type OutputFilter interface {
	ID() string
	FilterOutput(ctx context.Context, output string) Filtered
}

// Guard runs a fixed set of checkers and filters. It is safe for concurrent use.
type Guard struct {
	checkers []InputChecker
	filters  []OutputFilter
	failOpen bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithInputChecker adds an input checker.
func WithInputChecker(c InputChecker) Option {
	return func(g *Guard) {
		if c != nil {
			g.checkers = append(g.checkers, c)
		}
	}
}

// WithOutputFilter adds an output filter.
func WithOutputFilter(f OutputFilter) Option {
	return func(g *Guard) {
		if f != nil {
			g.filters = append(g.filters, f)
		}
	}
}

// WithFailOpen lets messages through when the check is interrupted by a
// canceled context. The default is to block.
func WithFailOpen(failOpen bool) Option {
	return func(g *Guard) { g.failOpen = failOpen }
}

// New creates a Guard.
func New(opts ...Option) *Guard {
	g := &Guard{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Empty reports whether the guard has nothing to run.
func (g *Guard) Empty() bool {
	return g == nil || (len(g.checkers) == 0 && len(g.filters) == 0)
}

// CheckInput runs every checker until one blocks.
func (g *Guard) CheckInput(ctx context.Context, input string) Verdict {
	if g == nil {
		return Verdict{}
	}
	for _, c := range g.checkers {
		if ctx.Err() != nil {
			if g.failOpen {
				return Verdict{}
			}
			return Verdict{Blocked: true, Reason: "guardrail check canceled", CheckID: "system"}
		}
		if v := c.CheckInput(ctx, input); v.Blocked {
			v.CheckID = c.ID()
			return v
		}
	}
	return Verdict{}
}

// FilterOutput chains every filter over output.
func (g *Guard) FilterOutput(ctx context.Context, output string) Filtered {
	res := Filtered{Text: output}
	if g == nil {
		return res
	}
	for _, f := range g.filters {
		if ctx.Err() != nil {
			return res
		}
		out := f.FilterOutput(ctx, res.Text)
		if out.Modified() {
			res.Text = out.Text
			res.Redactions = append(res.Redactions, out.Redactions...)
		}
	}
	return res
}
