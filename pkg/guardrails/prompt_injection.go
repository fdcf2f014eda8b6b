// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package guardrails

import (
	"context"
	"fmt"
	"regexp"
)

type injectionRule struct {
	name string
	re   *regexp.Regexp
}

var defaultInjectionRules = []struct{ name, pattern string }{
	// instruction override
	{"override", `(?i)\b(ignore|disregard|forget|override)\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`},
	// persona swap
	{"persona", `(?i)\byou\s+are\s+now\s+(a|an)\s+`},
	{"persona", `(?i)\bpretend\s+(you\s+are|to\s+be)\s+`},
	// system prompt extraction
	{"extraction", `(?i)\b(show|reveal|print|display)\s+(me\s+)?your\s+(system\s+)?(prompt|instructions?)`},
	{"extraction", `(?i)\bwhat\s+(is|are)\s+your\s+system\s+(prompt|instructions?)`},
	// jailbreaks
	{"jailbreak", `(?i)\b(do\s+anything\s+now|DAN\s+mode|jailbreak)\b`},
	{"jailbreak", `(?i)\bbypass\s+(safety|content|filter)`},
	{"jailbreak", `(?i)\b(developer|sudo|admin)\s+mode\b`},
	// chat template delimiters
	{"delimiter", `(?i)(\[/?INST\]|<</?SYS>>|<\|[a-z_]+\|>)`},
}

// InjectionDetector blocks messages that look like attempts to override the
// crew personas or leak their prompts.
type InjectionDetector struct {
	rules      []injectionRule
	minMatches int
}

// InjectionOption configures an InjectionDetector.
type InjectionOption func(*InjectionDetector)

// WithMinMatches blocks only when at least n rules match.
func WithMinMatches(n int) InjectionOption {
	return func(d *InjectionDetector) {
		if n > 0 {
			d.minMatches = n
		}
	}
}

// NewInjectionDetector compiles the built-in rules plus extra patterns.
func NewInjectionDetector(extra []string, opts ...InjectionOption) (*InjectionDetector, error) {
	d := &InjectionDetector{minMatches: 1}
	for _, r := range defaultInjectionRules {
		d.rules = append(d.rules, injectionRule{name: r.name, re: regexp.MustCompile(r.pattern)})
	}
	for i, p := range extra {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("guardrail pattern %d: %w", i, err)
		}
		d.rules = append(d.rules, injectionRule{name: "custom", re: re})
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *InjectionDetector) ID() string { return "prompt-injection" }

// CheckInput implements InputChecker.
func (d *InjectionDetector) CheckInput(ctx context.Context, input string) Verdict {
	var matches []string
	for _, r := range d.rules {
		if ctx.Err() != nil {
			break
		}
		if r.re.MatchString(input) {
			matches = append(matches, r.name)
		}
	}
	if len(matches) >= d.minMatches {
		return Verdict{Blocked: true, Reason: "potential prompt injection detected", Matches: matches}
	}
	return Verdict{}
}
