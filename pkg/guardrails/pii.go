// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package guardrails

import (
	"context"
	"fmt"
	"regexp"
)

// PIIMode selects how detected PII is rewritten.
type PIIMode string

const (
	// PIIMask replaces PII with a placeholder such as "[EMAIL]".
	PIIMask PIIMode = "mask"
	// PIIRedact removes PII.
	PIIRedact PIIMode = "redact"
)

type piiRule struct {
	kind string
	re   *regexp.Regexp
	mask string
}

// Order matters: card numbers and SSNs would otherwise match as phones.
var piiRules = []piiRule{
	{"credit_card", regexp.MustCompile(`\b[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}\b`), "[CREDIT_CARD]"},
	{"ssn", regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`), "[SSN]"},
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "[EMAIL]"},
	{"phone", regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?\b[0-9]{3}\)?[-.\s][0-9]{3}[-.\s][0-9]{4}\b`), "[PHONE]"},
	{"ip_address", regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`), "[IP_ADDRESS]"},
}

// PIIFilter rewrites personal data found in the crew's answer.
type PIIFilter struct {
	mode PIIMode
}

// NewPIIFilter creates a filter for mode.
func NewPIIFilter(mode PIIMode) (*PIIFilter, error) {
	switch mode {
	case PIIMask, PIIRedact:
		return &PIIFilter{mode: mode}, nil
	default:
		return nil, fmt.Errorf("unknown pii mode %q", mode)
	}
}

func (f *PIIFilter) ID() string { return "pii-filter" }

// FilterOutput implements OutputFilter.
func (f *PIIFilter) FilterOutput(ctx context.Context, output string) Filtered {
	res := Filtered{Text: output}
	for _, r := range piiRules {
		if ctx.Err() != nil {
			return res
		}
		locs := r.re.FindAllStringIndex(res.Text, -1)
		// right to left so earlier offsets stay valid
		for i := len(locs) - 1; i >= 0; i-- {
			start, end := locs[i][0], locs[i][1]
			repl := r.mask
			if f.mode == PIIRedact {
				repl = ""
			}
			res.Text = res.Text[:start] + repl + res.Text[end:]
			res.Redactions = append(res.Redactions, Redaction{Kind: "pii:" + r.kind, Position: start, Replacement: repl})
		}
	}
	return res
}
