// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/jllopis/crew/pkg/config"
	"github.com/jllopis/crew/pkg/core"
	"github.com/jllopis/crew/pkg/llm"
	"github.com/jllopis/crew/pkg/pipeline"
)

// RoleSpec is the static definition of one crew member and the task it runs.
type RoleSpec struct {
	Key         string
	Name        string
	Goal        string
	Persona     string
	Task        string
	CanDelegate bool
}

// DefaultCrew is the CEO -> Manager -> Researcher -> Writer crew.
var DefaultCrew = []RoleSpec{
	{
		Key:         "ceo",
		Name:        "CEO",
		Goal:        "Analyze user requests and delegate tasks",
		Persona:     "You are the CEO of an AI company, responsible for understanding user needs and coordinating the team.",
		Task:        "Analyze the following user request and determine the necessary steps: {{.Request}}",
		CanDelegate: true,
	},
	{
		Key:         "manager",
		Name:        "Manager",
		Goal:        "Coordinate tasks and oversee their execution",
		Persona:     "You are a skilled project manager, responsible for breaking down tasks and ensuring their completion.",
		Task:        "Create a detailed plan to fulfill the user request based on the CEO's analysis:\n{{.Output 0}}",
		CanDelegate: true,
	},
	{
		Key:     "researcher",
		Name:    "Researcher",
		Goal:    "Gather and analyze information from various sources",
		Persona: "You are an expert at finding and synthesizing information from the internet and other sources.",
		Task:    "Conduct necessary research to support the plan:\n{{.Output 1}}",
	},
	{
		Key:     "writer",
		Name:    "Writer",
		Goal:    "Create high-quality written content",
		Persona: "You are a skilled writer, capable of producing engaging and informative content on various topics.",
		Task:    "Execute the plan and produce the required output",
	},
}

// BuildSteps binds every role of crew to its configured model on provider.
// Roles served by the same model share one endpoint.
func BuildSteps(crew []RoleSpec, cfg *config.Config, provider llm.Provider) ([]pipeline.Step, error) {
	endpoints := make(map[string]*core.ModelEndpoint)
	steps := make([]pipeline.Step, 0, len(crew))
	for _, spec := range crew {
		model := cfg.RoleModel(spec.Key)
		ep, ok := endpoints[model]
		if !ok {
			var err error
			ep, err = core.NewModelEndpoint(model, cfg.Ollama.Host, provider)
			if err != nil {
				return nil, fmt.Errorf("role %s: %w", spec.Name, err)
			}
			endpoints[model] = ep
		}
		role := &core.Role{
			Name:        spec.Name,
			Goal:        spec.Goal,
			Persona:     spec.Persona,
			Endpoint:    ep,
			CanDelegate: spec.CanDelegate,
		}
		step, err := pipeline.NewStep(role, spec.Task)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", spec.Name, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// CrewModels returns the distinct models used by crew, in step order.
func CrewModels(crew []RoleSpec, cfg *config.Config) []string {
	seen := make(map[string]bool)
	var models []string
	for _, spec := range crew {
		m := cfg.RoleModel(spec.Key)
		if !seen[m] {
			seen[m] = true
			models = append(models, m)
		}
	}
	return models
}

// DescribeSteps renders a pipeline definition for the config dump.
func DescribeSteps(steps []pipeline.Step) []map[string]any {
	out := make([]map[string]any, 0, len(steps))
	for i, s := range steps {
		out = append(out, map[string]any{
			"step":         i + 1,
			"role":         s.Role.Name,
			"goal":         s.Role.Goal,
			"model":        s.Role.Endpoint.Model(),
			"can_delegate": s.Role.CanDelegate,
			"task":         s.Instruction,
		})
	}
	return out
}
