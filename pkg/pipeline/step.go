package pipeline

import (
	stderrors "errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/jllopis/crew/pkg/core"
	"github.com/jllopis/crew/pkg/errors"
)

// Step binds a role to the instruction it runs. The instruction is a
// text/template evaluated against promptData, so it may use {{.Request}} and
// {{.Output N}} to reach the original request or a prior step's text.
type Step struct {
	Role        *core.Role
	Instruction string
	tmpl        *template.Template
}

// NewStep parses instruction and returns a step for role.
func NewStep(role *core.Role, instruction string) (Step, error) {
	if err := role.Validate(); err != nil {
		return Step{}, err
	}
	if strings.TrimSpace(instruction) == "" {
		return Step{}, errors.New(errors.CodeInvalidInput, "step instruction is required", nil).
			WithContext("role", role.Name)
	}
	tmpl, err := template.New(role.Name).Option("missingkey=error").Parse(instruction)
	if err != nil {
		return Step{}, errors.New(errors.CodeInvalidInput, "invalid step instruction", err).
			WithContext("role", role.Name)
	}
	return Step{Role: role, Instruction: instruction, tmpl: tmpl}, nil
}

// promptData is what an instruction template sees while step index renders.
type promptData struct {
	Request string
	Role    string
	index   int
	ec      *ExecutionContext
	missing int
}

// Output returns the text produced by prior step i.
func (d *promptData) Output(i int) (string, error) {
	if i < 0 || i >= d.index {
		d.missing = i
		return "", &TemplateError{StepIndex: d.index, Dependency: i}
	}
	text, ok := d.ec.Output(i)
	if !ok {
		d.missing = i
		return "", &TemplateError{StepIndex: d.index, Dependency: i}
	}
	return text, nil
}

// BuildPrompt renders the full prompt for step index: the role persona, the
// rendered instruction, the original request and then every prior output in
// order, each under a header naming the role that produced it.
func (s Step) BuildPrompt(ec *ExecutionContext, index int) (string, error) {
	if ec.Len() < index {
		return "", &TemplateError{StepIndex: index, Dependency: ec.Len()}
	}
	if s.tmpl == nil {
		return "", &TemplateError{StepIndex: index, Dependency: -1, Err: stderrors.New("step was not built with NewStep")}
	}

	data := &promptData{Request: ec.Request, Role: s.Role.Name, index: index, ec: ec, missing: -1}
	var task strings.Builder
	if err := s.tmpl.Execute(&task, data); err != nil {
		var te *TemplateError
		if stderrors.As(err, &te) {
			return "", te
		}
		if data.missing >= 0 {
			return "", &TemplateError{StepIndex: index, Dependency: data.missing, Err: err}
		}
		return "", &TemplateError{StepIndex: index, Dependency: -1, Err: err}
	}

	var b strings.Builder
	b.WriteString(s.Role.RenderPersona())
	b.WriteString("\n\nTask: ")
	b.WriteString(strings.TrimSpace(task.String()))
	b.WriteString("\n\nOriginal request:\n")
	b.WriteString(ec.Request)
	for i, out := range ec.Outputs()[:index] {
		fmt.Fprintf(&b, "\n\nContext from %s (step %d):\n%s", out.Role, i+1, out.Text)
	}
	return b.String(), nil
}
