package core

import (
	"fmt"
	"strings"

	"github.com/jllopis/crew/pkg/errors"
)

// Role is the static persona bound to one pipeline stage.
//
// CanDelegate mirrors the delegation flag of the crew definition. No control
// flow reads it: steps always run in declaration order.
type Role struct {
	Name        string
	Goal        string
	Persona     string
	Endpoint    *ModelEndpoint
	CanDelegate bool
}

// Validate checks that the role can be used in a pipeline.
func (r *Role) Validate() error {
	if r == nil {
		return errors.New(errors.CodeInvalidInput, "role is nil", nil)
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New(errors.CodeInvalidInput, "role name is required", nil)
	}
	if r.Endpoint == nil {
		return errors.New(errors.CodeInvalidInput, "role has no model endpoint", nil).
			WithContext("role", r.Name)
	}
	return nil
}

// RenderPersona returns the prefix sent ahead of every prompt issued for the role.
func (r *Role) RenderPersona() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s.", r.Name)
	if p := strings.TrimSpace(r.Persona); p != "" {
		b.WriteString(" ")
		b.WriteString(p)
	}
	if g := strings.TrimSpace(r.Goal); g != "" {
		fmt.Fprintf(&b, "\nYour goal: %s", g)
	}
	return b.String()
}
