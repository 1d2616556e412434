package models

import (
	"fmt"
	"strings"

	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/phase"
)

const (
	MinSlugLength = 3
	MaxSlugLength = 50
)

// ValidateSlug checks that slug is usable as a directory and branch name.
func ValidateSlug(slug string) error {
	if len(slug) < MinSlugLength || len(slug) > MaxSlugLength {
		return errs.Withf(errs.ErrInvalidSlug, "%q must be %d-%d characters", slug, MinSlugLength, MaxSlugLength)
	}
	if slug[0] < 'a' || slug[0] > 'z' {
		return errs.Withf(errs.ErrInvalidSlug, "%q must start with a lowercase letter", slug)
	}
	for _, r := range slug {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return errs.Withf(errs.ErrInvalidSlug, "%q contains %q; only lowercase letters, digits and hyphens are allowed", slug, r)
		}
	}
	if strings.Contains(slug, "--") {
		return errs.Withf(errs.ErrInvalidSlug, "%q contains consecutive hyphens", slug)
	}
	return nil
}

type Workflow string

const (
	WorkflowInit    Workflow = "init"
	WorkflowPlan    Workflow = "plan"
	WorkflowExecute Workflow = "execute"
	WorkflowVerify  Workflow = "verify"
	WorkflowChat    Workflow = "chat"
)

// Target returns the phase a workflow completes.
func (w Workflow) Target() (phase.Phase, error) {
	switch w {
	case WorkflowInit:
		return phase.Init, nil
	case WorkflowPlan:
		return phase.Plan, nil
	case WorkflowExecute:
		return phase.Run, nil
	case WorkflowVerify:
		return phase.Verify, nil
	}
	return "", fmt.Errorf("workflow %q has no phase", w)
}
