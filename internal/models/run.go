package models

import (
	"time"

	"github.com/mpataki/mpca/internal/phase"
)

// Failure is the marker left on a RunState when the last attempt ended
// abnormally.
type Failure struct {
	Kind    string `toml:"kind"`
	Message string `toml:"message"`
	Step    int    `toml:"step"`
}

// RunState is the persisted progress record of one feature.
//
// Workflow names the workflow whose steps Step counts while an attempt is in
// progress or has failed; it is empty once the phase is complete.
type RunState struct {
	FeatureSlug string      `toml:"feature_slug"`
	Phase       phase.Phase `toml:"phase"`
	Step        int         `toml:"step"`
	Workflow    Workflow    `toml:"workflow,omitempty"`
	Turns       int         `toml:"turns"`
	CostUSD     float64     `toml:"cost_usd"`
	CreatedAt   time.Time   `toml:"created_at"`
	UpdatedAt   time.Time   `toml:"updated_at"`
	Failure     *Failure    `toml:"failure,omitempty"`
}

// NewRunState returns the initial record for a freshly created feature.
func NewRunState(slug string, now time.Time) *RunState {
	return &RunState{
		FeatureSlug: slug,
		Phase:       phase.Init,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *RunState) Clone() *RunState {
	c := *s
	if s.Failure != nil {
		f := *s.Failure
		c.Failure = &f
	}
	return &c
}

// Pending reports whether an attempt of w is in progress or failed.
func (s *RunState) Pending(w Workflow) bool {
	return s.Workflow == w
}
