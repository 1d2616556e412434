// Package phase defines the feature lifecycle phases and the legal
// transitions between them. It performs no I/O.
package phase

import (
	"fmt"
	"strings"

	"github.com/mpataki/mpca/internal/errs"
)

type Phase string

const (
	Init   Phase = "init"
	Plan   Phase = "plan"
	Run    Phase = "run"
	Verify Phase = "verify"
)

// successors lists the forward edge of each phase. Verify has none.
var successors = map[Phase]Phase{
	Init: Plan,
	Plan: Run,
	Run:  Verify,
}

// retry edges that move backwards.
var retries = map[Phase]Phase{
	Verify: Run,
}

func (p Phase) String() string { return string(p) }

func (p Phase) Valid() bool {
	switch p {
	case Init, Plan, Run, Verify:
		return true
	}
	return false
}

// Parse converts a persisted phase name.
func Parse(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Successor returns the next phase in forward order.
func (p Phase) Successor() (Phase, bool) {
	next, ok := successors[p]
	return next, ok
}

// Legal returns the phases reachable from p in one transition, in a stable
// order: re-entry, forward, retry.
func Legal(from Phase) []Phase {
	if !from.Valid() {
		return nil
	}
	out := []Phase{from}
	if next, ok := successors[from]; ok {
		out = append(out, next)
	}
	if back, ok := retries[from]; ok {
		out = append(out, back)
	}
	return out
}

// Transition validates moving from one phase to another and returns the
// resulting phase.
func Transition(from, to Phase) (Phase, error) {
	for _, p := range Legal(from) {
		if p == to {
			return to, nil
		}
	}
	return "", &TransitionError{From: from, To: to, Legal: Legal(from)}
}

// Reached reports whether current is target or lies after it on the forward
// path, i.e. the work of target is already done.
func Reached(current, target Phase) bool {
	p := target
	for {
		if p == current {
			return true
		}
		next, ok := successors[p]
		if !ok {
			return false
		}
		p = next
	}
}

// TransitionError reports an illegal transition with the legal alternatives.
type TransitionError struct {
	From  Phase
	To    Phase
	Legal []Phase
}

func (e *TransitionError) Error() string {
	legal := make([]string, len(e.Legal))
	for i, p := range e.Legal {
		legal[i] = string(p)
	}
	return fmt.Sprintf("invalid phase transition from %s to %s (legal from %s: %s)",
		e.From, e.To, e.From, strings.Join(legal, ", "))
}

func (e *TransitionError) Unwrap() error { return errs.ErrInvalidTransition }
