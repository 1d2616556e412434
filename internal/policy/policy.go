// Package policy maps a workflow's tool grant to the adapter operations it
// may invoke, and wraps adapters so every call is checked before dispatch.
package policy

import (
	"fmt"
	"strings"

	"github.com/mpataki/mpca/internal/errs"
)

// ToolPolicy is an ordered capability grant: minimal < standard < full.
type ToolPolicy string

const (
	Minimal  ToolPolicy = "minimal"
	Standard ToolPolicy = "standard"
	Full     ToolPolicy = "full"
)

type Capability string

const (
	StorageRead   Capability = "storage.read"
	StorageWrite  Capability = "storage.write"
	VCSQuery      Capability = "vcs.query"
	VCSCommit     Capability = "vcs.commit"
	VCSWorktree   Capability = "vcs.worktree"
	ShellRun      Capability = "shell.run"
	ShellStream   Capability = "shell.stream"
	AgentExchange Capability = "agent.exchange"
)

var grants = map[ToolPolicy][]Capability{
	Minimal:  {StorageRead, StorageWrite, VCSQuery},
	Standard: {StorageRead, StorageWrite, VCSQuery, VCSCommit, ShellRun, AgentExchange},
	Full:     {StorageRead, StorageWrite, VCSQuery, VCSCommit, VCSWorktree, ShellRun, ShellStream, AgentExchange},
}

// Parse converts a configured policy name.
func Parse(s string) (ToolPolicy, error) {
	p := ToolPolicy(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := grants[p]; !ok {
		return "", fmt.Errorf("unknown tool policy %q (want minimal, standard or full)", s)
	}
	return p, nil
}

func (p ToolPolicy) Allows(c Capability) bool {
	for _, g := range grants[p] {
		if g == c {
			return true
		}
	}
	return false
}

// Check returns errs.ErrToolNotPermitted when c is outside the grant.
func (p ToolPolicy) Check(c Capability) error {
	if p.Allows(c) {
		return nil
	}
	return errs.Withf(errs.ErrToolNotPermitted, "%s requires more than the %s tool policy", c, p)
}
