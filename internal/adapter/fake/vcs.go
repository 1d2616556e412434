package fake

import (
	"context"
	"path"
	"sync"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/errs"
)

// VCS is a scripted adapter.VCS.
type VCS struct {
	Recorder

	mu        sync.Mutex
	repo      bool
	treesDir  string
	worktrees map[string]string
	commits   []string
	failures  map[string]error
	dirty     bool
}

var _ adapter.VCS = (*VCS)(nil)

// NewVCS returns a VCS that reports a repository with pending changes.
func NewVCS(treesDir string) *VCS {
	return &VCS{
		repo:      true,
		treesDir:  treesDir,
		worktrees: make(map[string]string),
		failures:  make(map[string]error),
		dirty:     true,
	}
}

// SetRepo controls what IsRepo reports.
func (v *VCS) SetRepo(ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.repo = ok
}

// SetDirty controls whether Commit finds anything to commit.
func (v *VCS) SetDirty(dirty bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dirty = dirty
}

// Fail makes op ("worktree", "remove", "commit", "status") return err until
// cleared with a nil err.
func (v *VCS) Fail(op string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err == nil {
		delete(v.failures, op)
		return
	}
	v.failures[op] = err
}

// Commits returns the recorded commit messages.
func (v *VCS) Commits() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.commits...)
}

// Worktrees returns name to branch for every created worktree.
func (v *VCS) Worktrees() map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]string, len(v.worktrees))
	for k, b := range v.worktrees {
		out[k] = b
	}
	return out
}

func (v *VCS) IsRepo(p string) bool {
	v.record("is_repo", p)
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.repo
}

func (v *VCS) CreateWorktree(ctx context.Context, name, branch string) (string, error) {
	v.record("worktree", name, branch)
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failures["worktree"]; err != nil {
		return "", err
	}
	p := v.worktreePath(name)
	if _, ok := v.worktrees[name]; ok {
		return p, errs.Wrap(errs.ErrWorktreeExists, "create worktree", p)
	}
	v.worktrees[name] = branch
	return p, nil
}

func (v *VCS) RemoveWorktree(ctx context.Context, name string) error {
	v.record("remove", name)
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failures["remove"]; err != nil {
		return err
	}
	if _, ok := v.worktrees[name]; !ok {
		return errs.Wrap(errs.ErrWorktreeNotFound, "remove worktree", v.worktreePath(name))
	}
	delete(v.worktrees, name)
	return nil
}

func (v *VCS) WorktreePath(name string) string {
	return v.worktreePath(name)
}

func (v *VCS) Commit(ctx context.Context, dir, message string, paths ...string) error {
	v.record("commit", append([]string{dir, message}, paths...)...)
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failures["commit"]; err != nil {
		return err
	}
	if !v.dirty {
		return errs.Wrap(errs.ErrNothingToCommit, "commit", dir)
	}
	v.commits = append(v.commits, message)
	return nil
}

func (v *VCS) Status(ctx context.Context, dir string) (*adapter.Status, error) {
	v.record("status", dir)
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failures["status"]; err != nil {
		return nil, err
	}
	return &adapter.Status{Branch: "main", Clean: !v.dirty}, nil
}

func (v *VCS) worktreePath(name string) string {
	return path.Join(v.treesDir, name)
}
