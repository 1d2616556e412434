// Package workspace implements adapter.VCS with git: one worktree per feature
// under the trees directory.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/errs"
)

// Git runs worktree and commit operations through the git CLI and answers
// read-only queries with go-git.
type Git struct {
	RepoPath string
	TreesDir string
	Binary   string
}

var _ adapter.VCS = (*Git)(nil)

func New(repoPath, treesDir string) *Git {
	return &Git{RepoPath: repoPath, TreesDir: treesDir, Binary: "git"}
}

// CommandError describes a failed git invocation.
type CommandError struct {
	Op     string
	Cmd    string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %s: %v", e.Op, e.Cmd, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func (g *Git) IsRepo(path string) bool {
	_, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	return err == nil
}

func (g *Git) WorktreePath(name string) string {
	return filepath.Join(g.TreesDir, name)
}

// CreateWorktree adds a worktree named name on a new branch. If the branch
// already exists the worktree checks it out instead. An existing worktree
// directory yields errs.ErrWorktreeExists along with its path.
func (g *Git) CreateWorktree(ctx context.Context, name, branch string) (string, error) {
	path := g.WorktreePath(name)
	if _, err := os.Stat(path); err == nil {
		return path, errs.Wrap(errs.ErrWorktreeExists, "create worktree", path)
	}
	if err := os.MkdirAll(g.TreesDir, 0o755); err != nil {
		return "", errs.Wrap(fmt.Errorf("%w: %v", errs.ErrWriteFailed, err), "create trees directory", g.TreesDir)
	}

	out, err := g.run(ctx, g.RepoPath, "worktree", "add", "-b", branch, path)
	if err == nil {
		return path, nil
	}
	if !strings.Contains(out, "already exists") {
		return "", g.fail("create worktree", []string{"worktree", "add", "-b", branch, path}, out, err)
	}
	// The branch survived an earlier removal; reuse it.
	out, err = g.run(ctx, g.RepoPath, "worktree", "add", path, branch)
	if err != nil {
		return "", g.fail("create worktree", []string{"worktree", "add", path, branch}, out, err)
	}
	return path, nil
}

func (g *Git) RemoveWorktree(ctx context.Context, name string) error {
	path := g.WorktreePath(name)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return errs.Wrap(errs.ErrWorktreeNotFound, "remove worktree", path)
	}
	if out, err := g.run(ctx, g.RepoPath, "worktree", "remove", "--force", path); err != nil {
		return g.fail("remove worktree", []string{"worktree", "remove", "--force", path}, out, err)
	}
	if out, err := g.run(ctx, g.RepoPath, "worktree", "prune"); err != nil {
		return g.fail("prune worktrees", []string{"worktree", "prune"}, out, err)
	}
	return nil
}

// Commit stages everything under dir, or only paths when given, and commits
// it. Changes outside paths stay out of the commit even when already staged.
// A clean selection yields errs.ErrNothingToCommit.
func (g *Git) Commit(ctx context.Context, dir, message string, paths ...string) error {
	if dir == "" {
		dir = g.RepoPath
	}
	var spec []string
	if len(paths) > 0 {
		spec = append([]string{"--"}, paths...)
	}

	add := append([]string{"add", "-A"}, spec...)
	if out, err := g.run(ctx, dir, add...); err != nil {
		return g.fail("commit", add, out, err)
	}
	diff := append([]string{"diff", "--cached", "--quiet"}, spec...)
	if _, err := g.run(ctx, dir, diff...); err == nil {
		return errs.Wrap(errs.ErrNothingToCommit, "commit", dir)
	}
	commit := append([]string{"commit", "-m", message}, spec...)
	if out, err := g.run(ctx, dir, commit...); err != nil {
		return g.fail("commit", commit, out, err)
	}
	return nil
}

func (g *Git) Status(ctx context.Context, dir string) (*adapter.Status, error) {
	if dir == "" {
		dir = g.RepoPath
	}
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrNotGitRepo, err), "status", dir)
	}

	st := &adapter.Status{}
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		st.Branch = head.Name().Short()
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrGitCommand, err), "status", dir)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrGitCommand, err), "status", dir)
	}
	for file, fst := range status {
		switch {
		case fst.Worktree == git.Untracked:
			st.Untracked = append(st.Untracked, file)
		case fst.Worktree != git.Unmodified || fst.Staging != git.Unmodified:
			st.Modified = append(st.Modified, file)
		}
	}
	sort.Strings(st.Modified)
	sort.Strings(st.Untracked)
	st.Clean = len(st.Modified) == 0 && len(st.Untracked) == 0
	return st, nil
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.Binary, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func (g *Git) fail(op string, args []string, output string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &CommandError{
		Op:     op,
		Cmd:    g.Binary + " " + strings.Join(args, " "),
		Output: output,
		Err:    fmt.Errorf("%w: %v", errs.ErrGitCommand, err),
	}
}
