package policy

import (
	"context"

	"github.com/mpataki/mpca/internal/adapter"
)

// Storage checks the policy before every call to the wrapped storage.
type Storage struct {
	Policy ToolPolicy
	Inner  adapter.Storage
}

func (s Storage) Read(path string) (string, error) {
	if err := s.Policy.Check(StorageRead); err != nil {
		return "", err
	}
	return s.Inner.Read(path)
}

func (s Storage) Write(path, content string) error {
	if err := s.Policy.Check(StorageWrite); err != nil {
		return err
	}
	return s.Inner.Write(path, content)
}

// Exists reports false when reads are not permitted. Use Stat to tell a
// denial from a missing path.
func (s Storage) Exists(path string) bool {
	ok, _ := s.Stat(path)
	return ok
}

// Stat reports whether path exists, or ErrToolNotPermitted when reads are
// not permitted.
func (s Storage) Stat(path string) (bool, error) {
	if err := s.Policy.Check(StorageRead); err != nil {
		return false, err
	}
	return s.Inner.Exists(path), nil
}

func (s Storage) MkdirAll(path string) error {
	if err := s.Policy.Check(StorageWrite); err != nil {
		return err
	}
	return s.Inner.MkdirAll(path)
}

func (s Storage) List(path string) ([]adapter.Entry, error) {
	if err := s.Policy.Check(StorageRead); err != nil {
		return nil, err
	}
	return s.Inner.List(path)
}

// VCS checks the policy before every call to the wrapped VCS.
type VCS struct {
	Policy ToolPolicy
	Inner  adapter.VCS
}

// IsRepo reports false when queries are not permitted. Use CheckRepo to
// tell a denial from a plain directory.
func (v VCS) IsRepo(path string) bool {
	ok, _ := v.CheckRepo(path)
	return ok
}

func (v VCS) CheckRepo(path string) (bool, error) {
	if err := v.Policy.Check(VCSQuery); err != nil {
		return false, err
	}
	return v.Inner.IsRepo(path), nil
}

func (v VCS) CreateWorktree(ctx context.Context, name, branch string) (string, error) {
	if err := v.Policy.Check(VCSWorktree); err != nil {
		return "", err
	}
	return v.Inner.CreateWorktree(ctx, name, branch)
}

func (v VCS) RemoveWorktree(ctx context.Context, name string) error {
	if err := v.Policy.Check(VCSWorktree); err != nil {
		return err
	}
	return v.Inner.RemoveWorktree(ctx, name)
}

func (v VCS) WorktreePath(name string) string { return v.Inner.WorktreePath(name) }

func (v VCS) Commit(ctx context.Context, dir, message string, paths ...string) error {
	if err := v.Policy.Check(VCSCommit); err != nil {
		return err
	}
	return v.Inner.Commit(ctx, dir, message, paths...)
}

func (v VCS) Status(ctx context.Context, dir string) (*adapter.Status, error) {
	if err := v.Policy.Check(VCSQuery); err != nil {
		return nil, err
	}
	return v.Inner.Status(ctx, dir)
}

// Shell checks the policy before every call to the wrapped shell.
type Shell struct {
	Policy ToolPolicy
	Inner  adapter.Shell
}

func (s Shell) Run(ctx context.Context, cmd string, args []string, cwd string) (*adapter.CommandResult, error) {
	if err := s.Policy.Check(ShellRun); err != nil {
		return nil, err
	}
	return s.Inner.Run(ctx, cmd, args, cwd)
}

func (s Shell) Stream(ctx context.Context, cmd string, args []string, cwd string) (adapter.Stream, error) {
	if err := s.Policy.Check(ShellStream); err != nil {
		return nil, err
	}
	return s.Inner.Stream(ctx, cmd, args, cwd)
}

// Agent checks the policy before every exchange.
type Agent struct {
	Policy ToolPolicy
	Inner  adapter.Agent
}

func (a Agent) Send(ctx context.Context, req *adapter.Request) (*adapter.Reply, error) {
	if err := a.Policy.Check(AgentExchange); err != nil {
		return nil, err
	}
	return a.Inner.Send(ctx, req)
}

var (
	_ adapter.Storage = Storage{}
	_ adapter.VCS     = VCS{}
	_ adapter.Shell   = Shell{}
	_ adapter.Agent   = Agent{}
)
