// Package adapter declares the capability interfaces through which the
// orchestrator touches the outside world: storage, version control, command
// execution, the conversational agent and prompt rendering.
//
// Implementations live in fsys, workspace, shell, agent and prompt; the fake
// subpackage provides in-memory doubles for tests.
package adapter

import (
	"context"
	"time"
)

// Entry is one item returned by Storage.List.
type Entry struct {
	Name  string
	IsDir bool
}

// Storage reads and writes text files. Errors match errs.ErrNotFound,
// errs.ErrPermissionDenied, or one of the read/write failure sentinels.
type Storage interface {
	Read(path string) (string, error)
	Write(path, content string) error
	Exists(path string) bool
	MkdirAll(path string) error
	List(path string) ([]Entry, error)
}

// Status summarizes a working tree.
type Status struct {
	Branch    string
	Clean     bool
	Modified  []string
	Untracked []string
}

// VCS performs version-control operations. CreateWorktree reports
// errs.ErrWorktreeExists and Commit reports errs.ErrNothingToCommit
// distinctly from other failures. Commit limits itself to paths, relative to
// dir, when any are given.
type VCS interface {
	IsRepo(path string) bool
	CreateWorktree(ctx context.Context, name, branch string) (string, error)
	RemoveWorktree(ctx context.Context, name string) error
	WorktreePath(name string) string
	Commit(ctx context.Context, dir, message string, paths ...string) error
	Status(ctx context.Context, dir string) (*Status, error)
}

// CommandResult is the outcome of a command that ran to completion. A
// non-zero exit code is a result, not an error.
type CommandResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Chunk is one piece of streamed command output.
type Chunk struct {
	Source string // "stdout" or "stderr"
	Data   []byte
}

// Stream is a running command. Chunks is closed once all output has been
// delivered; Wait returns after the process has exited. A Stream cannot be
// restarted.
type Stream interface {
	Chunks() <-chan Chunk
	Wait() (*CommandResult, error)
}

// Shell runs commands. Canceling ctx terminates the command and every process
// it started.
type Shell interface {
	Run(ctx context.Context, cmd string, args []string, cwd string) (*CommandResult, error)
	Stream(ctx context.Context, cmd string, args []string, cwd string) (Stream, error)
}

// Mode selects how the agent behaves for one workflow.
type Mode struct {
	Model          string
	MaxTurns       int
	PermissionMode string
	Temperature    float64
	MaxTokens      int
	System         string
}

// Request is one message to the agent.
type Request struct {
	Prompt    string
	Dir       string
	SessionID string
	Mode      Mode
}

// Reply is the agent's answer along with what the exchange cost.
type Reply struct {
	Text      string
	SessionID string
	CostUSD   float64
	Turns     int
}

// Agent exchanges messages with the external conversational agent. Failures
// match errs.ErrAgentAuth, errs.ErrRateLimited, errs.ErrAgentTimeout or
// errs.ErrAgentFailed.
type Agent interface {
	Send(ctx context.Context, req *Request) (*Reply, error)
}

// Renderer renders a named prompt or document template.
type Renderer interface {
	Render(name string, data any) (string, error)
}
