package orchestrator

import (
	"context"
	"errors"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/prompt"
	"github.com/mpataki/mpca/internal/spec"
)

// ExecuteTranscript keeps the implementation exchange's reply.
const ExecuteTranscript = "execute_transcript.md"

func (e *Executor) executeSteps() []step {
	steps := []step{
		{name: "load spec", run: e.loadSpec},
		{name: "create worktree", run: e.createWorktree},
		{name: "implementation exchange", run: e.implement},
	}
	if e.deps.Config.Git.AutoCommit {
		steps = append(steps, step{name: "commit implementation", run: e.commitWork})
	}
	return steps
}

func (e *Executor) loadSpec(ctx context.Context) (usage, error) {
	_, err := spec.Load(e.storage, e.deps.Config.SpecsDir, e.feature)
	return usage{}, err
}

func (e *Executor) createWorktree(ctx context.Context) (usage, error) {
	branch := e.deps.Config.BranchName(e.feature)
	path, err := e.vcs.CreateWorktree(ctx, e.feature, branch)
	if errors.Is(err, errs.ErrWorktreeExists) {
		e.log.Info("worktree exists, reusing it", zap.String("path", path))
		return usage{}, nil
	}
	if err != nil {
		return usage{}, err
	}
	e.log.Info("worktree created", zap.String("path", path), zap.String("branch", branch))
	return usage{}, nil
}

func (e *Executor) implement(ctx context.Context) (usage, error) {
	fs, err := spec.Load(e.storage, e.deps.Config.SpecsDir, e.feature)
	if err != nil {
		return usage{}, err
	}
	data := e.promptContext()
	data.Worktree = e.vcs.WorktreePath(e.feature)
	data.Readme = fs.Readme
	data.Requirements = fs.Requirements
	data.Design = fs.Design
	if fs.Verify != nil {
		data.VerifyPlan = fs.Verify.Body
	}
	data.Resume = e.resumed

	req, err := e.request("execute", prompt.Execute, data, data.Worktree)
	if err != nil {
		return usage{}, err
	}
	text, u, err := e.exchange(ctx, req, false)
	if err != nil {
		return usage{}, err
	}
	path := filepath.Join(spec.DocsDir(e.deps.Config.SpecsDir, e.feature), ExecuteTranscript)
	return u, e.storage.Write(path, text)
}

func (e *Executor) commitWork(ctx context.Context) (usage, error) {
	return usage{}, e.commit(ctx, e.vcs.WorktreePath(e.feature), "mpca: implement "+e.feature)
}
