package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/config"
	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/hooks"
	"github.com/mpataki/mpca/internal/models"
	"github.com/mpataki/mpca/internal/policy"
	"github.com/mpataki/mpca/internal/prompt"
	"github.com/mpataki/mpca/internal/spec"
)

// VerifyOutcome summarizes one verification run.
type VerifyOutcome struct {
	Checks     []prompt.CheckResult
	Passed     int
	Failed     int
	Total      int
	Source     string
	ReportPath string
	LogPath    string
}

// Success reports whether every check passed.
func (v *VerifyOutcome) Success() bool { return v.Failed == 0 }

// Where the checks for a verification come from.
const (
	SourceHook   = "hook"
	SourceSpec   = "verify.md"
	SourceConfig = "config"
)

func (e *Executor) verifySteps() []step {
	return []step{
		{name: "load verification plan", run: e.loadVerifyPlan},
		{name: "run checks", run: e.runChecks},
	}
}

func (e *Executor) loadVerifyPlan(ctx context.Context) (usage, error) {
	_, err := spec.LoadVerify(e.storage, e.deps.Config.SpecsDir, e.feature)
	return usage{}, err
}

// runChecks runs every check, writes the report and the combined output,
// and fails when any test failed.
func (e *Executor) runChecks(ctx context.Context) (usage, error) {
	plan, err := spec.LoadVerify(e.storage, e.deps.Config.SpecsDir, e.feature)
	if err != nil {
		return usage{}, err
	}
	hook, err := e.loadHook()
	if err != nil {
		return usage{}, err
	}
	if hook != nil {
		defer hook.Close()
	}

	checks, source, err := e.resolveChecks(ctx, hook, plan)
	if err != nil {
		return usage{}, err
	}
	if len(checks) == 0 {
		return usage{}, errs.Withf(errs.ErrVerificationFailed, "no checks configured")
	}

	dir := e.checkDir()
	out := &VerifyOutcome{Source: source}
	var log strings.Builder
	for _, c := range checks {
		res, err := e.runCheck(ctx, c, dir)
		if err != nil {
			return usage{}, err
		}
		passed, failed := countTests(res.Output, res.ExitCode)
		if hook != nil && hook.HasEvaluate() {
			passed, failed, err = hook.Evaluate(ctx, c.Name, res.ExitCode, res.Output)
			if err != nil {
				return usage{}, err
			}
		}
		out.Checks = append(out.Checks, prompt.CheckResult{
			Name:     c.Name,
			Command:  commandLine(c),
			ExitCode: res.ExitCode,
			Passed:   passed,
			Failed:   failed,
			Output:   res.Output,
		})
		out.Passed += passed
		out.Failed += failed
		fmt.Fprintf(&log, "$ %s\n%s\n[exit %d]\n\n", commandLine(c), res.Output, res.ExitCode)
		e.log.Info("check finished", zap.String("check", c.Name), zap.Int("exit_code", res.ExitCode),
			zap.Int("passed", passed), zap.Int("failed", failed))
	}
	out.Total = out.Passed + out.Failed
	e.verify = out

	if err := e.writeReport(out, dir, log.String()); err != nil {
		return usage{}, err
	}
	if !out.Success() {
		return usage{}, errs.Withf(errs.ErrTestsFailed, "%d of %d failed", out.Failed, out.Total)
	}
	return usage{}, nil
}

// loadHook returns the verify hook when the project has one.
func (e *Executor) loadHook() (*hooks.Runtime, error) {
	path := filepath.Join(config.DirName, "hooks", hooks.VerifyScript)
	if ok, err := e.storage.Stat(path); !ok || err != nil {
		return nil, err
	}
	src, err := e.storage.Read(path)
	if err != nil {
		return nil, err
	}
	return hooks.Load(path, src, e.log)
}

// resolveChecks picks the checks from the hook, then verify.md, then the
// project configuration.
func (e *Executor) resolveChecks(ctx context.Context, hook *hooks.Runtime, plan *models.VerifyPlan) ([]models.Check, string, error) {
	if hook != nil && hook.HasChecks() {
		checks, err := hook.Checks(ctx, e.feature)
		return checks, SourceHook, err
	}
	if len(plan.Checks) > 0 {
		return plan.Checks, SourceSpec, nil
	}
	return e.deps.Config.Verify.Commands, SourceConfig, nil
}

// checkDir is the feature's worktree when it exists, else the repository.
func (e *Executor) checkDir() string {
	if wt := e.vcs.WorktreePath(e.feature); e.storage.Exists(wt) {
		if filepath.IsAbs(wt) {
			return wt
		}
		return filepath.Join(e.deps.Config.RepoRoot, wt)
	}
	return e.deps.Config.RepoRoot
}

// runCheck runs one check under the verification timeout, relaying output
// live when an output sink is set and streaming is permitted.
func (e *Executor) runCheck(ctx context.Context, c models.Check, dir string) (*adapter.CommandResult, error) {
	if t := e.deps.Config.Verify.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	var (
		res *adapter.CommandResult
		err error
	)
	if e.output != nil && e.policy.Allows(policy.ShellStream) {
		res, err = e.stream(ctx, c, dir)
	} else {
		res, err = e.shell.Run(ctx, c.Cmd, c.Args, dir)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errs.Withf(errs.ErrVerificationTimeout, "%s after %s", c.Name, e.deps.Config.Verify.Timeout)
		}
		return nil, err
	}
	return res, nil
}

func (e *Executor) stream(ctx context.Context, c models.Check, dir string) (*adapter.CommandResult, error) {
	st, err := e.shell.Stream(ctx, c.Cmd, c.Args, dir)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(e.output, "$ %s\n", commandLine(c))
	for chunk := range st.Chunks() {
		if _, werr := e.output.Write(chunk.Data); werr != nil {
			e.log.Debug("output sink write failed", zap.Error(werr))
		}
	}
	return st.Wait()
}

func (e *Executor) writeReport(out *VerifyOutcome, dir, log string) error {
	featureDir := filepath.Join(e.deps.Config.SpecsDir, e.feature)
	out.LogPath = filepath.Join(featureDir, models.TestLogDoc)
	out.ReportPath = filepath.Join(featureDir, models.ReportDoc)

	if err := e.storage.Write(out.LogPath, log); err != nil {
		return err
	}
	data := e.promptContext()
	data.Worktree = dir
	data.Checks = out.Checks
	data.Passed = out.Passed
	data.Failed = out.Failed
	data.Total = out.Total
	report, err := e.deps.Renderer.Render(prompt.Report, data)
	if err != nil {
		return err
	}
	return e.storage.Write(out.ReportPath, report)
}

func commandLine(c models.Check) string {
	return strings.TrimSpace(c.Cmd + " " + strings.Join(c.Args, " "))
}
