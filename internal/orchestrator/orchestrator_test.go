package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/adapter/fake"
	"github.com/mpataki/mpca/internal/config"
	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/logging"
	"github.com/mpataki/mpca/internal/models"
	"github.com/mpataki/mpca/internal/phase"
	"github.com/mpataki/mpca/internal/policy"
	"github.com/mpataki/mpca/internal/prompt"
	"github.com/mpataki/mpca/internal/runstate"
	"github.com/mpataki/mpca/internal/storage"
)

const slug = "add-caching"

type harness struct {
	cfg     *config.Config
	storage *fake.Storage
	vcs     *fake.VCS
	shell   *fake.Shell
	agent   *fake.Agent
	store   *runstate.FileStore
	logs    *observer.ObservedLogs
	deps    Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.RepoRoot = t.TempDir()
	log, logs := logging.NewObserved()
	h := &harness{
		cfg:     cfg,
		storage: fake.NewStorage(),
		vcs:     fake.NewVCS(cfg.TreesDir),
		shell:   fake.NewShell(),
		agent:   fake.NewAgent(),
		store:   runstate.New(cfg.SpecsPath()),
		logs:    logs,
	}
	h.deps = Deps{
		Config:   cfg,
		Storage:  h.storage,
		VCS:      h.vcs,
		Shell:    h.shell,
		Agent:    h.agent,
		Renderer: prompt.New(),
		Store:    h.store,
		Log:      log,
	}
	return h
}

func (h *harness) run(t *testing.T, w models.Workflow, opts ...Option) (*Result, error) {
	t.Helper()
	return New(h.deps, w, slug, opts...).Run(context.Background())
}

func (h *harness) load(t *testing.T) *models.RunState {
	t.Helper()
	state, err := h.store.Load(slug)
	require.NoError(t, err)
	return state
}

// goTestOutput fakes verbose go test output with the given counts.
func goTestOutput(passed, failed int) string {
	var b strings.Builder
	for i := 0; i < passed; i++ {
		fmt.Fprintf(&b, "=== RUN   TestPass%d\n--- PASS: TestPass%d (0.00s)\n", i, i)
	}
	for i := 0; i < failed; i++ {
		fmt.Fprintf(&b, "=== RUN   TestFail%d\n    cache_test.go:12: wrong value\n--- FAIL: TestFail%d (0.00s)\n", i, i)
	}
	if failed > 0 {
		b.WriteString("FAIL\nFAIL\texample.com/shop/cache\t0.012s\n")
	} else {
		b.WriteString("PASS\nok  \texample.com/shop/cache\t0.012s\n")
	}
	return b.String()
}

func TestLifecycleAddCaching(t *testing.T) {
	h := newHarness(t)

	res, err := h.run(t, models.WorkflowInit)
	require.NoError(t, err)
	assert.Equal(t, 2, res.StepsRun)
	assert.True(t, h.storage.Dir(".mpca/specs/add-caching"))
	for _, c := range h.storage.Calls() {
		if c.Op == "write" {
			assert.NotContains(t, []string{"CLAUDE.md", ".gitignore", ".mpca/config.yaml"}, c.Args[0])
		}
	}
	state := h.load(t)
	assert.Equal(t, phase.Init, state.Phase)
	assert.Zero(t, state.Step)
	assert.Empty(t, state.Workflow)

	h.agent.Reply("# Design: add-caching\n\nUse an LRU in front of the product store.", 0.05)
	res, err = h.run(t, models.WorkflowPlan, WithDescription("cache product lookups"))
	require.NoError(t, err)
	assert.Equal(t, 7, res.StepsRun)
	state = h.load(t)
	assert.Equal(t, phase.Plan, state.Phase)
	assert.Equal(t, 1, state.Turns)
	assert.InDelta(t, 0.05, state.CostUSD, 1e-9)
	assert.Nil(t, state.Failure)

	design, ok := h.storage.File(".mpca/specs/add-caching/specs/design.md")
	require.True(t, ok)
	assert.Contains(t, design, "Use an LRU")
	readme, _ := h.storage.File(".mpca/specs/add-caching/specs/README.md")
	assert.Contains(t, readme, "cache product lookups")
	assert.Equal(t, []string{"mpca: plan add-caching"}, h.vcs.Commits())
	commit := lastCall(t, h.vcs.Calls(), "commit")
	assert.Equal(t, []string{h.cfg.RepoRoot, "mpca: plan add-caching",
		".mpca/specs/add-caching/specs", ".mpca/specs/add-caching/docs"}, commit.Args)

	reqs := h.agent.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "plan", reqs[0].Mode.PermissionMode)
	assert.Contains(t, reqs[0].Mode.System, "You are planning")

	res, err = h.run(t, models.WorkflowExecute)
	require.NoError(t, err)
	state = h.load(t)
	assert.Equal(t, phase.Run, state.Phase)
	assert.Equal(t, 2, state.Turns)
	assert.Equal(t, map[string]string{slug: "feature/add-caching"}, h.vcs.Worktrees())
	reqs = h.agent.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, ".trees/add-caching", reqs[1].Dir)
	assert.Contains(t, reqs[1].Prompt, "Use an LRU")

	h.shell.Push(1, goTestOutput(8, 2), nil)
	res, err = h.run(t, models.WorkflowVerify)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTestsFailed)
	assert.Contains(t, err.Error(), "feature add-caching")
	require.NotNil(t, res.Verify)
	assert.Equal(t, 8, res.Verify.Passed)
	assert.Equal(t, 2, res.Verify.Failed)
	assert.Equal(t, SourceConfig, res.Verify.Source)

	state = h.load(t)
	assert.Equal(t, phase.Run, state.Phase)
	assert.Equal(t, models.WorkflowVerify, state.Workflow)
	require.NotNil(t, state.Failure)
	assert.Equal(t, "tests failed: 2 of 10 failed", state.Failure.Message)
	assert.Equal(t, string(errs.KindVerification), state.Failure.Kind)
	report, ok := h.storage.File(".mpca/specs/add-caching/verification_report.md")
	require.True(t, ok)
	assert.Contains(t, report, "FAILED (8 passed, 2 failed, 10 total)")
	testLog, _ := h.storage.File(".mpca/specs/add-caching/last_test_output.log")
	assert.Contains(t, testLog, "--- FAIL: TestFail1")

	h.shell.Push(0, goTestOutput(10, 0), nil)
	res, err = h.run(t, models.WorkflowVerify)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.True(t, res.Verify.Success())
	state = h.load(t)
	assert.Equal(t, phase.Verify, state.Phase)
	assert.Nil(t, state.Failure)
	assert.Equal(t, 2, state.Turns)
}

func TestProjectInit(t *testing.T) {
	h := newHarness(t)
	h.storage.Put(".gitignore", "bin/\n")
	h.storage.Put("CLAUDE.md", "# Shop\n\nHouse rules.\n")

	res, err := New(h.deps, models.WorkflowInit, "").Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.StepsRun)
	assert.Nil(t, res.State)

	for _, dir := range []string{".mpca", ".mpca/specs", ".trees", ".mpca/logs", ".mpca/hooks"} {
		assert.True(t, h.storage.Dir(dir), dir)
	}
	cfgFile, ok := h.storage.File(".mpca/config.yaml")
	require.True(t, ok)
	assert.Contains(t, cfgFile, "trees_dir: .trees")

	ignore, _ := h.storage.File(".gitignore")
	assert.Equal(t, "bin/\n\n# mpca worktrees\n/.trees/\n", ignore)
	local, _ := h.storage.File(".mpca/.gitignore")
	assert.Equal(t, "# mpca local state\n/journal.db*\n/logs/\n*.corrupt-*\n", local)
	claude, _ := h.storage.File("CLAUDE.md")
	assert.True(t, strings.HasPrefix(claude, "# Shop\n\nHouse rules.\n\n<!-- mpca:begin -->"))
	assert.Equal(t, 1, strings.Count(claude, "<!-- mpca:begin -->"))

	// A second run leaves an existing pattern and section in place.
	_, err = New(h.deps, models.WorkflowInit, "").Run(context.Background())
	require.NoError(t, err)
	again, _ := h.storage.File(".gitignore")
	assert.Equal(t, ignore, again)
	localAgain, _ := h.storage.File(".mpca/.gitignore")
	assert.Equal(t, local, localAgain)
	claudeAgain, _ := h.storage.File("CLAUDE.md")
	assert.Equal(t, claude, claudeAgain)

	require.NoError(t, os.MkdirAll(h.cfg.MpcaDir(), 0o755))
	require.NoError(t, os.WriteFile(h.cfg.Path(), []byte("{}\n"), 0o644))
	_, err = New(h.deps, models.WorkflowInit, "").Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrAlreadyInitialized)
}

func TestLocalIgnoreKeepsExistingPatterns(t *testing.T) {
	h := newHarness(t)
	h.storage.Put(".mpca/.gitignore", "*.db*\nlogs")

	_, err := New(h.deps, models.WorkflowInit, "").Run(context.Background())
	require.NoError(t, err)
	local, _ := h.storage.File(".mpca/.gitignore")
	assert.Equal(t, "*.db*\nlogs\n\n# mpca local state\n*.corrupt-*\n", local)
}

// lastCall returns the most recent recorded call to op.
func lastCall(t *testing.T, calls []fake.Call, op string) fake.Call {
	t.Helper()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Op == op {
			return calls[i]
		}
	}
	require.FailNow(t, "no call", op)
	return fake.Call{}
}

func TestInitOutsideRepository(t *testing.T) {
	h := newHarness(t)
	h.vcs.SetRepo(false)

	_, err := h.run(t, models.WorkflowInit)
	require.ErrorIs(t, err, errs.ErrNotGitRepo)
	state := h.load(t)
	assert.Zero(t, state.Step)
	require.NotNil(t, state.Failure)
	assert.Equal(t, string(errs.KindInitialization), state.Failure.Kind)
	assert.Equal(t, models.WorkflowInit, state.Workflow)
}

func TestSpliceSection(t *testing.T) {
	section := "<!-- mpca:begin -->\nnew\n<!-- mpca:end -->"
	assert.Equal(t, section+"\n", spliceSection("", section))
	assert.Equal(t, "top\n\n"+section+"\n", spliceSection("top", section))
	assert.Equal(t, "a\n"+section+"\nb\n",
		spliceSection("a\n<!-- mpca:begin -->\nold\n<!-- mpca:end -->\nb\n", section))
}

func TestInvalidSlugTouchesNothing(t *testing.T) {
	h := newHarness(t)
	for _, bad := range []string{"Add-Caching", "add caching", "add_caching", "ab", "add--caching", "../etc"} {
		_, err := New(h.deps, models.WorkflowPlan, bad).Run(context.Background())
		require.ErrorIs(t, err, errs.ErrInvalidSlug, bad)
	}
	assert.Empty(t, h.storage.Calls())
	assert.Empty(t, h.vcs.Calls())
	assert.Empty(t, h.agent.Calls())
	_, err := os.Stat(h.cfg.SpecsPath())
	assert.True(t, os.IsNotExist(err))
}

func TestWorkflowsRequireFeature(t *testing.T) {
	h := newHarness(t)
	_, err := New(h.deps, models.WorkflowPlan, "").Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrInvalidSlug)
}

func TestTransitionsAreGuarded(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, models.WorkflowExecute)
	require.ErrorIs(t, err, errs.ErrFeatureNotFound)

	_, err = h.run(t, models.WorkflowInit)
	require.NoError(t, err)
	before := h.load(t)

	for _, w := range []models.Workflow{models.WorkflowExecute, models.WorkflowVerify} {
		_, err = h.run(t, w)
		require.ErrorIs(t, err, errs.ErrInvalidTransition, w)
		assert.Contains(t, err.Error(), "init")
	}
	assert.Equal(t, before, h.load(t))
	assert.Zero(t, h.agent.Count("send"))
}

func TestPlanTwiceIsNoop(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, models.WorkflowPlan)
	require.NoError(t, err)
	planned := h.load(t)
	assert.Equal(t, phase.Plan, planned.Phase)

	res, err := h.run(t, models.WorkflowPlan)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.StepsRun)
	assert.Equal(t, 1, h.agent.Count("send"))
	assert.Equal(t, planned, h.load(t))

	// Init on a planned feature does not move it backwards either.
	res, err = h.run(t, models.WorkflowInit)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, phase.Plan, h.load(t).Phase)
}

// flakyStore fails the nth Save, as if the process died right after a
// step's side effect.
type flakyStore struct {
	*runstate.FileStore
	failOn int
	saves  int
}

func (f *flakyStore) Save(state *models.RunState) error {
	f.saves++
	if f.saves == f.failOn {
		return errs.Wrap(errs.ErrWriteFailed, "save run state", state.FeatureSlug)
	}
	return f.FileStore.Save(state)
}

func TestCrashAfterStepLeavesPriorCheckpoint(t *testing.T) {
	h := newHarness(t)
	// Saves: begin, scaffold, exchange.
	h.deps.Store = &flakyStore{FileStore: h.store, failOn: 3}

	_, err := h.run(t, models.WorkflowPlan)
	require.ErrorIs(t, err, errs.ErrWriteFailed)
	assert.Equal(t, 1, h.agent.Count("send"))

	// The exchange is not counted as done, but what it spent is kept.
	state := h.load(t)
	assert.Equal(t, phase.Init, state.Phase)
	assert.Equal(t, models.WorkflowPlan, state.Workflow)
	assert.Equal(t, 1, state.Step)
	assert.Equal(t, 1, state.Turns)
	assert.Positive(t, state.CostUSD)
	require.NotNil(t, state.Failure)
	assert.Equal(t, 1, state.Failure.Step)

	h.deps.Store = h.store
	res, err := h.run(t, models.WorkflowPlan)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, 6, res.StepsRun)
	assert.Equal(t, 2, h.agent.Count("send"))
	state = h.load(t)
	assert.Equal(t, phase.Plan, state.Phase)
	assert.Equal(t, 2, state.Turns)
	assert.Nil(t, state.Failure)
}

func TestResumeSkipsDurableSteps(t *testing.T) {
	h := newHarness(t)
	h.vcs.Fail("commit", errs.Wrap(errs.ErrGitCommand, "commit", "."))

	_, err := h.run(t, models.WorkflowPlan)
	require.ErrorIs(t, err, errs.ErrGitCommand)
	state := h.load(t)
	assert.Equal(t, 6, state.Step)
	assert.Equal(t, 1, state.Turns)
	assert.Equal(t, string(errs.KindVersionControl), state.Failure.Kind)

	// Re-invoking without fixing anything keeps the marker.
	_, err = h.run(t, models.WorkflowPlan)
	require.Error(t, err)
	require.NotNil(t, h.load(t).Failure)

	h.vcs.Fail("commit", nil)
	res, err := h.run(t, models.WorkflowPlan)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StepsRun)
	assert.Equal(t, 1, h.agent.Count("send"))
	state = h.load(t)
	assert.Equal(t, phase.Plan, state.Phase)
	assert.Equal(t, 1, state.Turns)
	assert.Nil(t, state.Failure)
}

func TestNothingToCommitIsSuccess(t *testing.T) {
	h := newHarness(t)
	h.vcs.SetDirty(false)
	_, err := h.run(t, models.WorkflowPlan)
	require.NoError(t, err)
	assert.Empty(t, h.vcs.Commits())
}

func TestRetryEdgeFromVerify(t *testing.T) {
	h := newHarness(t)
	for _, w := range []models.Workflow{models.WorkflowPlan, models.WorkflowExecute, models.WorkflowVerify} {
		_, err := h.run(t, w)
		require.NoError(t, err, w)
	}
	verified := h.load(t)
	require.Equal(t, phase.Verify, verified.Phase)
	verified.Failure = &models.Failure{Kind: string(errs.KindVerification), Message: "tests failed: 1 of 3 failed"}
	require.NoError(t, h.store.Save(verified))

	design := ".mpca/specs/add-caching/specs/design.md"
	h.storage.Fail("read", design, errs.Wrap(errs.ErrPermissionDenied, "read", design))
	_, err := h.run(t, models.WorkflowExecute)
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
	state := h.load(t)
	assert.Equal(t, phase.Verify, state.Phase)
	require.NotNil(t, state.Failure)
	assert.Equal(t, string(errs.KindStorage), state.Failure.Kind)

	h.storage.ClearFailures()
	_, err = h.run(t, models.WorkflowExecute)
	require.NoError(t, err)
	state = h.load(t)
	assert.Equal(t, phase.Run, state.Phase)
	assert.Nil(t, state.Failure)
	assert.Equal(t, 2, h.vcs.Count("worktree"))
}

func TestVerifyRefusedWhileRetryPending(t *testing.T) {
	h := newHarness(t)
	for _, w := range []models.Workflow{models.WorkflowPlan, models.WorkflowExecute, models.WorkflowVerify} {
		_, err := h.run(t, w)
		require.NoError(t, err, w)
	}
	design := ".mpca/specs/add-caching/specs/design.md"
	h.storage.Fail("read", design, errs.Wrap(errs.ErrPermissionDenied, "read", design))
	_, err := h.run(t, models.WorkflowExecute)
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
	pending := h.load(t)
	require.Equal(t, phase.Verify, pending.Phase)
	require.Equal(t, models.WorkflowExecute, pending.Workflow)
	h.storage.ClearFailures()
	runs := h.shell.Count("run") + h.shell.Count("stream")

	res, err := h.run(t, models.WorkflowVerify)
	require.ErrorIs(t, err, errs.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "execute is pending")
	assert.False(t, res.Skipped)
	assert.Equal(t, runs, h.shell.Count("run")+h.shell.Count("stream"))
	assert.Equal(t, pending, h.load(t))

	// Earlier phases still skip.
	res, err = h.run(t, models.WorkflowPlan)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	_, err = h.run(t, models.WorkflowExecute)
	require.NoError(t, err)
	h.shell.Push(0, goTestOutput(3, 0), nil)
	res, err = h.run(t, models.WorkflowVerify)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.True(t, res.Verify.Success())
}

func TestTranscriptWriteFailureKeepsUsage(t *testing.T) {
	h := newHarness(t)
	transcript := ".mpca/specs/add-caching/docs/plan_transcript.md"
	h.storage.Fail("write", transcript, errs.Wrap(errs.ErrWriteFailed, "write", transcript))
	h.agent.Reply("# Design\n\ndraft", 0.07)

	_, err := h.run(t, models.WorkflowPlan)
	require.ErrorIs(t, err, errs.ErrWriteFailed)
	state := h.load(t)
	assert.Equal(t, 1, state.Step)
	assert.Equal(t, 1, state.Turns)
	assert.InDelta(t, 0.07, state.CostUSD, 1e-9)
	require.NotNil(t, state.Failure)

	h.storage.ClearFailures()
	h.agent.Reply("# Design\n\nfinal", 0.03)
	_, err = h.run(t, models.WorkflowPlan)
	require.NoError(t, err)
	state = h.load(t)
	assert.Equal(t, phase.Plan, state.Phase)
	assert.Equal(t, 2, state.Turns)
	assert.InDelta(t, 0.10, state.CostUSD, 1e-9)
}

func TestRunAfterFailedVerify(t *testing.T) {
	h := newHarness(t)
	for _, w := range []models.Workflow{models.WorkflowPlan, models.WorkflowExecute} {
		_, err := h.run(t, w)
		require.NoError(t, err)
	}
	h.shell.Push(1, goTestOutput(2, 1), nil)
	_, err := h.run(t, models.WorkflowVerify)
	require.ErrorIs(t, err, errs.ErrTestsFailed)

	res, err := h.run(t, models.WorkflowExecute)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.False(t, res.Resumed)
	state := h.load(t)
	assert.Equal(t, phase.Run, state.Phase)
	assert.Empty(t, state.Workflow)
	assert.Nil(t, state.Failure)
}

func TestToolPolicyDeniesBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workflows[string(models.WorkflowPlan)] = config.WorkflowConfig{Tools: "minimal"}

	_, err := h.run(t, models.WorkflowPlan)
	require.ErrorIs(t, err, errs.ErrToolNotPermitted)
	assert.Zero(t, h.agent.Count("send"))
	state := h.load(t)
	assert.Equal(t, string(errs.KindPolicy), state.Failure.Kind)
	assert.Equal(t, 1, state.Step)
}

func TestDeniedRepositoryQueryIsAPolicyError(t *testing.T) {
	h := newHarness(t)
	ex := New(h.deps, models.WorkflowInit, slug)
	ex.vcs.Policy = policy.ToolPolicy("none")

	_, err := ex.Run(context.Background())
	require.ErrorIs(t, err, errs.ErrToolNotPermitted)
	assert.NotErrorIs(t, err, errs.ErrNotGitRepo)
	assert.Zero(t, h.vcs.Count("is_repo"))
	assert.Equal(t, string(errs.KindPolicy), h.load(t).Failure.Kind)
}

func TestCorruptedRecord(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, models.WorkflowInit)
	require.NoError(t, err)
	garbage := []byte("feature_slug = \"add-caching\"\nphase = \"sideways\"\n")
	require.NoError(t, os.WriteFile(h.store.Path(slug), garbage, 0o644))

	_, err = h.run(t, models.WorkflowPlan)
	require.ErrorIs(t, err, errs.ErrCorruptedState)
	data, err := os.ReadFile(h.store.Path(slug))
	require.NoError(t, err)
	assert.Equal(t, garbage, data)
	assert.Zero(t, h.agent.Count("send"))

	h.cfg.State.OnCorrupt = config.OnCorruptArchive
	res, err := h.run(t, models.WorkflowPlan)
	require.NoError(t, err)
	require.NotEmpty(t, res.Archived)
	archived, err := os.ReadFile(res.Archived)
	require.NoError(t, err)
	assert.Equal(t, garbage, archived)
	assert.Equal(t, phase.Plan, h.load(t).Phase)
	assert.Equal(t, 1, h.logs.FilterMessage("archived corrupted run state").Len())
}

// cancelOnWrite cancels the run once the first output arrives.
type cancelOnWrite struct {
	cancel context.CancelFunc
	buf    strings.Builder
}

func (c *cancelOnWrite) Write(p []byte) (int, error) {
	c.buf.Write(p)
	if strings.Contains(c.buf.String(), "running") {
		c.cancel()
	}
	return len(p), nil
}

func TestStreamCancelInterrupts(t *testing.T) {
	h := newHarness(t)
	for _, w := range []models.Workflow{models.WorkflowPlan, models.WorkflowExecute} {
		_, err := h.run(t, w)
		require.NoError(t, err)
	}
	before := h.load(t)

	script := &fake.StreamScript{Chunks: []string{"=== RUN   TestSlow\n", "running\n"}, Hold: true}
	h.shell.PushStream(script)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &cancelOnWrite{cancel: cancel}

	_, err := New(h.deps, models.WorkflowVerify, slug, WithOutput(sink)).Run(ctx)
	require.ErrorIs(t, err, errs.ErrInterrupted)
	assert.True(t, script.Killed())
	assert.Contains(t, sink.buf.String(), "$ go test ./...")
	assert.Zero(t, h.shell.Count("run"))

	state := h.load(t)
	assert.Equal(t, phase.Run, state.Phase)
	assert.Equal(t, 1, state.Step)
	assert.Equal(t, before.Turns, state.Turns)
	require.NotNil(t, state.Failure)
	assert.Equal(t, string(errs.KindInterrupted), state.Failure.Kind)
	_, ok := h.storage.File(".mpca/specs/add-caching/verification_report.md")
	assert.False(t, ok)
}

func TestConversationApproveAccountsEveryExchange(t *testing.T) {
	h := newHarness(t)
	h.agent.Reply("first draft", 0.02)
	h.agent.Reply("# Design\n\nfinal", 0.03)

	converse := func(ctx context.Context, ag adapter.Agent, opening *adapter.Request) (string, error) {
		if _, err := ag.Send(ctx, opening); err != nil {
			return "", err
		}
		reply, err := ag.Send(ctx, &adapter.Request{Prompt: "make it smaller", SessionID: "session-1"})
		if err != nil {
			return "", err
		}
		return reply.Text, nil
	}
	_, err := h.run(t, models.WorkflowPlan, WithConversation(converse))
	require.NoError(t, err)

	state := h.load(t)
	assert.Equal(t, 2, state.Turns)
	assert.InDelta(t, 0.05, state.CostUSD, 1e-9)
	design, _ := h.storage.File(".mpca/specs/add-caching/specs/design.md")
	assert.Equal(t, "# Design\n\nfinal\n", design)

	reqs := h.agent.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].Mode, reqs[1].Mode)
	assert.Equal(t, h.cfg.RepoRoot, reqs[1].Dir)
}

func TestConversationQuitInterrupts(t *testing.T) {
	h := newHarness(t)
	converse := func(ctx context.Context, ag adapter.Agent, opening *adapter.Request) (string, error) {
		if _, err := ag.Send(ctx, opening); err != nil {
			return "", err
		}
		return "", fmt.Errorf("user quit: %w", errs.ErrInterrupted)
	}
	_, err := h.run(t, models.WorkflowPlan, WithConversation(converse))
	require.ErrorIs(t, err, errs.ErrInterrupted)

	state := h.load(t)
	assert.Equal(t, phase.Init, state.Phase)
	assert.Equal(t, 1, state.Step)
	assert.Equal(t, 1, state.Turns)
	require.NotNil(t, state.Failure)
	assert.Equal(t, string(errs.KindInterrupted), state.Failure.Kind)
}

func TestAgentErrorsKeepTheirKind(t *testing.T) {
	h := newHarness(t)
	h.agent.Fail(errs.Withf(errs.ErrRateLimited, "429"))
	_, err := h.run(t, models.WorkflowPlan)
	require.ErrorIs(t, err, errs.ErrRateLimited)
	assert.True(t, errs.Recoverable(err))
	assert.Equal(t, string(errs.KindAgent), h.load(t).Failure.Kind)
}

func TestExecuteRequiresDesign(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, models.WorkflowPlan)
	require.NoError(t, err)
	design := ".mpca/specs/add-caching/specs/design.md"
	h.storage.Fail("read", design, errs.Wrap(errs.ErrNotFound, "read", design))

	_, err = h.run(t, models.WorkflowExecute)
	require.ErrorIs(t, err, errs.ErrSpecMissing)
	assert.Zero(t, h.vcs.Count("worktree"))
}

func TestWorktreeExistsIsSkipped(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, models.WorkflowPlan)
	require.NoError(t, err)
	_, err = h.vcs.CreateWorktree(context.Background(), slug, "feature/add-caching")
	require.NoError(t, err)

	_, err = h.run(t, models.WorkflowExecute)
	require.NoError(t, err)
	assert.Equal(t, phase.Run, h.load(t).Phase)
}

func TestJournalRecordsAttempts(t *testing.T) {
	h := newHarness(t)
	j, err := storage.New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()
	h.deps.Journal = j
	ctx := context.Background()

	_, err = h.run(t, models.WorkflowPlan)
	require.NoError(t, err)
	_, err = h.run(t, models.WorkflowPlan)
	require.NoError(t, err)
	h.agent.Fail(errs.Withf(errs.ErrAgentFailed, "boom"))
	_, err = h.run(t, models.WorkflowExecute)
	require.Error(t, err)

	attempts, err := j.Attempts(ctx, slug, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, models.AttemptFailed, attempts[0].Status)
	assert.Contains(t, attempts[0].Error, "boom")
	assert.Equal(t, models.AttemptSkipped, attempts[1].Status)
	assert.Equal(t, models.AttemptComplete, attempts[2].Status)

	steps, err := j.Steps(ctx, attempts[2].ID)
	require.NoError(t, err)
	require.Len(t, steps, 7)
	assert.Equal(t, "planning exchange", steps[1].Name)
	assert.Equal(t, 1, steps[1].Turns)

	failed, err := j.Steps(ctx, attempts[0].ID)
	require.NoError(t, err)
	require.Len(t, failed, 3)
	assert.Equal(t, models.StepFailed, failed[2].Status)
}

func TestJournalFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.deps.Journal = brokenJournal{}
	_, err := h.run(t, models.WorkflowPlan)
	require.NoError(t, err)
	assert.Equal(t, 1, h.logs.FilterMessage("journal: begin attempt").Len())
}

type brokenJournal struct{}

func (brokenJournal) BeginAttempt(context.Context, string, models.Workflow) (*models.Attempt, error) {
	return nil, errors.New("disk full")
}

func (brokenJournal) RecordStep(context.Context, *models.StepRecord) error { return nil }

func (brokenJournal) FinishAttempt(context.Context, string, models.AttemptStatus, string) error {
	return nil
}
