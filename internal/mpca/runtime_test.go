package mpca

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/adapter/fake"
	"github.com/mpataki/mpca/internal/config"
	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/logging"
	"github.com/mpataki/mpca/internal/models"
	"github.com/mpataki/mpca/internal/phase"
	"github.com/mpataki/mpca/internal/runstate"
)

const slug = "add-caching"

type mockAgent struct {
	mock.Mock
}

func (m *mockAgent) Send(ctx context.Context, req *adapter.Request) (*adapter.Reply, error) {
	args := m.Called(ctx, req)
	reply, _ := args.Get(0).(*adapter.Reply)
	return reply, args.Error(1)
}

func permissionMode(mode string) any {
	return mock.MatchedBy(func(r *adapter.Request) bool { return r.Mode.PermissionMode == mode })
}

type fixture struct {
	rt    *Runtime
	cfg   *config.Config
	vcs   *fake.VCS
	shell *fake.Shell
	agent *mockAgent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.RepoRoot = t.TempDir()
	log, _ := logging.NewObserved()
	f := &fixture{
		cfg:   cfg,
		vcs:   fake.NewVCS(cfg.TreesDir),
		shell: fake.NewShell(),
		agent: &mockAgent{},
	}
	rt, err := New(cfg, log, WithVCS(f.vcs), WithShell(f.shell), WithAgent(f.agent))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	f.rt = rt
	return f
}

func (f *fixture) initialized(t *testing.T) {
	t.Helper()
	_, err := f.rt.InitProject(context.Background(), "")
	require.NoError(t, err)
}

func failingTests(passed, failed int) string {
	var b strings.Builder
	for i := 0; i < passed; i++ {
		fmt.Fprintf(&b, "--- PASS: TestOK%d (0.00s)\n", i)
	}
	for i := 0; i < failed; i++ {
		fmt.Fprintf(&b, "--- FAIL: TestBad%d (0.01s)\n", i)
	}
	b.WriteString("FAIL\n")
	return b.String()
}

func TestRuntimeLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.rt.InitProject(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, res.State)
	assert.FileExists(t, f.cfg.Path())
	assert.FileExists(t, f.cfg.JournalPath())

	res, err = f.rt.InitProject(ctx, slug)
	require.NoError(t, err)
	assert.Equal(t, phase.Init, res.State.Phase)
	assert.Zero(t, res.State.Step)

	f.agent.On("Send", mock.Anything, permissionMode("plan")).
		Return(&adapter.Reply{Text: "# Design\n\nAn LRU in front of the store.", CostUSD: 0.04, SessionID: "p1"}, nil).Once()
	res, err = f.rt.PlanFeature(ctx, slug, WithDescription("cache product lookups"))
	require.NoError(t, err)
	assert.Equal(t, phase.Plan, res.State.Phase)
	assert.Equal(t, 1, res.State.Turns)
	assert.InDelta(t, 0.04, res.State.CostUSD, 1e-9)

	design, err := os.ReadFile(filepath.Join(f.cfg.SpecsPath(), slug, "specs", models.DesignDoc))
	require.NoError(t, err)
	assert.Contains(t, string(design), "An LRU in front of the store.")

	f.agent.On("Send", mock.Anything, permissionMode("acceptEdits")).
		Return(&adapter.Reply{Text: "implemented", CostUSD: 0.10}, nil).Once()
	res, err = f.rt.RunFeature(ctx, slug)
	require.NoError(t, err)
	assert.Equal(t, phase.Run, res.State.Phase)
	assert.Contains(t, f.vcs.Worktrees(), slug)

	f.shell.Push(1, failingTests(8, 2), nil)
	res, err = f.rt.VerifyFeature(ctx, slug)
	require.ErrorIs(t, err, errs.ErrTestsFailed)
	require.NotNil(t, res.Verify)
	assert.Equal(t, 2, res.Verify.Failed)

	state, err := f.rt.Status(slug)
	require.NoError(t, err)
	assert.Equal(t, phase.Run, state.Phase)
	require.NotNil(t, state.Failure)
	assert.Equal(t, "tests failed: 2 of 10 failed", state.Failure.Message)
	assert.Equal(t, 2, state.Turns)
	f.agent.AssertExpectations(t)

	history, err := f.rt.History(ctx, slug)
	require.NoError(t, err)
	require.Len(t, history, 4)
	latest := history[0]
	assert.Equal(t, models.WorkflowVerify, latest.Attempt.Workflow)
	assert.Equal(t, models.AttemptFailed, latest.Attempt.Status)
	require.Len(t, latest.Steps, 2)
	assert.Equal(t, models.StepComplete, latest.Steps[0].Status)
	assert.Equal(t, models.StepFailed, latest.Steps[1].Status)
	assert.Equal(t, models.WorkflowInit, history[3].Attempt.Workflow)
}

func TestOperationsRequireInit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rt.PlanFeature(ctx, slug)
	assert.ErrorIs(t, err, errs.ErrNotInitialized)
	_, err = f.rt.RunFeature(ctx, slug)
	assert.ErrorIs(t, err, errs.ErrNotInitialized)
	_, err = f.rt.Chat(ctx, "hello", "")
	assert.ErrorIs(t, err, errs.ErrNotInitialized)
	_, err = f.rt.History(ctx, slug)
	assert.ErrorIs(t, err, errs.ErrNotInitialized)
	f.agent.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestInitTwice(t *testing.T) {
	f := newFixture(t)
	f.initialized(t)

	_, err := f.rt.InitProject(context.Background(), "")
	assert.ErrorIs(t, err, errs.ErrAlreadyInitialized)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.RepoRoot = t.TempDir()
	cfg.Agent.Backend = "carrier-pigeon"

	_, err := New(cfg, nil, WithAgent(&mockAgent{}))
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
}

func TestChat(t *testing.T) {
	f := newFixture(t)
	f.initialized(t)

	f.agent.On("Send", mock.Anything, mock.MatchedBy(func(r *adapter.Request) bool {
		return r.Prompt == "what does the cache key on?" && r.SessionID == "s-9" && r.Mode.MaxTurns == 10
	})).Return(&adapter.Reply{Text: "the product id", SessionID: "s-9"}, nil).Once()

	reply, err := f.rt.Chat(context.Background(), "what does the cache key on?", "s-9")
	require.NoError(t, err)
	assert.Equal(t, "the product id", reply.Text)
	f.agent.AssertExpectations(t)

	slugs, err := f.rt.ListFeatures()
	require.NoError(t, err)
	assert.Empty(t, slugs)
}

func TestChatAgentFailure(t *testing.T) {
	f := newFixture(t)
	f.initialized(t)

	f.agent.On("Send", mock.Anything, mock.Anything).
		Return(nil, errs.Withf(errs.ErrRateLimited, "429")).Once()
	_, err := f.rt.Chat(context.Background(), "hi", "")
	require.ErrorIs(t, err, errs.ErrRateLimited)
	assert.True(t, errs.Recoverable(err))
}

func TestListFeatures(t *testing.T) {
	f := newFixture(t)
	f.initialized(t)
	ctx := context.Background()

	for _, s := range []string{"fix-login", "add-caching"} {
		_, err := f.rt.InitProject(ctx, s)
		require.NoError(t, err)
	}
	broken := filepath.Join(f.cfg.SpecsPath(), "fix-login", models.StateFile)
	require.NoError(t, os.WriteFile(broken, []byte("phase = ["), 0o644))

	list, err := f.rt.ListFeatures()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "add-caching", list[0].Slug)
	assert.NoError(t, list[0].Err)
	assert.Equal(t, phase.Init, list[0].State.Phase)
	assert.Equal(t, "fix-login", list[1].Slug)
	assert.ErrorIs(t, list[1].Err, errs.ErrCorruptedState)
}

func TestDeleteFeature(t *testing.T) {
	f := newFixture(t)
	f.initialized(t)
	ctx := context.Background()

	f.agent.On("Send", mock.Anything, mock.Anything).Return(&adapter.Reply{Text: "done", CostUSD: 0.01}, nil)
	_, err := f.rt.PlanFeature(ctx, slug)
	require.NoError(t, err)
	_, err = f.rt.RunFeature(ctx, slug)
	require.NoError(t, err)
	require.Contains(t, f.vcs.Worktrees(), slug)

	require.NoError(t, f.rt.DeleteFeature(ctx, slug))
	assert.NotContains(t, f.vcs.Worktrees(), slug)
	assert.NoDirExists(t, filepath.Join(f.cfg.SpecsPath(), slug))
	_, err = f.rt.Status(slug)
	assert.True(t, runstate.IsNotFound(err))
	history, err := f.rt.History(ctx, slug)
	require.NoError(t, err)
	assert.Empty(t, history)

	err = f.rt.DeleteFeature(ctx, slug)
	assert.ErrorIs(t, err, errs.ErrFeatureNotFound)
	assert.ErrorIs(t, f.rt.DeleteFeature(ctx, "Bad Slug"), errs.ErrInvalidSlug)
}

func TestDeleteWithoutWorktree(t *testing.T) {
	f := newFixture(t)
	f.initialized(t)
	ctx := context.Background()

	_, err := f.rt.InitProject(ctx, slug)
	require.NoError(t, err)
	require.NoError(t, f.rt.DeleteFeature(ctx, slug))
	assert.Equal(t, 1, f.vcs.Count("remove"))

	_, err = f.rt.InitProject(ctx, slug)
	require.NoError(t, err)
	f.vcs.Fail("remove", errs.Wrap(errs.ErrGitCommand, "remove worktree", slug))
	err = f.rt.DeleteFeature(ctx, slug)
	assert.ErrorIs(t, err, errs.ErrGitCommand)
	assert.FileExists(t, filepath.Join(f.cfg.SpecsPath(), slug, models.StateFile))
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func TestPlanCommitsOnlyFeatureDocuments(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
		{"config", "commit.gpgsign", "false"},
	} {
		git(t, root, args...)
	}
	cfg := config.Default()
	cfg.RepoRoot = root
	agent := &mockAgent{}
	agent.On("Send", mock.Anything, permissionMode("plan")).
		Return(&adapter.Reply{Text: "# Design\n\nAn LRU in front of the store.", CostUSD: 0.02}, nil).Once()
	rt, err := New(cfg, nil, WithAgent(agent), WithShell(fake.NewShell()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	ctx := context.Background()

	_, err = rt.InitProject(ctx, "")
	require.NoError(t, err)
	_, err = rt.PlanFeature(ctx, slug)
	require.NoError(t, err)
	require.FileExists(t, cfg.JournalPath())

	files := strings.Fields(git(t, root, "show", "--name-only", "--pretty=format:", "HEAD"))
	assert.Contains(t, files, ".mpca/specs/add-caching/specs/design.md")
	assert.Contains(t, files, ".mpca/specs/add-caching/docs/plan_transcript.md")
	for _, f := range files {
		assert.True(t, strings.HasPrefix(f, ".mpca/specs/add-caching/specs/") ||
			strings.HasPrefix(f, ".mpca/specs/add-caching/docs/"), f)
	}

	ignored := strings.Fields(git(t, root, "check-ignore", ".mpca/journal.db", ".mpca/journal.db-wal", ".mpca/logs/mpca.log"))
	assert.Len(t, ignored, 3)
	untracked := git(t, root, "status", "--porcelain", "--untracked-files=all")
	assert.NotContains(t, untracked, "journal.db")
	assert.Contains(t, untracked, ".mpca/specs/add-caching/state.toml")
	agent.AssertExpectations(t)
}
