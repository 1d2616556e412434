// Package mpca is the composition root. A Runtime owns the configuration,
// the adapter set and the run-state store, and exposes one operation per
// workflow. Every operation builds a fresh executor; the Runtime itself
// holds no workflow logic.
package mpca

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/agent"
	"github.com/mpataki/mpca/internal/config"
	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/fsys"
	"github.com/mpataki/mpca/internal/models"
	"github.com/mpataki/mpca/internal/orchestrator"
	"github.com/mpataki/mpca/internal/prompt"
	"github.com/mpataki/mpca/internal/runstate"
	"github.com/mpataki/mpca/internal/shell"
	"github.com/mpataki/mpca/internal/storage"
	"github.com/mpataki/mpca/internal/workspace"
)

// HistoryLimit bounds the attempts History returns.
const HistoryLimit = 20

// Workflow options, forwarded to the executor.
var (
	WithOutput       = orchestrator.WithOutput
	WithConversation = orchestrator.WithConversation
	WithDescription  = orchestrator.WithDescription
)

// Runtime is safe for sequential use by one front-end. The configuration
// and adapters are never modified after New returns.
type Runtime struct {
	cfg     *config.Config
	deps    orchestrator.Deps
	store   *runstate.FileStore
	journal *storage.Journal
	ownsJ   bool
	log     *zap.Logger
}

// Option replaces a collaborator New would otherwise build.
type Option func(*Runtime)

// WithStorage replaces the filesystem adapter.
func WithStorage(s adapter.Storage) Option {
	return func(r *Runtime) { r.deps.Storage = s }
}

// WithVCS replaces the git adapter.
func WithVCS(v adapter.VCS) Option {
	return func(r *Runtime) { r.deps.VCS = v }
}

// WithShell replaces the command runner.
func WithShell(s adapter.Shell) Option {
	return func(r *Runtime) { r.deps.Shell = s }
}

// WithAgent replaces the configured agent backend.
func WithAgent(a adapter.Agent) Option {
	return func(r *Runtime) { r.deps.Agent = a }
}

// WithJournal records attempts in j. The caller keeps ownership.
func WithJournal(j *storage.Journal) Option {
	return func(r *Runtime) { r.journal = j }
}

// New builds a Runtime for cfg. Adapters not supplied through options are
// the real ones; the step journal is opened once the project is initialized.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:   cfg,
		store: runstate.New(cfg.SpecsPath()),
		log:   log.Named("runtime"),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.deps.Storage == nil {
		r.deps.Storage = fsys.New(cfg.RepoRoot)
	}
	if r.deps.VCS == nil {
		r.deps.VCS = workspace.New(cfg.RepoRoot, cfg.TreesPath())
	}
	if r.deps.Shell == nil {
		r.deps.Shell = shell.New(log)
	}
	if r.deps.Agent == nil {
		a, err := agent.New(agent.Options{
			Backend:           cfg.Agent.Backend,
			Command:           cfg.Agent.Command,
			Endpoint:          cfg.Agent.Endpoint,
			APIKeyEnv:         cfg.Agent.APIKeyEnv,
			Timeout:           cfg.Agent.Timeout,
			RequestsPerMinute: cfg.Agent.RequestsPerMinute,
		}, log)
		if err != nil {
			return nil, err
		}
		r.deps.Agent = a
	}
	r.deps.Renderer = prompt.New(cfg.PromptPaths()...)
	r.deps.Config = cfg
	r.deps.Store = r.store
	r.deps.Log = log

	if err := r.openJournal(); err != nil {
		return nil, err
	}
	return r, nil
}

// openJournal opens the sqlite journal when init has created .mpca.
func (r *Runtime) openJournal() error {
	if r.journal == nil && r.cfg.Initialized() {
		j, err := storage.New(r.cfg.JournalPath())
		if err != nil {
			return err
		}
		r.journal = j
		r.ownsJ = true
	}
	if r.journal != nil {
		r.deps.Journal = r.journal
	}
	return nil
}

// Close releases the journal if the Runtime opened it.
func (r *Runtime) Close() error {
	if r.ownsJ && r.journal != nil {
		return r.journal.Close()
	}
	return nil
}

// Config returns the configuration the Runtime was built with.
func (r *Runtime) Config() *config.Config { return r.cfg }

// InitProject initializes the repository when slug is empty, and otherwise
// registers the feature at {init, 0}.
func (r *Runtime) InitProject(ctx context.Context, slug string) (*orchestrator.Result, error) {
	res, err := r.execute(ctx, models.WorkflowInit, slug)
	if err == nil && slug == "" {
		if jerr := r.openJournal(); jerr != nil {
			r.log.Warn("journal unavailable", zap.Error(jerr))
		}
	}
	return res, err
}

// PlanFeature drafts the feature's spec documents.
func (r *Runtime) PlanFeature(ctx context.Context, slug string, opts ...orchestrator.Option) (*orchestrator.Result, error) {
	return r.execute(ctx, models.WorkflowPlan, slug, opts...)
}

// RunFeature implements the planned feature in its worktree.
func (r *Runtime) RunFeature(ctx context.Context, slug string, opts ...orchestrator.Option) (*orchestrator.Result, error) {
	return r.execute(ctx, models.WorkflowExecute, slug, opts...)
}

// VerifyFeature runs the feature's checks.
func (r *Runtime) VerifyFeature(ctx context.Context, slug string, opts ...orchestrator.Option) (*orchestrator.Result, error) {
	return r.execute(ctx, models.WorkflowVerify, slug, opts...)
}

func (r *Runtime) execute(ctx context.Context, w models.Workflow, slug string, opts ...orchestrator.Option) (*orchestrator.Result, error) {
	if w != models.WorkflowInit {
		if err := r.cfg.RequireInitialized(); err != nil {
			return nil, err
		}
	}
	r.log.Debug("invoke", zap.String("workflow", string(w)), zap.String("feature", slug))
	return orchestrator.New(r.deps, w, slug, opts...).Run(ctx)
}

// Chatter returns the chat collaborator for front-ends that hold a session.
func (r *Runtime) Chatter() *orchestrator.Chatter {
	return orchestrator.NewChatter(r.deps)
}

// Chat sends one free-form message. It is not tracked by any run-state
// record. A non-empty sessionID continues an earlier conversation.
func (r *Runtime) Chat(ctx context.Context, message, sessionID string) (*adapter.Reply, error) {
	if err := r.cfg.RequireInitialized(); err != nil {
		return nil, err
	}
	return r.Chatter().Send(ctx, message, sessionID)
}

// Status returns a feature's run-state record.
func (r *Runtime) Status(slug string) (*models.RunState, error) {
	if err := models.ValidateSlug(slug); err != nil {
		return nil, err
	}
	return r.store.Load(slug)
}

// FeatureStatus is one entry of ListFeatures. Err is set when the record
// could not be read.
type FeatureStatus struct {
	Slug  string
	State *models.RunState
	Err   error
}

// ListFeatures returns every feature with a record, sorted by slug.
func (r *Runtime) ListFeatures() ([]FeatureStatus, error) {
	slugs, err := r.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]FeatureStatus, 0, len(slugs))
	for _, slug := range slugs {
		state, err := r.store.Load(slug)
		out = append(out, FeatureStatus{Slug: slug, State: state, Err: err})
	}
	return out, nil
}

// AttemptHistory is one journaled attempt with its steps.
type AttemptHistory struct {
	Attempt *models.Attempt
	Steps   []*models.StepRecord
}

// History returns the feature's most recent attempts, newest first.
func (r *Runtime) History(ctx context.Context, slug string) ([]AttemptHistory, error) {
	if err := models.ValidateSlug(slug); err != nil {
		return nil, err
	}
	if r.journal == nil {
		return nil, errs.Wrap(errs.ErrNotInitialized, "history", r.cfg.JournalPath())
	}
	attempts, err := r.journal.Attempts(ctx, slug, HistoryLimit)
	if err != nil {
		return nil, err
	}
	out := make([]AttemptHistory, 0, len(attempts))
	for _, a := range attempts {
		steps, err := r.journal.Steps(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, AttemptHistory{Attempt: a, Steps: steps})
	}
	return out, nil
}

// DeleteFeature removes the feature's worktree, its spec directory with the
// run-state record, and its journal rows.
func (r *Runtime) DeleteFeature(ctx context.Context, slug string) error {
	if err := models.ValidateSlug(slug); err != nil {
		return err
	}
	if !r.store.Exists(slug) {
		return errs.Wrap(errs.ErrFeatureNotFound, "delete feature", slug)
	}
	log := r.log.With(zap.String("feature", slug))

	if err := r.deps.VCS.RemoveWorktree(ctx, slug); err != nil {
		if !errors.Is(err, errs.ErrWorktreeNotFound) {
			return fmt.Errorf("delete feature %s: %w", slug, err)
		}
		log.Debug("no worktree to remove")
	}
	if err := r.store.Remove(slug); err != nil {
		return err
	}
	if r.journal != nil {
		if err := r.journal.DeleteFeature(ctx, slug); err != nil {
			log.Warn("failed to delete journal rows", zap.Error(err))
		}
	}
	log.Info("feature deleted")
	return nil
}
