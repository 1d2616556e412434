// Package orchestrator drives one workflow for one feature through its
// ordered steps, persisting the run-state record after every step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/config"
	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/models"
	"github.com/mpataki/mpca/internal/phase"
	"github.com/mpataki/mpca/internal/policy"
	"github.com/mpataki/mpca/internal/runstate"
)

// StateStore is the run-state persistence the executor needs.
type StateStore interface {
	Load(slug string) (*models.RunState, error)
	Create(slug string) (*models.RunState, error)
	Save(state *models.RunState) error
	Archive(slug string) (string, error)
}

// Journal records attempts and steps for later inspection. Failures to
// write it are logged and otherwise ignored.
type Journal interface {
	BeginAttempt(ctx context.Context, feature string, w models.Workflow) (*models.Attempt, error)
	RecordStep(ctx context.Context, rec *models.StepRecord) error
	FinishAttempt(ctx context.Context, id string, status models.AttemptStatus, errMsg string) error
}

// Deps is everything an executor is built from. Journal and Log may be nil.
type Deps struct {
	Config   *config.Config
	Storage  adapter.Storage
	VCS      adapter.VCS
	Shell    adapter.Shell
	Agent    adapter.Agent
	Renderer adapter.Renderer
	Store    StateStore
	Journal  Journal
	Log      *zap.Logger
}

// Conversation runs an interactive planning exchange. It is given an agent
// bound to the plan workflow and the opening request, and returns the
// approved design. An error wrapping errs.ErrInterrupted means the user quit.
type Conversation func(ctx context.Context, agent adapter.Agent, opening *adapter.Request) (string, error)

type Option func(*Executor)

// WithOutput relays command output to w while verification runs.
func WithOutput(w io.Writer) Option {
	return func(e *Executor) { e.output = w }
}

// WithConversation makes the planning exchange interactive.
func WithConversation(c Conversation) Option {
	return func(e *Executor) { e.converse = c }
}

// WithDescription passes the user's feature request to planning.
func WithDescription(d string) Option {
	return func(e *Executor) { e.description = d }
}

// Result is the terminal outcome of one executor run.
type Result struct {
	Feature  string
	Workflow models.Workflow
	// State is the record as last persisted; nil for project-scope init.
	State    *models.RunState
	StepsRun int
	Resumed  bool
	// Skipped is set when the phase had already been reached.
	Skipped bool
	// Archived is the path a corrupted record was moved to.
	Archived string
	Verify   *VerifyOutcome
}

// Executor runs one workflow for one feature. It is single use.
type Executor struct {
	deps     Deps
	workflow models.Workflow
	feature  string
	policy   policy.ToolPolicy
	log      *zap.Logger

	storage policy.Storage
	vcs     policy.VCS
	shell   adapter.Shell
	agent   adapter.Agent

	output      io.Writer
	converse    Conversation
	description string

	attempt *models.Attempt
	resumed bool
	verify  *VerifyOutcome
}

// New binds an executor to workflow w and feature. Adapters are wrapped so
// that every call is checked against the workflow's tool policy.
func New(deps Deps, w models.Workflow, feature string, opts ...Option) *Executor {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	p := deps.Config.Policy(w)
	e := &Executor{
		deps:     deps,
		workflow: w,
		feature:  feature,
		policy:   p,
		log:      log.Named("executor").With(zap.String("workflow", string(w)), zap.String("feature", feature)),
		storage:  policy.Storage{Policy: p, Inner: deps.Storage},
		vcs:      policy.VCS{Policy: p, Inner: deps.VCS},
		shell:    policy.Shell{Policy: p, Inner: deps.Shell},
		agent:    policy.Agent{Policy: p, Inner: deps.Agent},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// step is one unit of externally visible work.
type step struct {
	name string
	run  func(ctx context.Context) (usage, error)
}

// usage is the agent accounting produced by a step.
type usage struct {
	turns int
	cost  float64
}

func (u *usage) add(r *adapter.Reply) {
	u.turns++
	u.cost += r.CostUSD
}

// Run executes the workflow and returns its result. Errors carry the
// feature, phase and step where they occurred.
func (e *Executor) Run(ctx context.Context) (*Result, error) {
	res := &Result{Feature: e.feature, Workflow: e.workflow}

	if e.feature == "" {
		if e.workflow != models.WorkflowInit {
			return nil, errs.Withf(errs.ErrInvalidSlug, "%s requires a feature", e.workflow)
		}
		return res, e.runProject(ctx, res)
	}
	if err := models.ValidateSlug(e.feature); err != nil {
		return nil, err
	}
	target, err := e.workflow.Target()
	if err != nil {
		return nil, errs.Withf(errs.ErrInvalidTransition, "%v", err)
	}
	steps := e.steps()

	state, created, err := e.resolve(res)
	if err != nil {
		return res, err
	}

	switch {
	case state.Pending(e.workflow):
		res.Resumed = true
		e.resumed = true
		e.log.Info("resuming workflow", zap.Int("step", state.Step), zap.Any("failure", state.Failure))
	case pendingBefore(state.Workflow, target):
		res.State = state.Clone()
		return res, &errs.Error{Feature: e.feature, Phase: string(state.Phase), Step: state.Step, Op: string(e.workflow),
			Err: errs.Withf(errs.ErrInvalidTransition, "%s is pending at step %d and must complete before %s", state.Workflow, state.Step, e.workflow)}
	case !created && phase.Reached(state.Phase, target) && !isRetry(state, target):
		e.log.Info("phase already reached", zap.String("phase", string(state.Phase)))
		res.Skipped = true
		res.State = state.Clone()
		e.journalSkip(ctx)
		return res, nil
	default:
		if _, err := phase.Transition(state.Phase, target); err != nil {
			return res, &errs.Error{Feature: e.feature, Phase: string(state.Phase), Step: state.Step, Op: string(e.workflow), Err: err}
		}
		if state.Workflow != "" {
			e.log.Info("abandoning pending attempt", zap.String("pending", string(state.Workflow)))
		}
		begun := state.Clone()
		begun.Workflow = e.workflow
		begun.Step = 0
		if err := e.deps.Store.Save(begun); err != nil {
			return res, &errs.Error{Feature: e.feature, Phase: string(state.Phase), Step: state.Step, Op: "begin " + string(e.workflow), Err: err}
		}
		state = begun
	}
	if state.Step > len(steps) {
		return res, &errs.Error{Feature: e.feature, Phase: string(state.Phase), Step: state.Step, Op: string(e.workflow),
			Err: errs.Withf(errs.ErrCorruptedState, "step %d beyond the %d steps of %s", state.Step, len(steps), e.workflow)}
	}

	e.beginAttempt(ctx)
	for i := state.Step; i < len(steps); i++ {
		s := steps[i]
		started := e.now()
		u, err := e.runStep(ctx, s)
		if err != nil {
			return e.fail(ctx, res, state, i, s, u, started, err)
		}

		next := state.Clone()
		next.Step = i + 1
		next.Failure = nil
		next.Turns += u.turns
		next.CostUSD += u.cost
		if err := e.deps.Store.Save(next); err != nil {
			return e.fail(ctx, res, state, i, s, u, started, err)
		}
		state = next
		res.StepsRun++
		e.recordStep(ctx, state, i, s.name, models.StepComplete, u, started, "")
		e.log.Debug("step complete", zap.Int("step", i), zap.String("name", s.name))
	}

	done := state.Clone()
	done.Phase, _ = phase.Transition(state.Phase, target)
	done.Step = 0
	done.Workflow = ""
	if err := e.deps.Store.Save(done); err != nil {
		return e.fail(ctx, res, state, len(steps), step{name: "complete"}, usage{}, e.now(), err)
	}
	e.finishAttempt(ctx, models.AttemptComplete, "")
	e.log.Info("workflow complete", zap.String("phase", string(done.Phase)),
		zap.Int("turns", done.Turns), zap.Float64("cost_usd", done.CostUSD))

	res.State = done.Clone()
	res.Verify = e.verify
	return res, nil
}

// resolve loads the record, creating it for init and plan and applying the
// corruption policy.
func (e *Executor) resolve(res *Result) (*models.RunState, bool, error) {
	state, err := e.deps.Store.Load(e.feature)
	switch {
	case err == nil:
		return state, false, nil
	case runstate.IsNotFound(err):
		if e.workflow != models.WorkflowInit && e.workflow != models.WorkflowPlan {
			return nil, false, err
		}
		state, err = e.create()
		return state, err == nil, err
	case errors.Is(err, errs.ErrCorruptedState):
		if e.deps.Config.State.OnCorrupt != config.OnCorruptArchive {
			return nil, false, err
		}
		dst, aerr := e.deps.Store.Archive(e.feature)
		if aerr != nil {
			return nil, false, errors.Join(err, aerr)
		}
		res.Archived = dst
		e.log.Warn("archived corrupted run state", zap.String("archive", dst), zap.Error(err))
		state, err = e.create()
		return state, err == nil, err
	default:
		return nil, false, err
	}
}

func (e *Executor) create() (*models.RunState, error) {
	state, err := e.deps.Store.Create(e.feature)
	if err != nil {
		return nil, err
	}
	e.log.Info("feature created")
	return state, nil
}

// runStep executes s, turning cancellation into an interrupted error.
func (e *Executor) runStep(ctx context.Context, s step) (usage, error) {
	if err := ctx.Err(); err != nil {
		return usage{}, fmt.Errorf("%w: %v", errs.ErrInterrupted, err)
	}
	u, err := s.run(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, errs.ErrInterrupted) {
		err = fmt.Errorf("%w: %v", errs.ErrInterrupted, err)
	}
	return u, err
}

// fail persists the failure marker on the last good state and returns the
// step error in context. Agent usage the failed step already spent is kept;
// the step itself is not counted as done.
func (e *Executor) fail(ctx context.Context, res *Result, state *models.RunState, i int, s step, u usage, started time.Time, stepErr error) (*Result, error) {
	kind := errs.KindOf(stepErr)
	failed := state.Clone()
	failed.Failure = &models.Failure{Kind: string(kind), Message: rootMessage(stepErr), Step: i}
	failed.Turns += u.turns
	failed.CostUSD += u.cost
	saveErr := e.deps.Store.Save(failed)
	if saveErr != nil {
		e.log.Error("failed to persist failure marker", zap.Error(saveErr))
		res.State = state.Clone()
		res.State.Turns += u.turns
		res.State.CostUSD += u.cost
	} else {
		res.State = failed.Clone()
	}
	res.Verify = e.verify

	e.recordStep(context.WithoutCancel(ctx), state, i, s.name, models.StepFailed, u, started, stepErr.Error())
	e.finishAttempt(context.WithoutCancel(ctx), models.AttemptFailed, stepErr.Error())
	e.log.Warn("step failed", zap.Int("step", i), zap.String("name", s.name),
		zap.String("kind", string(kind)), zap.Error(stepErr))

	err := error(&errs.Error{Feature: e.feature, Phase: string(state.Phase), Step: i, Op: string(e.workflow) + " " + s.name, Err: stepErr})
	if saveErr != nil {
		err = errors.Join(err, saveErr)
	}
	return res, err
}

// rootMessage strips the adapter context from err so the failure marker
// reads like the condition itself, e.g. "tests failed: 2 of 10 failed".
func rootMessage(err error) string {
	var ctxErr *errs.Error
	for errors.As(err, &ctxErr) {
		err = ctxErr.Err
	}
	return err.Error()
}

// isRetry reports whether target is the Verify -> Run retry edge: the
// feature passed verification, or a verify attempt is pending.
func isRetry(state *models.RunState, target phase.Phase) bool {
	if target != phase.Run {
		return false
	}
	return state.Phase == phase.Verify || state.Workflow == models.WorkflowVerify
}

// pendingBefore reports whether the unfinished workflow w leads to a phase
// that comes before target, so target cannot be reached without finishing it.
func pendingBefore(w models.Workflow, target phase.Phase) bool {
	if w == "" {
		return false
	}
	pt, err := w.Target()
	if err != nil {
		return false
	}
	return pt != target && phase.Reached(target, pt)
}

// runProject runs the init steps without a run-state record.
func (e *Executor) runProject(ctx context.Context, res *Result) error {
	if e.deps.Config.Initialized() {
		return errs.Wrap(errs.ErrAlreadyInitialized, "init", e.deps.Config.Path())
	}
	for i, s := range e.initSteps() {
		if _, err := e.runStep(ctx, s); err != nil {
			return &errs.Error{Op: "init " + s.name, Step: i, Err: err}
		}
		res.StepsRun++
	}
	e.log.Info("project initialized", zap.String("root", e.deps.Config.RepoRoot))
	return nil
}

func (e *Executor) steps() []step {
	switch e.workflow {
	case models.WorkflowInit:
		return e.featureInitSteps()
	case models.WorkflowPlan:
		return e.planSteps()
	case models.WorkflowExecute:
		return e.executeSteps()
	case models.WorkflowVerify:
		return e.verifySteps()
	}
	return nil
}
