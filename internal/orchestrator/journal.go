package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/mpca/internal/models"
)

func (e *Executor) now() time.Time { return time.Now().UTC() }

func (e *Executor) beginAttempt(ctx context.Context) {
	if e.deps.Journal == nil {
		return
	}
	a, err := e.deps.Journal.BeginAttempt(ctx, e.feature, e.workflow)
	if err != nil {
		e.log.Warn("journal: begin attempt", zap.Error(err))
		return
	}
	e.attempt = a
}

func (e *Executor) recordStep(ctx context.Context, state *models.RunState, i int, name string, status models.StepStatus, u usage, started time.Time, errMsg string) {
	if e.deps.Journal == nil || e.attempt == nil {
		return
	}
	err := e.deps.Journal.RecordStep(ctx, &models.StepRecord{
		AttemptID:  e.attempt.ID,
		Feature:    e.feature,
		Workflow:   e.workflow,
		Phase:      string(state.Phase),
		Step:       i,
		Name:       name,
		Status:     status,
		Turns:      u.turns,
		CostUSD:    u.cost,
		Error:      errMsg,
		StartedAt:  started,
		FinishedAt: e.now(),
	})
	if err != nil {
		e.log.Warn("journal: record step", zap.Error(err))
	}
}

func (e *Executor) finishAttempt(ctx context.Context, status models.AttemptStatus, errMsg string) {
	if e.deps.Journal == nil || e.attempt == nil {
		return
	}
	if err := e.deps.Journal.FinishAttempt(ctx, e.attempt.ID, status, errMsg); err != nil {
		e.log.Warn("journal: finish attempt", zap.Error(err))
	}
}

// journalSkip records a no-op invocation.
func (e *Executor) journalSkip(ctx context.Context) {
	e.beginAttempt(ctx)
	e.finishAttempt(ctx, models.AttemptSkipped, "")
}
