package models

import "time"

type AttemptStatus string

const (
	AttemptRunning  AttemptStatus = "running"
	AttemptComplete AttemptStatus = "complete"
	AttemptFailed   AttemptStatus = "failed"
	AttemptSkipped  AttemptStatus = "skipped"
)

// Attempt is one invocation of a workflow for a feature.
type Attempt struct {
	ID         string
	Feature    string
	Workflow   Workflow
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     AttemptStatus
	Error      string
}

type StepStatus string

const (
	StepComplete StepStatus = "complete"
	StepFailed   StepStatus = "failed"
)

// StepRecord is the journal entry for one executed step.
type StepRecord struct {
	ID         int64
	AttemptID  string
	Feature    string
	Workflow   Workflow
	Phase      string
	Step       int
	Name       string
	Status     StepStatus
	Turns      int
	CostUSD    float64
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}
