package pipeline

import (
	"context"
	"time"
)

// Step names one unit of a run.
type Step string

const (
	StepProvision Step = "provision"
	StepFetch     Step = "fetch"
	StepNormalize Step = "normalize"
	StepLoad      Step = "load"
	StepVerify    Step = "verify"
)

// Steps lists every step in execution order.
var Steps = []Step{StepProvision, StepFetch, StepNormalize, StepLoad, StepVerify}

// ParseStep maps a step name to a Step.
func ParseStep(s string) (Step, error) {
	for _, st := range Steps {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownStep
}

// Status of a step execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// StepRecord is one ledger entry. A record is saved when the step starts and
// saved again, under the same ID, when it finishes.
type StepRecord struct {
	ID         string     `json:"id"`
	AttemptID  string     `json:"attempt_id"`
	RunKey     string     `json:"run_key"`
	Step       Step       `json:"step"`
	Provider   string     `json:"provider,omitempty"`
	Status     Status     `json:"status"`
	Records    int        `json:"records"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunStore persists the run ledger.
type RunStore interface {
	// SaveStep inserts or replaces the record with rec.ID.
	SaveStep(ctx context.Context, rec StepRecord) error
	// RunSteps returns a run's records ordered by start time.
	RunSteps(ctx context.Context, runKey string) ([]StepRecord, error)
	// RecentSteps returns up to limit records, newest first.
	RecentSteps(ctx context.Context, limit int) ([]StepRecord, error)
}
