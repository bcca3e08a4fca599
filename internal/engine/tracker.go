package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Tracker answers job status polls. Callers receive jobId from a send
// endpoint immediately and poll here until the status is terminal.
type Tracker struct {
	repo Repository
}

// NewTracker creates a Tracker.
func NewTracker(repo Repository) *Tracker {
	return &Tracker{repo: repo}
}

// GetStatus reports the current aggregate status of a job. A terminal job row
// is authoritative; otherwise the status is derived from the steps, never
// regressing behind what the job row already recorded.
func (t *Tracker) GetStatus(ctx context.Context, jobID uuid.UUID) (JobStatus, error) {
	job, err := t.repo.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}

	steps, err := t.repo.ListSteps(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}

	if job.Status.Terminal() {
		details := job.ErrorDetail
		if job.Status == StatusCompleted {
			details = fmt.Sprintf("delivered to %d target(s)", len(steps))
		}
		return JobStatus{Status: job.Status, Details: details}, nil
	}

	status := AggregateStatus(steps)
	if status == StatusScheduled && job.Status == StatusStarted {
		status = StatusStarted
	}
	details := ""
	if status == StatusError {
		details = FirstStepError(steps)
	}
	if status == StatusCompleted {
		details = fmt.Sprintf("delivered to %d target(s)", len(steps))
	}
	return JobStatus{Status: status, Details: details}, nil
}
