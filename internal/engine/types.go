// Package engine implements the scheduled-delivery core: scheduler definitions,
// the job/step state machine, and the polling status tracker.
package engine

import (
	"time"

	"github.com/google/uuid"

	"deliveryd/internal/delivery"
)

// Status is the lifecycle state of a job or a job step.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Definition is a persisted scheduler: what to render and where to send it.
type Definition struct {
	ID        uuid.UUID
	ProjectID string
	OrgID     string
	Name      string

	// Schedule is either a recurring cron expression or a one-off timestamp.
	Cron string
	At   *time.Time

	Enabled    bool
	ContentRef string
	Targets    []delivery.TargetConfig

	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time

	// NextRunAt is derived from the schedule and persisted for due queries.
	// Nil once a one-off schedule has fired.
	NextRunAt *time.Time
}

// Job is one concrete execution of a scheduler, or an ad-hoc send-now request
// (SchedulerID nil). Immutable once terminal except for log appends.
type Job struct {
	ID          uuid.UUID
	SchedulerID *uuid.UUID
	ProjectID   string
	TriggeredAt time.Time
	Status      Status
	ErrorDetail string
}

// JobStep is the delivery to one target within a job.
type JobStep struct {
	ID          uuid.UUID
	JobID       uuid.UUID
	Target      delivery.TargetConfig
	Status      Status
	StartedAt   *time.Time
	FinishedAt  *time.Time
	ErrorDetail string
}

// LogEntry is one append-only audit row. Logs are the durable execution trail;
// job and step rows may be pruned by an external retention policy.
type LogEntry struct {
	ID        uuid.UUID
	JobID     uuid.UUID
	StepID    *uuid.UUID
	ProjectID string
	At        time.Time
	Status    Status
	Details   string
}

// JobStatus is the polling view of a job: aggregate status plus either the
// first step error or a success summary.
type JobStatus struct {
	Status  Status
	Details string
}

// AggregateStatus derives a job's status from its steps: error if any step is
// error, completed iff every step is completed, otherwise the minimum progress
// state (scheduled only while no step has begun).
func AggregateStatus(steps []JobStep) Status {
	if len(steps) == 0 {
		return StatusScheduled
	}
	completed := 0
	progressed := false
	for _, s := range steps {
		switch s.Status {
		case StatusError:
			return StatusError
		case StatusCompleted:
			completed++
			progressed = true
		case StatusStarted:
			progressed = true
		}
	}
	if completed == len(steps) {
		return StatusCompleted
	}
	if progressed {
		return StatusStarted
	}
	return StatusScheduled
}

// FirstStepError returns the error detail of the first failed step, if any.
func FirstStepError(steps []JobStep) string {
	for _, s := range steps {
		if s.Status == StatusError && s.ErrorDetail != "" {
			return s.ErrorDetail
		}
	}
	return ""
}
