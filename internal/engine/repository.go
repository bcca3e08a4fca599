package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SortColumn is the closed set of columns scheduler listings may sort by.
type SortColumn string

const (
	// SortByName sorts by the scheduler name.
	SortByName SortColumn = "name"
)

// SortDirection is asc or desc.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Sort is an optional ordering for scheduler listings.
type Sort struct {
	Column    SortColumn
	Direction SortDirection
}

// PageRequest selects one page of results. Zero value means "return all":
// pagination applies only when both Page and PageSize are positive.
type PageRequest struct {
	Page     int
	PageSize int
}

// Enabled reports whether pagination should be applied.
func (p PageRequest) Enabled() bool {
	return p.Page > 0 && p.PageSize > 0
}

// ListFilter narrows scheduler listings.
type ListFilter struct {
	ProjectID string
	Search    string
}

// DefinitionPage is one page of scheduler definitions plus the total count
// matching the filter.
type DefinitionPage struct {
	Definitions []Definition
	Total       int
}

// Repository is the persistence contract the engine requires. Implementations
// live under internal/repository; the engine never touches SQL directly.
type Repository interface {
	// Scheduler definitions.
	CreateDefinition(ctx context.Context, def Definition) error
	GetDefinition(ctx context.Context, id uuid.UUID) (Definition, error)
	ListDefinitions(ctx context.Context, filter ListFilter, sort *Sort, page PageRequest) (DefinitionPage, error)
	UpdateDefinition(ctx context.Context, def Definition) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool, nextRun *time.Time) error
	// DeleteDefinition cascades to the definition's target configs. Jobs and
	// logs are kept with a dangling scheduler id for audit.
	DeleteDefinition(ctx context.Context, id uuid.UUID) error
	// ListDueDefinitions returns enabled definitions with NextRunAt <= now.
	ListDueDefinitions(ctx context.Context, now time.Time) ([]Definition, error)
	// SetNextRun advances (or clears, for fired one-off schedules) NextRunAt.
	SetNextRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error

	// Jobs and steps.
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id uuid.UUID) (Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status Status, errorDetail string) error
	ListJobs(ctx context.Context, schedulerID uuid.UUID) ([]Job, error)
	CreateStep(ctx context.Context, step JobStep) error
	UpdateStepStatus(ctx context.Context, id uuid.UUID, status Status, errorDetail string) error
	ListSteps(ctx context.Context, jobID uuid.UUID) ([]JobStep, error)

	// Audit log.
	AppendLog(ctx context.Context, entry LogEntry) error
	ListLogs(ctx context.Context, projectID string) ([]LogEntry, error)
}
