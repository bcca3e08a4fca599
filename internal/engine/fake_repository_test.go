package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"deliveryd/internal/shared"
)

// fakeRepository is an in-memory Repository for engine tests.
type fakeRepository struct {
	mu          sync.Mutex
	definitions map[uuid.UUID]Definition
	jobs        map[uuid.UUID]Job
	steps       map[uuid.UUID]JobStep
	logs        []LogEntry

	failCreateJob bool
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		definitions: make(map[uuid.UUID]Definition),
		jobs:        make(map[uuid.UUID]Job),
		steps:       make(map[uuid.UUID]JobStep),
	}
}

func (f *fakeRepository) CreateDefinition(_ context.Context, def Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.definitions[def.ID] = def
	return nil
}

func (f *fakeRepository) GetDefinition(_ context.Context, id uuid.UUID) (Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.definitions[id]
	if !ok {
		return Definition{}, shared.MarkKind(fmt.Errorf("scheduler %s", id), shared.KindNotFound)
	}
	return def, nil
}

func (f *fakeRepository) ListDefinitions(_ context.Context, filter ListFilter, s *Sort, page PageRequest) (DefinitionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var defs []Definition
	for _, def := range f.definitions {
		if filter.ProjectID != "" && def.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(def.Name), strings.ToLower(filter.Search)) {
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		if s != nil && s.Direction == SortDesc {
			return defs[i].Name > defs[j].Name
		}
		return defs[i].Name < defs[j].Name
	})
	total := len(defs)
	if page.Enabled() {
		start := (page.Page - 1) * page.PageSize
		if start > len(defs) {
			start = len(defs)
		}
		end := start + page.PageSize
		if end > len(defs) {
			end = len(defs)
		}
		defs = defs[start:end]
	}
	return DefinitionPage{Definitions: defs, Total: total}, nil
}

func (f *fakeRepository) UpdateDefinition(_ context.Context, def Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.definitions[def.ID]; !ok {
		return shared.MarkKind(fmt.Errorf("scheduler %s", def.ID), shared.KindNotFound)
	}
	f.definitions[def.ID] = def
	return nil
}

func (f *fakeRepository) SetEnabled(_ context.Context, id uuid.UUID, enabled bool, nextRun *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.definitions[id]
	if !ok {
		return shared.MarkKind(fmt.Errorf("scheduler %s", id), shared.KindNotFound)
	}
	def.Enabled = enabled
	def.NextRunAt = nextRun
	f.definitions[id] = def
	return nil
}

func (f *fakeRepository) DeleteDefinition(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.definitions[id]; !ok {
		return shared.MarkKind(fmt.Errorf("scheduler %s", id), shared.KindNotFound)
	}
	delete(f.definitions, id)
	return nil
}

func (f *fakeRepository) ListDueDefinitions(_ context.Context, now time.Time) ([]Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []Definition
	for _, def := range f.definitions {
		if def.Enabled && def.NextRunAt != nil && !def.NextRunAt.After(now) {
			due = append(due, def)
		}
	}
	return due, nil
}

func (f *fakeRepository) SetNextRun(_ context.Context, id uuid.UUID, nextRun *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.definitions[id]
	if !ok {
		return shared.MarkKind(fmt.Errorf("scheduler %s", id), shared.KindNotFound)
	}
	def.NextRunAt = nextRun
	f.definitions[id] = def
	return nil
}

func (f *fakeRepository) CreateJob(_ context.Context, job Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateJob {
		return fmt.Errorf("insert job: connection refused")
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeRepository) GetJob(_ context.Context, id uuid.UUID) (Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return Job{}, shared.MarkKind(fmt.Errorf("job %s", id), shared.KindNotFound)
	}
	return job, nil
}

func (f *fakeRepository) UpdateJobStatus(_ context.Context, id uuid.UUID, status Status, errorDetail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return shared.MarkKind(fmt.Errorf("job %s", id), shared.KindNotFound)
	}
	job.Status = status
	job.ErrorDetail = errorDetail
	f.jobs[id] = job
	return nil
}

func (f *fakeRepository) ListJobs(_ context.Context, schedulerID uuid.UUID) ([]Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []Job
	for _, job := range f.jobs {
		if job.SchedulerID != nil && *job.SchedulerID == schedulerID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].TriggeredAt.Before(jobs[j].TriggeredAt) })
	return jobs, nil
}

func (f *fakeRepository) CreateStep(_ context.Context, step JobStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[step.ID] = step
	return nil
}

func (f *fakeRepository) UpdateStepStatus(_ context.Context, id uuid.UUID, status Status, errorDetail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	step, ok := f.steps[id]
	if !ok {
		return shared.MarkKind(fmt.Errorf("job step %s", id), shared.KindNotFound)
	}
	step.Status = status
	step.ErrorDetail = errorDetail
	f.steps[id] = step
	return nil
}

func (f *fakeRepository) ListSteps(_ context.Context, jobID uuid.UUID) ([]JobStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var steps []JobStep
	for _, step := range f.steps {
		if step.JobID == jobID {
			steps = append(steps, step)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].ID.String() < steps[j].ID.String() })
	return steps, nil
}

func (f *fakeRepository) AppendLog(_ context.Context, entry LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeRepository) ListLogs(_ context.Context, projectID string) ([]LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []LogEntry
	for _, e := range f.logs {
		if e.ProjectID == projectID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// logsFor returns the audit entries recorded for one step.
func (f *fakeRepository) logsFor(stepID uuid.UUID) []LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []LogEntry
	for _, e := range f.logs {
		if e.StepID != nil && *e.StepID == stepID {
			entries = append(entries, e)
		}
	}
	return entries
}
