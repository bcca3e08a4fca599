package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"deliveryd/internal/delivery"
	"deliveryd/internal/shared"
)

// Registry owns scheduler definitions: CRUD, enablement and listings.
type Registry struct {
	repo Repository
	log  *slog.Logger
	now  func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(repo Repository, log *slog.Logger) *Registry {
	return &Registry{repo: repo, log: log, now: time.Now}
}

// DefinitionPatch is a partial update. Nil fields are left unchanged; setting
// Cron clears a one-off timestamp and vice versa.
type DefinitionPatch struct {
	Name       *string
	Cron       *string
	At         *time.Time
	ContentRef *string
	// Targets replaces the whole ordered target list when non-nil.
	Targets   []delivery.TargetConfig
	UpdatedBy string
}

// Create validates and persists a new definition, deriving its first run.
func (r *Registry) Create(ctx context.Context, def Definition) (Definition, error) {
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}

	now := r.now()
	def.ID = uuid.New()
	def.CreatedAt = now
	def.UpdatedAt = now
	if def.Enabled {
		next, err := def.NextRun(now)
		if err != nil {
			return Definition{}, err
		}
		def.NextRunAt = next
	}

	if err := r.repo.CreateDefinition(ctx, def); err != nil {
		return Definition{}, shared.Wrap(err, "create scheduler")
	}
	r.log.Info("scheduler created",
		slog.String("scheduler_id", def.ID.String()),
		slog.String("project_id", def.ProjectID),
		slog.String("name", def.Name),
	)
	return def, nil
}

// Get returns one definition with its targets.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (Definition, error) {
	return r.repo.GetDefinition(ctx, id)
}

// List returns scheduler definitions filtered, sorted and paginated.
// Pagination degrades to "return all" unless both page and pageSize are set.
// Unknown sort columns are a validation error, not a silent no-op.
func (r *Registry) List(ctx context.Context, filter ListFilter, sort *Sort, page PageRequest) (DefinitionPage, error) {
	if err := ValidateSort(sort); err != nil {
		return DefinitionPage{}, err
	}
	if !page.Enabled() {
		page = PageRequest{}
	}
	return r.repo.ListDefinitions(ctx, filter, sort, page)
}

// Patch applies a partial update and recomputes the next run. Past jobs are
// untouched: editing a scheduler never mutates its execution history.
func (r *Registry) Patch(ctx context.Context, id uuid.UUID, patch DefinitionPatch) (Definition, error) {
	def, err := r.repo.GetDefinition(ctx, id)
	if err != nil {
		return Definition{}, err
	}

	if patch.Name != nil {
		def.Name = *patch.Name
	}
	if patch.Cron != nil {
		def.Cron = *patch.Cron
		def.At = nil
	}
	if patch.At != nil {
		at := *patch.At
		def.At = &at
		def.Cron = ""
	}
	if patch.ContentRef != nil {
		def.ContentRef = *patch.ContentRef
	}
	if patch.Targets != nil {
		def.Targets = patch.Targets
	}
	def.UpdatedBy = patch.UpdatedBy
	def.UpdatedAt = r.now()

	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	if def.Enabled {
		next, err := def.NextRun(def.UpdatedAt)
		if err != nil {
			return Definition{}, err
		}
		def.NextRunAt = next
	} else {
		def.NextRunAt = nil
	}

	if err := r.repo.UpdateDefinition(ctx, def); err != nil {
		return Definition{}, shared.Wrap(err, "update scheduler")
	}
	r.log.Info("scheduler updated", slog.String("scheduler_id", def.ID.String()))
	return def, nil
}

// SetEnabled toggles a scheduler without a full patch. Disabling prevents new
// jobs only; in-flight jobs run to completion.
func (r *Registry) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) (Definition, error) {
	def, err := r.repo.GetDefinition(ctx, id)
	if err != nil {
		return Definition{}, err
	}

	var next *time.Time
	if enabled {
		next, err = def.NextRun(r.now())
		if err != nil {
			return Definition{}, err
		}
	}
	if err := r.repo.SetEnabled(ctx, id, enabled, next); err != nil {
		return Definition{}, shared.Wrap(err, "set scheduler enabled")
	}

	def.Enabled = enabled
	def.NextRunAt = next
	r.log.Info("scheduler enabled flag changed",
		slog.String("scheduler_id", id.String()),
		slog.Bool("enabled", enabled),
	)
	return def, nil
}

// Delete removes a definition and its target configs. Jobs and logs survive
// with a dangling scheduler id, read as "deleted source".
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.repo.DeleteDefinition(ctx, id); err != nil {
		return shared.Wrap(err, "delete scheduler")
	}
	r.log.Info("scheduler deleted", slog.String("scheduler_id", id.String()))
	return nil
}

// Jobs lists execution history for one scheduler.
func (r *Registry) Jobs(ctx context.Context, schedulerID uuid.UUID) ([]Job, error) {
	return r.repo.ListJobs(ctx, schedulerID)
}

// Logs lists the audit trail for a project.
func (r *Registry) Logs(ctx context.Context, projectID string) ([]LogEntry, error) {
	return r.repo.ListLogs(ctx, projectID)
}
