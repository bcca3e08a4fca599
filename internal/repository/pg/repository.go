// Package pg implements the engine repository and the installation-backed
// credential store on PostgreSQL.
package pg

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"deliveryd/internal/delivery"
	"deliveryd/internal/engine"
	platformpg "deliveryd/internal/platform/pg"
	"deliveryd/internal/shared"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the schema migrations for this repository.
func Migrate(dsn string) error {
	_, err := platformpg.ApplyMigrationsFromFS(dsn, migrationsFS, "migrations")
	return err
}

// Repository implements engine.Repository and delivery.CredentialStore.
type Repository struct {
	tx  *platformpg.TxRunner
	log *slog.Logger
}

// NewRepository creates a Repository over the given pool.
func NewRepository(pool *pgxpool.Pool, log *slog.Logger) *Repository {
	return &Repository{tx: platformpg.NewTxRunner(pool), log: log}
}

var (
	_ engine.Repository        = (*Repository)(nil)
	_ delivery.CredentialStore = (*Repository)(nil)
)

func (r *Repository) q(ctx context.Context) platformpg.Querier {
	return r.tx.GetQuerier(ctx)
}

func notFound(what string, id any) error {
	return shared.MarkKind(fmt.Errorf("%s %v", what, id), shared.KindNotFound)
}

// CreateDefinition inserts a scheduler with its target configs atomically.
func (r *Repository) CreateDefinition(ctx context.Context, def engine.Definition) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		_, err := r.q(ctx).Exec(ctx, `
			INSERT INTO schedulers (id, project_id, org_id, name, cron, run_at, enabled,
				content_ref, created_by, updated_by, created_at, updated_at, next_run_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			def.ID, def.ProjectID, def.OrgID, def.Name, def.Cron, def.At, def.Enabled,
			def.ContentRef, def.CreatedBy, def.UpdatedBy, def.CreatedAt, def.UpdatedAt, def.NextRunAt,
		)
		if err != nil {
			return shared.Wrap(err, "insert scheduler")
		}
		return r.insertTargets(ctx, def.ID, def.Targets)
	})
}

func (r *Repository) insertTargets(ctx context.Context, schedulerID uuid.UUID, targets []delivery.TargetConfig) error {
	for i, t := range targets {
		recipients, err := json.Marshal(t.Recipients)
		if err != nil {
			return shared.Wrap(err, "encode recipients")
		}
		_, err = r.q(ctx).Exec(ctx, `
			INSERT INTO scheduler_targets (scheduler_id, position, kind, org_id, channel, recipients, webhook_url)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			schedulerID, i, string(t.Kind), t.OrgID, t.Channel, recipients, t.WebhookURL,
		)
		if err != nil {
			return shared.Wrap(err, "insert scheduler target")
		}
	}
	return nil
}

const definitionColumns = `id, project_id, org_id, name, cron, run_at, enabled,
	content_ref, created_by, updated_by, created_at, updated_at, next_run_at`

func scanDefinition(row pgx.Row) (engine.Definition, error) {
	var def engine.Definition
	err := row.Scan(&def.ID, &def.ProjectID, &def.OrgID, &def.Name, &def.Cron, &def.At,
		&def.Enabled, &def.ContentRef, &def.CreatedBy, &def.UpdatedBy,
		&def.CreatedAt, &def.UpdatedAt, &def.NextRunAt)
	return def, err
}

// GetDefinition loads one scheduler with its targets.
func (r *Repository) GetDefinition(ctx context.Context, id uuid.UUID) (engine.Definition, error) {
	def, err := scanDefinition(r.q(ctx).QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM schedulers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Definition{}, notFound("scheduler", id)
	}
	if err != nil {
		return engine.Definition{}, shared.Wrap(err, "select scheduler")
	}

	targets, err := r.loadTargets(ctx, []uuid.UUID{id})
	if err != nil {
		return engine.Definition{}, err
	}
	def.Targets = targets[id]
	return def, nil
}

func (r *Repository) loadTargets(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]delivery.TargetConfig, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT scheduler_id, kind, org_id, channel, recipients, webhook_url
		FROM scheduler_targets
		WHERE scheduler_id = ANY($1)
		ORDER BY scheduler_id, position`, ids)
	if err != nil {
		return nil, shared.Wrap(err, "select scheduler targets")
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]delivery.TargetConfig, len(ids))
	for rows.Next() {
		var (
			schedulerID uuid.UUID
			kind        string
			cfg         delivery.TargetConfig
			recipients  []byte
		)
		if err := rows.Scan(&schedulerID, &kind, &cfg.OrgID, &cfg.Channel, &recipients, &cfg.WebhookURL); err != nil {
			return nil, shared.Wrap(err, "scan scheduler target")
		}
		cfg.Kind = delivery.Kind(kind)
		if err := json.Unmarshal(recipients, &cfg.Recipients); err != nil {
			return nil, shared.Wrap(err, "decode recipients")
		}
		out[schedulerID] = append(out[schedulerID], cfg)
	}
	return out, rows.Err()
}

// ListDefinitions returns a filtered, sorted, optionally paginated listing
// with the total count of matching schedulers.
func (r *Repository) ListDefinitions(ctx context.Context, filter engine.ListFilter, sort *engine.Sort, page engine.PageRequest) (engine.DefinitionPage, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = "+arg(filter.ProjectID))
	}
	if filter.Search != "" {
		where = append(where, "name ILIKE "+arg("%"+filter.Search+"%"))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.q(ctx).QueryRow(ctx, "SELECT count(*) FROM schedulers"+clause, args...).Scan(&total); err != nil {
		return engine.DefinitionPage{}, shared.Wrap(err, "count schedulers")
	}

	order := " ORDER BY name ASC"
	if sort != nil && sort.Direction == engine.SortDesc {
		order = " ORDER BY name DESC"
	}
	limit := ""
	if page.Enabled() {
		limit = fmt.Sprintf(" LIMIT %s OFFSET %s", arg(page.PageSize), arg((page.Page-1)*page.PageSize))
	}

	rows, err := r.q(ctx).Query(ctx, `SELECT `+definitionColumns+` FROM schedulers`+clause+order+limit, args...)
	if err != nil {
		return engine.DefinitionPage{}, shared.Wrap(err, "select schedulers")
	}
	defer rows.Close()

	var defs []engine.Definition
	var ids []uuid.UUID
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return engine.DefinitionPage{}, shared.Wrap(err, "scan scheduler")
		}
		defs = append(defs, def)
		ids = append(ids, def.ID)
	}
	if err := rows.Err(); err != nil {
		return engine.DefinitionPage{}, err
	}

	if len(ids) > 0 {
		targets, err := r.loadTargets(ctx, ids)
		if err != nil {
			return engine.DefinitionPage{}, err
		}
		for i := range defs {
			defs[i].Targets = targets[defs[i].ID]
		}
	}
	return engine.DefinitionPage{Definitions: defs, Total: total}, nil
}

// UpdateDefinition replaces the scheduler row and its whole target list.
func (r *Repository) UpdateDefinition(ctx context.Context, def engine.Definition) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		tag, err := r.q(ctx).Exec(ctx, `
			UPDATE schedulers SET name = $2, cron = $3, run_at = $4, enabled = $5,
				content_ref = $6, updated_by = $7, updated_at = $8, next_run_at = $9
			WHERE id = $1`,
			def.ID, def.Name, def.Cron, def.At, def.Enabled,
			def.ContentRef, def.UpdatedBy, def.UpdatedAt, def.NextRunAt,
		)
		if err != nil {
			return shared.Wrap(err, "update scheduler")
		}
		if tag.RowsAffected() == 0 {
			return notFound("scheduler", def.ID)
		}
		if _, err := r.q(ctx).Exec(ctx, `DELETE FROM scheduler_targets WHERE scheduler_id = $1`, def.ID); err != nil {
			return shared.Wrap(err, "delete scheduler targets")
		}
		return r.insertTargets(ctx, def.ID, def.Targets)
	})
}

// SetEnabled flips the enabled flag and writes the derived next run.
func (r *Repository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool, nextRun *time.Time) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE schedulers SET enabled = $2, next_run_at = $3 WHERE id = $1`,
		id, enabled, nextRun)
	if err != nil {
		return shared.Wrap(err, "update scheduler enabled")
	}
	if tag.RowsAffected() == 0 {
		return notFound("scheduler", id)
	}
	return nil
}

// DeleteDefinition removes the scheduler; targets cascade, jobs and logs stay.
func (r *Repository) DeleteDefinition(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q(ctx).Exec(ctx, `DELETE FROM schedulers WHERE id = $1`, id)
	if err != nil {
		return shared.Wrap(err, "delete scheduler")
	}
	if tag.RowsAffected() == 0 {
		return notFound("scheduler", id)
	}
	return nil
}

// ListDueDefinitions returns enabled schedulers whose next run has arrived.
func (r *Repository) ListDueDefinitions(ctx context.Context, now time.Time) ([]engine.Definition, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+definitionColumns+` FROM schedulers
		 WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		 ORDER BY next_run_at`, now)
	if err != nil {
		return nil, shared.Wrap(err, "select due schedulers")
	}
	defer rows.Close()

	var defs []engine.Definition
	var ids []uuid.UUID
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, shared.Wrap(err, "scan scheduler")
		}
		defs = append(defs, def)
		ids = append(ids, def.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		targets, err := r.loadTargets(ctx, ids)
		if err != nil {
			return nil, err
		}
		for i := range defs {
			defs[i].Targets = targets[defs[i].ID]
		}
	}
	return defs, nil
}

// SetNextRun advances or clears the derived next run.
func (r *Repository) SetNextRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE schedulers SET next_run_at = $2 WHERE id = $1`, id, nextRun)
	if err != nil {
		return shared.Wrap(err, "update scheduler next run")
	}
	if tag.RowsAffected() == 0 {
		return notFound("scheduler", id)
	}
	return nil
}

// CreateJob inserts a job row.
func (r *Repository) CreateJob(ctx context.Context, job engine.Job) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO jobs (id, scheduler_id, project_id, triggered_at, status, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.SchedulerID, job.ProjectID, job.TriggeredAt, string(job.Status), job.ErrorDetail,
	)
	return shared.Wrap(err, "insert job")
}

// GetJob loads one job.
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (engine.Job, error) {
	var job engine.Job
	var status string
	err := r.q(ctx).QueryRow(ctx, `
		SELECT id, scheduler_id, project_id, triggered_at, status, error_detail
		FROM jobs WHERE id = $1`, id,
	).Scan(&job.ID, &job.SchedulerID, &job.ProjectID, &job.TriggeredAt, &status, &job.ErrorDetail)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Job{}, notFound("job", id)
	}
	if err != nil {
		return engine.Job{}, shared.Wrap(err, "select job")
	}
	job.Status = engine.Status(status)
	return job, nil
}

// UpdateJobStatus writes a job's status transition.
func (r *Repository) UpdateJobStatus(ctx context.Context, id uuid.UUID, status engine.Status, errorDetail string) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE jobs SET status = $2, error_detail = $3 WHERE id = $1`,
		id, string(status), errorDetail)
	if err != nil {
		return shared.Wrap(err, "update job status")
	}
	if tag.RowsAffected() == 0 {
		return notFound("job", id)
	}
	return nil
}

// ListJobs returns a scheduler's execution history, newest first.
func (r *Repository) ListJobs(ctx context.Context, schedulerID uuid.UUID) ([]engine.Job, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, scheduler_id, project_id, triggered_at, status, error_detail
		FROM jobs WHERE scheduler_id = $1 ORDER BY triggered_at DESC`, schedulerID)
	if err != nil {
		return nil, shared.Wrap(err, "select jobs")
	}
	defer rows.Close()

	var jobs []engine.Job
	for rows.Next() {
		var job engine.Job
		var status string
		if err := rows.Scan(&job.ID, &job.SchedulerID, &job.ProjectID, &job.TriggeredAt, &status, &job.ErrorDetail); err != nil {
			return nil, shared.Wrap(err, "scan job")
		}
		job.Status = engine.Status(status)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CreateStep inserts a job step with a snapshot of its target config.
func (r *Repository) CreateStep(ctx context.Context, step engine.JobStep) error {
	recipients, err := json.Marshal(step.Target.Recipients)
	if err != nil {
		return shared.Wrap(err, "encode recipients")
	}
	_, err = r.q(ctx).Exec(ctx, `
		INSERT INTO job_steps (id, job_id, kind, org_id, channel, recipients, webhook_url, status, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		step.ID, step.JobID, string(step.Target.Kind), step.Target.OrgID, step.Target.Channel,
		recipients, step.Target.WebhookURL, string(step.Status), step.ErrorDetail,
	)
	return shared.Wrap(err, "insert job step")
}

// UpdateStepStatus writes a step transition, stamping started/finished times.
func (r *Repository) UpdateStepStatus(ctx context.Context, id uuid.UUID, status engine.Status, errorDetail string) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE job_steps SET status = $2, error_detail = $3,
			started_at = CASE WHEN $2 = 'started' AND started_at IS NULL THEN now() ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('completed', 'error') THEN now() ELSE finished_at END
		WHERE id = $1`,
		id, string(status), errorDetail)
	if err != nil {
		return shared.Wrap(err, "update job step status")
	}
	if tag.RowsAffected() == 0 {
		return notFound("job step", id)
	}
	return nil
}

// ListSteps returns a job's steps in creation order.
func (r *Repository) ListSteps(ctx context.Context, jobID uuid.UUID) ([]engine.JobStep, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, job_id, kind, org_id, channel, recipients, webhook_url,
			status, started_at, finished_at, error_detail
		FROM job_steps WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, shared.Wrap(err, "select job steps")
	}
	defer rows.Close()

	var steps []engine.JobStep
	for rows.Next() {
		var (
			step       engine.JobStep
			kind       string
			status     string
			recipients []byte
		)
		if err := rows.Scan(&step.ID, &step.JobID, &kind, &step.Target.OrgID, &step.Target.Channel,
			&recipients, &step.Target.WebhookURL, &status, &step.StartedAt, &step.FinishedAt, &step.ErrorDetail); err != nil {
			return nil, shared.Wrap(err, "scan job step")
		}
		step.Target.Kind = delivery.Kind(kind)
		step.Status = engine.Status(status)
		if err := json.Unmarshal(recipients, &step.Target.Recipients); err != nil {
			return nil, shared.Wrap(err, "decode recipients")
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// AppendLog inserts one audit row. Rows are never updated or deleted.
func (r *Repository) AppendLog(ctx context.Context, entry engine.LogEntry) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO scheduler_logs (id, job_id, step_id, project_id, at, status, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.JobID, entry.StepID, entry.ProjectID, entry.At, string(entry.Status), entry.Details,
	)
	return shared.Wrap(err, "insert scheduler log")
}

// ListLogs returns a project's audit trail, newest first.
func (r *Repository) ListLogs(ctx context.Context, projectID string) ([]engine.LogEntry, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, job_id, step_id, project_id, at, status, details
		FROM scheduler_logs WHERE project_id = $1 ORDER BY at DESC`, projectID)
	if err != nil {
		return nil, shared.Wrap(err, "select scheduler logs")
	}
	defer rows.Close()

	var entries []engine.LogEntry
	for rows.Next() {
		var entry engine.LogEntry
		var status string
		if err := rows.Scan(&entry.ID, &entry.JobID, &entry.StepID, &entry.ProjectID, &entry.At, &status, &entry.Details); err != nil {
			return nil, shared.Wrap(err, "scan scheduler log")
		}
		entry.Status = engine.Status(status)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Get implements delivery.CredentialStore over the installations table.
func (r *Repository) Get(ctx context.Context, orgID string, kind delivery.Kind) (delivery.Credentials, error) {
	var creds delivery.Credentials
	err := r.q(ctx).QueryRow(ctx,
		`SELECT token, team_id FROM installations WHERE org_id = $1 AND kind = $2`,
		orgID, string(kind),
	).Scan(&creds.Token, &creds.TeamID)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Credentials{}, notFound("installation", orgID+"/"+string(kind))
	}
	if err != nil {
		return delivery.Credentials{}, shared.Wrap(err, "select installation")
	}
	return creds, nil
}

// PutInstallation stores or replaces organization credentials for one target
// kind. Used by provisioning, not by the engine.
func (r *Repository) PutInstallation(ctx context.Context, orgID string, kind delivery.Kind, creds delivery.Credentials) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO installations (org_id, kind, token, team_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, kind) DO UPDATE SET token = excluded.token, team_id = excluded.team_id`,
		orgID, string(kind), creds.Token, creds.TeamID,
	)
	return shared.Wrap(err, "upsert installation")
}
