// Package sqlite implements the engine repository and the installation-backed
// credential store on SQLite, for the embedded deployment mode and tests.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"deliveryd/internal/delivery"
	"deliveryd/internal/engine"
	platformsqlite "deliveryd/internal/platform/sqlite"
	"deliveryd/internal/shared"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the schema migrations for this repository.
func Migrate(db *sql.DB) error {
	return platformsqlite.ApplyMigrationsFromFS(db, migrationsFS, "migrations")
}

// Repository implements engine.Repository and delivery.CredentialStore.
type Repository struct {
	db  *sql.DB
	log *slog.Logger
}

// NewRepository creates a Repository over the given handle.
func NewRepository(db *sql.DB, log *slog.Logger) *Repository {
	return &Repository{db: db, log: log}
}

var (
	_ engine.Repository        = (*Repository)(nil)
	_ delivery.CredentialStore = (*Repository)(nil)
)

func notFound(what string, id any) error {
	return shared.MarkKind(fmt.Errorf("%s %v", what, id), shared.KindNotFound)
}

// Times are stored as fixed-width UTC RFC3339 text: values round-trip
// independently of driver conversion rules and compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func decodeTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeUUIDPtr(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func decodeUUIDPtr(s sql.NullString) (*uuid.UUID, error) {
	if !s.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// CreateDefinition inserts a scheduler with its target configs atomically.
func (r *Repository) CreateDefinition(ctx context.Context, def engine.Definition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return shared.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO schedulers (id, project_id, org_id, name, cron, run_at, enabled,
			content_ref, created_by, updated_by, created_at, updated_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID.String(), def.ProjectID, def.OrgID, def.Name, def.Cron, encodeTimePtr(def.At),
		def.Enabled, def.ContentRef, def.CreatedBy, def.UpdatedBy,
		encodeTime(def.CreatedAt), encodeTime(def.UpdatedAt), encodeTimePtr(def.NextRunAt),
	)
	if err != nil {
		return shared.Wrap(err, "insert scheduler")
	}
	if err := insertTargets(ctx, tx, def.ID, def.Targets); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTargets(ctx context.Context, tx *sql.Tx, schedulerID uuid.UUID, targets []delivery.TargetConfig) error {
	for i, t := range targets {
		recipients, err := json.Marshal(t.Recipients)
		if err != nil {
			return shared.Wrap(err, "encode recipients")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scheduler_targets (scheduler_id, position, kind, org_id, channel, recipients, webhook_url)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			schedulerID.String(), i, string(t.Kind), t.OrgID, t.Channel, string(recipients), t.WebhookURL,
		)
		if err != nil {
			return shared.Wrap(err, "insert scheduler target")
		}
	}
	return nil
}

const definitionColumns = `id, project_id, org_id, name, cron, run_at, enabled,
	content_ref, created_by, updated_by, created_at, updated_at, next_run_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (engine.Definition, error) {
	var (
		def                  engine.Definition
		id                   string
		runAt, nextRunAt     sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&id, &def.ProjectID, &def.OrgID, &def.Name, &def.Cron, &runAt,
		&def.Enabled, &def.ContentRef, &def.CreatedBy, &def.UpdatedBy,
		&createdAt, &updatedAt, &nextRunAt)
	if err != nil {
		return engine.Definition{}, err
	}
	if def.ID, err = uuid.Parse(id); err != nil {
		return engine.Definition{}, err
	}
	if def.At, err = decodeTimePtr(runAt); err != nil {
		return engine.Definition{}, err
	}
	if def.NextRunAt, err = decodeTimePtr(nextRunAt); err != nil {
		return engine.Definition{}, err
	}
	if def.CreatedAt, err = decodeTime(createdAt); err != nil {
		return engine.Definition{}, err
	}
	if def.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return engine.Definition{}, err
	}
	return def, nil
}

// GetDefinition loads one scheduler with its targets.
func (r *Repository) GetDefinition(ctx context.Context, id uuid.UUID) (engine.Definition, error) {
	def, err := scanDefinition(r.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM schedulers WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Definition{}, notFound("scheduler", id)
	}
	if err != nil {
		return engine.Definition{}, shared.Wrap(err, "select scheduler")
	}
	def.Targets, err = r.loadTargets(ctx, id)
	if err != nil {
		return engine.Definition{}, err
	}
	return def, nil
}

func (r *Repository) loadTargets(ctx context.Context, schedulerID uuid.UUID) ([]delivery.TargetConfig, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT kind, org_id, channel, recipients, webhook_url
		FROM scheduler_targets WHERE scheduler_id = ? ORDER BY position`, schedulerID.String())
	if err != nil {
		return nil, shared.Wrap(err, "select scheduler targets")
	}
	defer rows.Close()

	var targets []delivery.TargetConfig
	for rows.Next() {
		var (
			cfg        delivery.TargetConfig
			kind       string
			recipients string
		)
		if err := rows.Scan(&kind, &cfg.OrgID, &cfg.Channel, &recipients, &cfg.WebhookURL); err != nil {
			return nil, shared.Wrap(err, "scan scheduler target")
		}
		cfg.Kind = delivery.Kind(kind)
		if err := json.Unmarshal([]byte(recipients), &cfg.Recipients); err != nil {
			return nil, shared.Wrap(err, "decode recipients")
		}
		targets = append(targets, cfg)
	}
	return targets, rows.Err()
}

// ListDefinitions returns a filtered, sorted, optionally paginated listing
// with the total count of matching schedulers.
func (r *Repository) ListDefinitions(ctx context.Context, filter engine.ListFilter, sort *engine.Sort, page engine.PageRequest) (engine.DefinitionPage, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Search != "" {
		where = append(where, "name LIKE ? COLLATE NOCASE")
		args = append(args, "%"+filter.Search+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT count(*) FROM schedulers"+clause, args...).Scan(&total); err != nil {
		return engine.DefinitionPage{}, shared.Wrap(err, "count schedulers")
	}

	order := " ORDER BY name ASC"
	if sort != nil && sort.Direction == engine.SortDesc {
		order = " ORDER BY name DESC"
	}
	limit := ""
	if page.Enabled() {
		limit = " LIMIT ? OFFSET ?"
		args = append(args, page.PageSize, (page.Page-1)*page.PageSize)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+definitionColumns+` FROM schedulers`+clause+order+limit, args...)
	if err != nil {
		return engine.DefinitionPage{}, shared.Wrap(err, "select schedulers")
	}
	defer rows.Close()

	var defs []engine.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return engine.DefinitionPage{}, shared.Wrap(err, "scan scheduler")
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return engine.DefinitionPage{}, err
	}

	for i := range defs {
		if defs[i].Targets, err = r.loadTargets(ctx, defs[i].ID); err != nil {
			return engine.DefinitionPage{}, err
		}
	}
	return engine.DefinitionPage{Definitions: defs, Total: total}, nil
}

// UpdateDefinition replaces the scheduler row and its whole target list.
func (r *Repository) UpdateDefinition(ctx context.Context, def engine.Definition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return shared.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE schedulers SET name = ?, cron = ?, run_at = ?, enabled = ?,
			content_ref = ?, updated_by = ?, updated_at = ?, next_run_at = ?
		WHERE id = ?`,
		def.Name, def.Cron, encodeTimePtr(def.At), def.Enabled,
		def.ContentRef, def.UpdatedBy, encodeTime(def.UpdatedAt), encodeTimePtr(def.NextRunAt),
		def.ID.String(),
	)
	if err != nil {
		return shared.Wrap(err, "update scheduler")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("scheduler", def.ID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduler_targets WHERE scheduler_id = ?`, def.ID.String()); err != nil {
		return shared.Wrap(err, "delete scheduler targets")
	}
	if err := insertTargets(ctx, tx, def.ID, def.Targets); err != nil {
		return err
	}
	return tx.Commit()
}

// SetEnabled flips the enabled flag and writes the derived next run.
func (r *Repository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool, nextRun *time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE schedulers SET enabled = ?, next_run_at = ? WHERE id = ?`,
		enabled, encodeTimePtr(nextRun), id.String())
	if err != nil {
		return shared.Wrap(err, "update scheduler enabled")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("scheduler", id)
	}
	return nil
}

// DeleteDefinition removes the scheduler; targets cascade, jobs and logs stay.
func (r *Repository) DeleteDefinition(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM schedulers WHERE id = ?`, id.String())
	if err != nil {
		return shared.Wrap(err, "delete scheduler")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("scheduler", id)
	}
	return nil
}

// ListDueDefinitions returns enabled schedulers whose next run has arrived.
func (r *Repository) ListDueDefinitions(ctx context.Context, now time.Time) ([]engine.Definition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM schedulers
		 WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at`, encodeTime(now))
	if err != nil {
		return nil, shared.Wrap(err, "select due schedulers")
	}
	defer rows.Close()

	var defs []engine.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, shared.Wrap(err, "scan scheduler")
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range defs {
		if defs[i].Targets, err = r.loadTargets(ctx, defs[i].ID); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

// SetNextRun advances or clears the derived next run.
func (r *Repository) SetNextRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE schedulers SET next_run_at = ? WHERE id = ?`, encodeTimePtr(nextRun), id.String())
	if err != nil {
		return shared.Wrap(err, "update scheduler next run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("scheduler", id)
	}
	return nil
}

// CreateJob inserts a job row.
func (r *Repository) CreateJob(ctx context.Context, job engine.Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, scheduler_id, project_id, triggered_at, status, error_detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID.String(), encodeUUIDPtr(job.SchedulerID), job.ProjectID,
		encodeTime(job.TriggeredAt), string(job.Status), job.ErrorDetail,
	)
	return shared.Wrap(err, "insert job")
}

func scanJob(row rowScanner) (engine.Job, error) {
	var (
		job         engine.Job
		id          string
		schedulerID sql.NullString
		triggeredAt string
		status      string
	)
	err := row.Scan(&id, &schedulerID, &job.ProjectID, &triggeredAt, &status, &job.ErrorDetail)
	if err != nil {
		return engine.Job{}, err
	}
	if job.ID, err = uuid.Parse(id); err != nil {
		return engine.Job{}, err
	}
	if job.SchedulerID, err = decodeUUIDPtr(schedulerID); err != nil {
		return engine.Job{}, err
	}
	if job.TriggeredAt, err = decodeTime(triggeredAt); err != nil {
		return engine.Job{}, err
	}
	job.Status = engine.Status(status)
	return job, nil
}

// GetJob loads one job.
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (engine.Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, `
		SELECT id, scheduler_id, project_id, triggered_at, status, error_detail
		FROM jobs WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Job{}, notFound("job", id)
	}
	if err != nil {
		return engine.Job{}, shared.Wrap(err, "select job")
	}
	return job, nil
}

// UpdateJobStatus writes a job's status transition.
func (r *Repository) UpdateJobStatus(ctx context.Context, id uuid.UUID, status engine.Status, errorDetail string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_detail = ? WHERE id = ?`,
		string(status), errorDetail, id.String())
	if err != nil {
		return shared.Wrap(err, "update job status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("job", id)
	}
	return nil
}

// ListJobs returns a scheduler's execution history, newest first.
func (r *Repository) ListJobs(ctx context.Context, schedulerID uuid.UUID) ([]engine.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, scheduler_id, project_id, triggered_at, status, error_detail
		FROM jobs WHERE scheduler_id = ? ORDER BY triggered_at DESC`, schedulerID.String())
	if err != nil {
		return nil, shared.Wrap(err, "select jobs")
	}
	defer rows.Close()

	var jobs []engine.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, shared.Wrap(err, "scan job")
		}
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
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO job_steps (id, job_id, kind, org_id, channel, recipients, webhook_url, status, error_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID.String(), step.JobID.String(), string(step.Target.Kind), step.Target.OrgID,
		step.Target.Channel, string(recipients), step.Target.WebhookURL, string(step.Status), step.ErrorDetail,
	)
	return shared.Wrap(err, "insert job step")
}

// UpdateStepStatus writes a step transition, stamping started/finished times.
func (r *Repository) UpdateStepStatus(ctx context.Context, id uuid.UUID, status engine.Status, errorDetail string) error {
	now := encodeTime(time.Now())
	res, err := r.db.ExecContext(ctx, `
		UPDATE job_steps SET status = ?, error_detail = ?,
			started_at = CASE WHEN ? = 'started' AND started_at IS NULL THEN ? ELSE started_at END,
			finished_at = CASE WHEN ? IN ('completed', 'error') THEN ? ELSE finished_at END
		WHERE id = ?`,
		string(status), errorDetail, string(status), now, string(status), now, id.String())
	if err != nil {
		return shared.Wrap(err, "update job step status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("job step", id)
	}
	return nil
}

// ListSteps returns a job's steps in creation order.
func (r *Repository) ListSteps(ctx context.Context, jobID uuid.UUID) ([]engine.JobStep, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, kind, org_id, channel, recipients, webhook_url,
			status, started_at, finished_at, error_detail
		FROM job_steps WHERE job_id = ? ORDER BY id`, jobID.String())
	if err != nil {
		return nil, shared.Wrap(err, "select job steps")
	}
	defer rows.Close()

	var steps []engine.JobStep
	for rows.Next() {
		var (
			step                  engine.JobStep
			id, stepJobID         string
			kind, status          string
			recipients            string
			startedAt, finishedAt sql.NullString
		)
		if err := rows.Scan(&id, &stepJobID, &kind, &step.Target.OrgID, &step.Target.Channel,
			&recipients, &step.Target.WebhookURL, &status, &startedAt, &finishedAt, &step.ErrorDetail); err != nil {
			return nil, shared.Wrap(err, "scan job step")
		}
		if step.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if step.JobID, err = uuid.Parse(stepJobID); err != nil {
			return nil, err
		}
		step.Target.Kind = delivery.Kind(kind)
		step.Status = engine.Status(status)
		if err := json.Unmarshal([]byte(recipients), &step.Target.Recipients); err != nil {
			return nil, shared.Wrap(err, "decode recipients")
		}
		if step.StartedAt, err = decodeTimePtr(startedAt); err != nil {
			return nil, err
		}
		if step.FinishedAt, err = decodeTimePtr(finishedAt); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// AppendLog inserts one audit row. Rows are never updated or deleted.
func (r *Repository) AppendLog(ctx context.Context, entry engine.LogEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scheduler_logs (id, job_id, step_id, project_id, at, status, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.JobID.String(), encodeUUIDPtr(entry.StepID),
		entry.ProjectID, encodeTime(entry.At), string(entry.Status), entry.Details,
	)
	return shared.Wrap(err, "insert scheduler log")
}

// ListLogs returns a project's audit trail, newest first.
func (r *Repository) ListLogs(ctx context.Context, projectID string) ([]engine.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, step_id, project_id, at, status, details
		FROM scheduler_logs WHERE project_id = ? ORDER BY at DESC`, projectID)
	if err != nil {
		return nil, shared.Wrap(err, "select scheduler logs")
	}
	defer rows.Close()

	var entries []engine.LogEntry
	for rows.Next() {
		var (
			entry      engine.LogEntry
			id, jobID  string
			stepID     sql.NullString
			at, status string
		)
		if err := rows.Scan(&id, &jobID, &stepID, &entry.ProjectID, &at, &status, &entry.Details); err != nil {
			return nil, shared.Wrap(err, "scan scheduler log")
		}
		if entry.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if entry.JobID, err = uuid.Parse(jobID); err != nil {
			return nil, err
		}
		if entry.StepID, err = decodeUUIDPtr(stepID); err != nil {
			return nil, err
		}
		if entry.At, err = decodeTime(at); err != nil {
			return nil, err
		}
		entry.Status = engine.Status(status)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Get implements delivery.CredentialStore over the installations table.
func (r *Repository) Get(ctx context.Context, orgID string, kind delivery.Kind) (delivery.Credentials, error) {
	var creds delivery.Credentials
	err := r.db.QueryRowContext(ctx,
		`SELECT token, team_id FROM installations WHERE org_id = ? AND kind = ?`,
		orgID, string(kind),
	).Scan(&creds.Token, &creds.TeamID)
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO installations (org_id, kind, token, team_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (org_id, kind) DO UPDATE SET token = excluded.token, team_id = excluded.team_id`,
		orgID, string(kind), creds.Token, creds.TeamID,
	)
	return shared.Wrap(err, "upsert installation")
}
