package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliveryd/internal/delivery"
	"deliveryd/internal/engine"
	platformsqlite "deliveryd/internal/platform/sqlite"
	"deliveryd/internal/shared"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()
	db, err := platformsqlite.NewDB(ctx, filepath.Join(t.TempDir(), "deliveryd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return NewRepository(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testDefinition(name string) engine.Definition {
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	next := now.Add(time.Hour)
	return engine.Definition{
		ID:         uuid.New(),
		ProjectID:  "proj-1",
		OrgID:      "org-1",
		Name:       name,
		Cron:       "0 9 * * 1",
		Enabled:    true,
		ContentRef: "dashboards/42",
		Targets: []delivery.TargetConfig{
			{Kind: delivery.KindChat, OrgID: "org-1", Channel: "#general"},
			{Kind: delivery.KindEmail, Recipients: []string{"a@example.com", "b@example.com"}},
		},
		CreatedBy: "user-1",
		UpdatedBy: "user-1",
		CreatedAt: now,
		UpdatedAt: now,
		NextRunAt: &next,
	}
}

func TestDefinitionRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	def := testDefinition("weekly digest")
	require.NoError(t, repo.CreateDefinition(ctx, def))

	got, err := repo.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.Name, got.Name)
	assert.Equal(t, def.Cron, got.Cron)
	assert.Nil(t, got.At)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(*def.NextRunAt))
	require.Len(t, got.Targets, 2, "target order and count survive the round trip")
	assert.Equal(t, delivery.KindChat, got.Targets[0].Kind)
	assert.Equal(t, "#general", got.Targets[0].Channel)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, got.Targets[1].Recipients)
}

func TestGetDefinitionNotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.GetDefinition(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, shared.IsNotFound(err))
}

func TestUpdateDefinitionReplacesTargets(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	def := testDefinition("weekly digest")
	require.NoError(t, repo.CreateDefinition(ctx, def))

	def.Name = "daily digest"
	def.Targets = []delivery.TargetConfig{
		{Kind: delivery.KindTeams, WebhookURL: "https://example.webhook.office.com/abc"},
	}
	require.NoError(t, repo.UpdateDefinition(ctx, def))

	got, err := repo.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, "daily digest", got.Name)
	require.Len(t, got.Targets, 1)
	assert.Equal(t, delivery.KindTeams, got.Targets[0].Kind)
}

func TestListDefinitions(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		def := testDefinition(name)
		require.NoError(t, repo.CreateDefinition(ctx, def))
	}
	other := testDefinition("delta")
	other.ProjectID = "proj-2"
	require.NoError(t, repo.CreateDefinition(ctx, other))

	t.Run("filtered and sorted", func(t *testing.T) {
		page, err := repo.ListDefinitions(ctx, engine.ListFilter{ProjectID: "proj-1"},
			&engine.Sort{Column: engine.SortByName, Direction: engine.SortAsc}, engine.PageRequest{})
		require.NoError(t, err)
		require.Len(t, page.Definitions, 3)
		assert.Equal(t, 3, page.Total)
		assert.Equal(t, "alpha", page.Definitions[0].Name)
		assert.NotEmpty(t, page.Definitions[0].Targets)
	})

	t.Run("descending", func(t *testing.T) {
		page, err := repo.ListDefinitions(ctx, engine.ListFilter{ProjectID: "proj-1"},
			&engine.Sort{Column: engine.SortByName, Direction: engine.SortDesc}, engine.PageRequest{})
		require.NoError(t, err)
		assert.Equal(t, "charlie", page.Definitions[0].Name)
	})

	t.Run("paginated with total", func(t *testing.T) {
		page, err := repo.ListDefinitions(ctx, engine.ListFilter{ProjectID: "proj-1"},
			nil, engine.PageRequest{Page: 2, PageSize: 2})
		require.NoError(t, err)
		require.Len(t, page.Definitions, 1)
		assert.Equal(t, 3, page.Total)
		assert.Equal(t, "charlie", page.Definitions[0].Name)
	})

	t.Run("search", func(t *testing.T) {
		page, err := repo.ListDefinitions(ctx, engine.ListFilter{Search: "RAV"}, nil, engine.PageRequest{})
		require.NoError(t, err)
		require.Len(t, page.Definitions, 1)
		assert.Equal(t, "bravo", page.Definitions[0].Name)
	})
}

func TestListDueDefinitions(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	due := testDefinition("due")
	past := now.Add(-time.Minute)
	due.NextRunAt = &past
	require.NoError(t, repo.CreateDefinition(ctx, due))

	future := testDefinition("future")
	later := now.Add(time.Hour)
	future.NextRunAt = &later
	require.NoError(t, repo.CreateDefinition(ctx, future))

	disabled := testDefinition("disabled")
	disabled.Enabled = false
	disabled.NextRunAt = &past
	require.NoError(t, repo.CreateDefinition(ctx, disabled))

	fired := testDefinition("fired one-off")
	fired.NextRunAt = nil
	require.NoError(t, repo.CreateDefinition(ctx, fired))

	got, err := repo.ListDueDefinitions(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "due", got[0].Name)
	assert.NotEmpty(t, got[0].Targets)
}

func TestSetEnabledAndNextRun(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	def := testDefinition("toggle")
	require.NoError(t, repo.CreateDefinition(ctx, def))

	require.NoError(t, repo.SetEnabled(ctx, def.ID, false, nil))
	got, err := repo.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRunAt)

	next := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SetNextRun(ctx, def.ID, &next))
	got, err = repo.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))

	assert.True(t, shared.IsNotFound(repo.SetEnabled(ctx, uuid.New(), true, nil)))
	assert.True(t, shared.IsNotFound(repo.SetNextRun(ctx, uuid.New(), nil)))
}

func TestDeleteDefinitionKeepsJobs(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	def := testDefinition("doomed")
	require.NoError(t, repo.CreateDefinition(ctx, def))

	schedulerID := def.ID
	job := engine.Job{
		ID:          uuid.New(),
		SchedulerID: &schedulerID,
		ProjectID:   def.ProjectID,
		TriggeredAt: time.Now().UTC(),
		Status:      engine.StatusCompleted,
	}
	require.NoError(t, repo.CreateJob(ctx, job))

	require.NoError(t, repo.DeleteDefinition(ctx, def.ID))

	_, err := repo.GetDefinition(ctx, def.ID)
	assert.True(t, shared.IsNotFound(err))

	jobs, err := repo.ListJobs(ctx, schedulerID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "execution history outlives the scheduler")

	targets, err := repo.loadTargets(ctx, def.ID)
	require.NoError(t, err)
	assert.Empty(t, targets, "target configs cascade with the scheduler")
}

func TestJobStepLogRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	job := engine.Job{
		ID:          uuid.New(),
		ProjectID:   "proj-1",
		TriggeredAt: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		Status:      engine.StatusScheduled,
	}
	require.NoError(t, repo.CreateJob(ctx, job))

	step := engine.JobStep{
		ID:     uuid.New(),
		JobID:  job.ID,
		Target: delivery.TargetConfig{Kind: delivery.KindChat, OrgID: "org-1", Channel: "#general"},
		Status: engine.StatusScheduled,
	}
	require.NoError(t, repo.CreateStep(ctx, step))

	require.NoError(t, repo.UpdateJobStatus(ctx, job.ID, engine.StatusStarted, ""))
	require.NoError(t, repo.UpdateStepStatus(ctx, step.ID, engine.StatusStarted, ""))
	require.NoError(t, repo.UpdateStepStatus(ctx, step.ID, engine.StatusError, "channel_not_found"))
	require.NoError(t, repo.UpdateJobStatus(ctx, job.ID, engine.StatusError, "channel_not_found"))

	gotJob, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusError, gotJob.Status)
	assert.Nil(t, gotJob.SchedulerID)
	assert.Equal(t, "channel_not_found", gotJob.ErrorDetail)

	steps, err := repo.ListSteps(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, engine.StatusError, steps[0].Status)
	assert.NotNil(t, steps[0].StartedAt, "started transition stamps started_at")
	assert.NotNil(t, steps[0].FinishedAt, "terminal transition stamps finished_at")
	assert.Equal(t, delivery.KindChat, steps[0].Target.Kind)

	stepID := step.ID
	for i, entry := range []engine.LogEntry{
		{ID: uuid.New(), JobID: job.ID, ProjectID: "proj-1", Status: engine.StatusScheduled, Details: "job scheduled"},
		{ID: uuid.New(), JobID: job.ID, StepID: &stepID, ProjectID: "proj-1", Status: engine.StatusError, Details: "channel_not_found"},
	} {
		entry.At = job.TriggeredAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.AppendLog(ctx, entry))
	}

	logs, err := repo.ListLogs(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, engine.StatusError, logs[0].Status, "newest first")
	require.NotNil(t, logs[0].StepID)
	assert.Equal(t, stepID, *logs[0].StepID)
}

func TestCredentialStore(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.Get(ctx, "org-1", delivery.KindChat)
	require.Error(t, err)
	assert.True(t, shared.IsNotFound(err))

	require.NoError(t, repo.PutInstallation(ctx, "org-1", delivery.KindChat,
		delivery.Credentials{Token: "xoxb-1", TeamID: "T1"}))

	creds, err := repo.Get(ctx, "org-1", delivery.KindChat)
	require.NoError(t, err)
	assert.Equal(t, "xoxb-1", creds.Token)
	assert.Equal(t, "T1", creds.TeamID)

	// Upsert replaces the token after reinstallation.
	require.NoError(t, repo.PutInstallation(ctx, "org-1", delivery.KindChat,
		delivery.Credentials{Token: "xoxb-2", TeamID: "T1"}))
	creds, err = repo.Get(ctx, "org-1", delivery.KindChat)
	require.NoError(t, err)
	assert.Equal(t, "xoxb-2", creds.Token)
}
