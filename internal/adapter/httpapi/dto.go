package httpapi

import (
	"time"

	"github.com/google/uuid"

	"deliveryd/internal/delivery"
	"deliveryd/internal/engine"
)

type targetDTO struct {
	Kind       string   `json:"kind" binding:"required,oneof=chat email teams"`
	OrgID      string   `json:"organizationId,omitempty"`
	Channel    string   `json:"channel,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	WebhookURL string   `json:"webhookUrl,omitempty"`
}

func (t targetDTO) toConfig() delivery.TargetConfig {
	return delivery.TargetConfig{
		Kind:       delivery.Kind(t.Kind),
		OrgID:      t.OrgID,
		Channel:    t.Channel,
		Recipients: t.Recipients,
		WebhookURL: t.WebhookURL,
	}
}

func targetFromConfig(cfg delivery.TargetConfig) targetDTO {
	return targetDTO{
		Kind:       string(cfg.Kind),
		OrgID:      cfg.OrgID,
		Channel:    cfg.Channel,
		Recipients: cfg.Recipients,
		WebhookURL: cfg.WebhookURL,
	}
}

func targetsToConfigs(dtos []targetDTO) []delivery.TargetConfig {
	out := make([]delivery.TargetConfig, len(dtos))
	for i, t := range dtos {
		out[i] = t.toConfig()
	}
	return out
}

type schedulerDTO struct {
	SchedulerID uuid.UUID   `json:"schedulerId"`
	ProjectID   string      `json:"projectId"`
	OrgID       string      `json:"organizationId,omitempty"`
	Name        string      `json:"name"`
	Cron        string      `json:"cron,omitempty"`
	At          *time.Time  `json:"at,omitempty"`
	Enabled     bool        `json:"enabled"`
	ContentRef  string      `json:"contentRef"`
	Targets     []targetDTO `json:"targets"`
	CreatedBy   string      `json:"createdBy,omitempty"`
	UpdatedBy   string      `json:"updatedBy,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	NextRunAt   *time.Time  `json:"nextRunAt,omitempty"`
}

func schedulerFromDefinition(def engine.Definition) schedulerDTO {
	targets := make([]targetDTO, len(def.Targets))
	for i, t := range def.Targets {
		targets[i] = targetFromConfig(t)
	}
	return schedulerDTO{
		SchedulerID: def.ID,
		ProjectID:   def.ProjectID,
		OrgID:       def.OrgID,
		Name:        def.Name,
		Cron:        def.Cron,
		At:          def.At,
		Enabled:     def.Enabled,
		ContentRef:  def.ContentRef,
		Targets:     targets,
		CreatedBy:   def.CreatedBy,
		UpdatedBy:   def.UpdatedBy,
		CreatedAt:   def.CreatedAt,
		UpdatedAt:   def.UpdatedAt,
		NextRunAt:   def.NextRunAt,
	}
}

type schedulerListDTO struct {
	Schedulers []schedulerDTO `json:"schedulers"`
	Total      int            `json:"total"`
}

type createSchedulerRequest struct {
	Name       string      `json:"name" binding:"required"`
	OrgID      string      `json:"organizationId"`
	Cron       string      `json:"cron"`
	At         *time.Time  `json:"at"`
	Enabled    *bool       `json:"enabled"`
	ContentRef string      `json:"contentRef" binding:"required"`
	Targets    []targetDTO `json:"targets" binding:"required,min=1,dive"`
	CreatedBy  string      `json:"createdBy"`
}

type patchSchedulerRequest struct {
	Name       *string     `json:"name"`
	Cron       *string     `json:"cron"`
	At         *time.Time  `json:"at"`
	ContentRef *string     `json:"contentRef"`
	Targets    []targetDTO `json:"targets" binding:"omitempty,min=1,dive"`
	UpdatedBy  string      `json:"updatedBy"`
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type sendRequest struct {
	Name       string      `json:"name" binding:"required"`
	ProjectID  string      `json:"projectId" binding:"required"`
	OrgID      string      `json:"organizationId"`
	Cron       string      `json:"cron"`
	At         *time.Time  `json:"at"`
	ContentRef string      `json:"contentRef" binding:"required"`
	Targets    []targetDTO `json:"targets" binding:"required,min=1,dive"`
}

type jobDTO struct {
	JobID       uuid.UUID  `json:"jobId"`
	SchedulerID *uuid.UUID `json:"schedulerId,omitempty"`
	ProjectID   string     `json:"projectId"`
	TriggeredAt time.Time  `json:"triggeredAt"`
	Status      string     `json:"status"`
	Details     string     `json:"details,omitempty"`
}

func jobFromEngine(job engine.Job) jobDTO {
	return jobDTO{
		JobID:       job.ID,
		SchedulerID: job.SchedulerID,
		ProjectID:   job.ProjectID,
		TriggeredAt: job.TriggeredAt,
		Status:      string(job.Status),
		Details:     job.ErrorDetail,
	}
}

type logEntryDTO struct {
	ID        uuid.UUID  `json:"id"`
	JobID     uuid.UUID  `json:"jobId"`
	StepID    *uuid.UUID `json:"stepId,omitempty"`
	ProjectID string     `json:"projectId"`
	Timestamp time.Time  `json:"timestamp"`
	Status    string     `json:"status"`
	Details   string     `json:"details,omitempty"`
}

func logFromEngine(entry engine.LogEntry) logEntryDTO {
	return logEntryDTO{
		ID:        entry.ID,
		JobID:     entry.JobID,
		StepID:    entry.StepID,
		ProjectID: entry.ProjectID,
		Timestamp: entry.At,
		Status:    string(entry.Status),
		Details:   entry.Details,
	}
}

type jobStatusDTO struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

type sendResponse struct {
	JobID uuid.UUID `json:"jobId"`
}
