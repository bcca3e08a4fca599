// Package httpapi exposes the scheduler engine over REST.
package httpapi

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"deliveryd/internal/engine"
	"deliveryd/internal/shared"
)

// API holds the handlers for the scheduler routes.
type API struct {
	registry *engine.Registry
	runner   *engine.Runner
	tracker  *engine.Tracker
	log      *slog.Logger
}

// New creates the API.
func New(registry *engine.Registry, runner *engine.Runner, tracker *engine.Tracker, log *slog.Logger) *API {
	return &API{registry: registry, runner: runner, tracker: tracker, log: log}
}

// Register mounts the scheduler routes on the router.
func (a *API) Register(r gin.IRouter) {
	g := r.Group("/api/v1/schedulers")
	g.GET("/:projectID/logs", a.listLogs)
	g.GET("/:projectID/list", a.listSchedulers)
	g.POST("/:projectID", a.createScheduler)
	g.GET("/one/:schedulerID", a.getScheduler)
	g.PATCH("/one/:schedulerID", a.patchScheduler)
	g.DELETE("/one/:schedulerID", a.deleteScheduler)
	g.PATCH("/one/:schedulerID/enabled", a.setEnabled)
	g.GET("/one/:schedulerID/jobs", a.listJobs)
	g.GET("/job/:jobID/status", a.jobStatus)
	g.POST("/send", a.sendNow)
}

func badRequest(err error) error {
	return shared.MarkKind(err, shared.KindValidation)
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		respondError(c, badRequest(shared.Wrapf(err, "invalid %s", param)))
		return uuid.Nil, false
	}
	return id, true
}

func (a *API) createScheduler(c *gin.Context) {
	var req createSchedulerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err))
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	def, err := a.registry.Create(c.Request.Context(), engine.Definition{
		ProjectID:  c.Param("projectID"),
		OrgID:      req.OrgID,
		Name:       req.Name,
		Cron:       req.Cron,
		At:         req.At,
		Enabled:    enabled,
		ContentRef: req.ContentRef,
		Targets:    targetsToConfigs(req.Targets),
		CreatedBy:  req.CreatedBy,
		UpdatedBy:  req.CreatedBy,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, 201, schedulerFromDefinition(def))
}

func (a *API) getScheduler(c *gin.Context) {
	id, ok := parseID(c, "schedulerID")
	if !ok {
		return
	}
	def, err := a.registry.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, 200, schedulerFromDefinition(def))
}

// listSchedulers supports searchQuery, sortBy+sortDirection, and page+pageSize.
// Pagination applies only when page and pageSize are both supplied.
func (a *API) listSchedulers(c *gin.Context) {
	filter := engine.ListFilter{
		ProjectID: c.Param("projectID"),
		Search:    c.Query("searchQuery"),
	}

	var sort *engine.Sort
	if col := c.Query("sortBy"); col != "" {
		direction := engine.SortDirection(c.DefaultQuery("sortDirection", string(engine.SortAsc)))
		sort = &engine.Sort{Column: engine.SortColumn(col), Direction: direction}
	}

	var page engine.PageRequest
	var err error
	if v := c.Query("page"); v != "" {
		if page.Page, err = strconv.Atoi(v); err != nil {
			respondError(c, badRequest(shared.Wrap(err, "invalid page")))
			return
		}
	}
	if v := c.Query("pageSize"); v != "" {
		if page.PageSize, err = strconv.Atoi(v); err != nil {
			respondError(c, badRequest(shared.Wrap(err, "invalid pageSize")))
			return
		}
	}

	result, err := a.registry.List(c.Request.Context(), filter, sort, page)
	if err != nil {
		respondError(c, err)
		return
	}

	schedulers := make([]schedulerDTO, len(result.Definitions))
	for i, def := range result.Definitions {
		schedulers[i] = schedulerFromDefinition(def)
	}
	respondOK(c, 200, schedulerListDTO{Schedulers: schedulers, Total: result.Total})
}

func (a *API) patchScheduler(c *gin.Context) {
	id, ok := parseID(c, "schedulerID")
	if !ok {
		return
	}
	var req patchSchedulerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err))
		return
	}

	patch := engine.DefinitionPatch{
		Name:       req.Name,
		Cron:       req.Cron,
		At:         req.At,
		ContentRef: req.ContentRef,
		UpdatedBy:  req.UpdatedBy,
	}
	if req.Targets != nil {
		patch.Targets = targetsToConfigs(req.Targets)
	}

	def, err := a.registry.Patch(c.Request.Context(), id, patch)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, 200, schedulerFromDefinition(def))
}

func (a *API) setEnabled(c *gin.Context) {
	id, ok := parseID(c, "schedulerID")
	if !ok {
		return
	}
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err))
		return
	}
	def, err := a.registry.SetEnabled(c.Request.Context(), id, *req.Enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, 200, schedulerFromDefinition(def))
}

func (a *API) deleteScheduler(c *gin.Context) {
	id, ok := parseID(c, "schedulerID")
	if !ok {
		return
	}
	if err := a.registry.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, 200, gin.H{"schedulerId": id})
}

func (a *API) listJobs(c *gin.Context) {
	id, ok := parseID(c, "schedulerID")
	if !ok {
		return
	}
	jobs, err := a.registry.Jobs(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]jobDTO, len(jobs))
	for i, job := range jobs {
		out[i] = jobFromEngine(job)
	}
	respondOK(c, 200, out)
}

func (a *API) listLogs(c *gin.Context) {
	entries, err := a.registry.Logs(c.Request.Context(), c.Param("projectID"))
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]logEntryDTO, len(entries))
	for i, entry := range entries {
		out[i] = logFromEngine(entry)
	}
	respondOK(c, 200, out)
}

func (a *API) jobStatus(c *gin.Context) {
	id, ok := parseID(c, "jobID")
	if !ok {
		return
	}
	status, err := a.tracker.GetStatus(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, 200, jobStatusDTO{Status: string(status.Status), Details: status.Details})
}

// sendNow runs an unsaved scheduler configuration once. The job id is
// returned immediately; clients poll jobStatus for the outcome.
func (a *API) sendNow(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err))
		return
	}

	jobID, err := a.runner.SendNow(c.Request.Context(), engine.Definition{
		ProjectID:  req.ProjectID,
		OrgID:      req.OrgID,
		Name:       req.Name,
		Cron:       req.Cron,
		At:         req.At,
		ContentRef: req.ContentRef,
		Targets:    targetsToConfigs(req.Targets),
		CreatedAt:  time.Now(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, 200, sendResponse{JobID: jobID})
}
