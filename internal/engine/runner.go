package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"deliveryd/internal/delivery"
	"deliveryd/internal/shared"
	"deliveryd/pkg/retry"
)

// Renderer produces the payload for a content reference. Rendering happens
// once per job; every step consumes the same payload read-only.
type Renderer interface {
	Render(ctx context.Context, contentRef string) (delivery.Payload, error)
}

// RunnerConfig controls the job runner.
type RunnerConfig struct {
	Workers      int
	QueueSize    int
	PollInterval time.Duration

	// MaxAttempts is the per-destination send budget (first try included).
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// SendTimeout bounds one delivery attempt; exceeding it is retryable.
	SendTimeout   time.Duration
	RenderTimeout time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 2 * time.Minute
	}
	return c
}

// queuedJob pairs a created job with the definition snapshot it was created
// from, so scheduler edits never affect an in-flight execution.
type queuedJob struct {
	job Job
	def Definition
}

// Runner turns due scheduler definitions into tracked executions: it creates
// jobs with one step per target, renders once, fans delivery out across steps
// and records every transition in the audit log.
type Runner struct {
	repo     Repository
	renderer Renderer
	targets  map[delivery.Kind]delivery.Target
	cfg      RunnerConfig
	log      *slog.Logger

	queue   chan queuedJob
	wg      sync.WaitGroup
	polling sync.Mutex
	ctx     context.Context
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
}

// NewRunner creates a Runner over the given targets.
func NewRunner(repo Repository, renderer Renderer, targets []delivery.Target, cfg RunnerConfig, log *slog.Logger) *Runner {
	byKind := make(map[delivery.Kind]delivery.Target, len(targets))
	for _, t := range targets {
		byKind[t.Kind()] = t
	}
	cfg = cfg.withDefaults()
	return &Runner{
		repo:     repo,
		renderer: renderer,
		targets:  byKind,
		cfg:      cfg,
		log:      log,
		queue:    make(chan queuedJob, cfg.QueueSize),
		ctx:      context.Background(),
		now:      time.Now,
	}
}

// Start launches the worker pool and the due-scheduler poll loop. Both stop
// when ctx is canceled; Wait blocks until in-flight jobs drain.
func (r *Runner) Start(ctx context.Context) {
	r.ctx = ctx
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	r.wg.Add(1)
	go r.pollLoop(ctx)
	r.log.Info("job runner started",
		slog.Int("workers", r.cfg.Workers),
		slog.Duration("poll_interval", r.cfg.PollInterval),
	)
}

// Wait blocks until all workers have exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case qj := <-r.queue:
			r.execute(ctx, qj)
		}
	}
}

func (r *Runner) pollLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Skip the tick when the previous poll is still running.
			if !r.polling.TryLock() {
				continue
			}
			if err := r.RunDue(ctx, r.now()); err != nil && !shared.IsCanceled(err) {
				r.log.Error("due scheduler poll failed", slog.Any("error", err))
			}
			r.polling.Unlock()
		}
	}
}

// RunDue creates and enqueues a job for every enabled definition whose next
// run is at or before now, then advances each definition's next run. A
// disabled scheduler never reaches this point: the repository only returns
// enabled rows.
func (r *Runner) RunDue(ctx context.Context, now time.Time) error {
	due, err := r.repo.ListDueDefinitions(ctx, now)
	if err != nil {
		return shared.Wrap(err, "list due schedulers")
	}
	for _, def := range due {
		job, err := r.createJob(ctx, &def, now)
		if err != nil {
			r.log.Error("failed to create job",
				slog.String("scheduler_id", def.ID.String()),
				slog.Any("error", err),
			)
			continue
		}

		next, err := def.NextRun(now)
		if err != nil {
			next = nil
		}
		if def.OneOff() {
			// One-off schedules fire once and are switched off.
			if err := r.repo.SetEnabled(ctx, def.ID, false, nil); err != nil {
				r.log.Error("failed to disable fired one-off scheduler", slog.Any("error", err))
			}
		} else if err := r.repo.SetNextRun(ctx, def.ID, next); err != nil {
			r.log.Error("failed to advance next run", slog.Any("error", err))
		}

		r.dispatch(queuedJob{job: job, def: def})
	}
	return nil
}

// SendNow runs an unsaved scheduler configuration through the regular state
// machine. The job id is returned before delivery happens; callers poll the
// status tracker for the outcome.
func (r *Runner) SendNow(ctx context.Context, def Definition) (uuid.UUID, error) {
	if err := def.Validate(); err != nil {
		return uuid.Nil, err
	}
	job, err := r.createAdHocJob(ctx, def, r.now())
	if err != nil {
		return uuid.Nil, err
	}
	r.dispatch(queuedJob{job: job, def: def})
	return job.ID, nil
}

// dispatch hands a job to the worker pool. When the queue is saturated the
// job runs on its own goroutine instead of blocking the caller.
func (r *Runner) dispatch(qj queuedJob) {
	select {
	case r.queue <- qj:
	default:
		go r.execute(r.ctx, qj)
	}
}

func (r *Runner) createJob(ctx context.Context, def *Definition, triggeredAt time.Time) (Job, error) {
	id := def.ID
	return r.newJob(ctx, &id, def.ProjectID, def.Targets, triggeredAt)
}

func (r *Runner) createAdHocJob(ctx context.Context, def Definition, triggeredAt time.Time) (Job, error) {
	return r.newJob(ctx, nil, def.ProjectID, def.Targets, triggeredAt)
}

// newJob persists a job in state scheduled with one scheduled step per target
// and a log row for each transition.
func (r *Runner) newJob(ctx context.Context, schedulerID *uuid.UUID, projectID string, targets []delivery.TargetConfig, triggeredAt time.Time) (Job, error) {
	job := Job{
		ID:          uuid.New(),
		SchedulerID: schedulerID,
		ProjectID:   projectID,
		TriggeredAt: triggeredAt,
		Status:      StatusScheduled,
	}
	if err := r.repo.CreateJob(ctx, job); err != nil {
		return Job{}, err
	}
	r.appendLog(ctx, job, nil, StatusScheduled, "job scheduled")

	for _, target := range targets {
		step := JobStep{
			ID:     uuid.New(),
			JobID:  job.ID,
			Target: target,
			Status: StatusScheduled,
		}
		if err := r.repo.CreateStep(ctx, step); err != nil {
			return Job{}, err
		}
		r.appendLog(ctx, job, &step.ID, StatusScheduled, fmt.Sprintf("step scheduled for %s target", target.Kind))
	}
	return job, nil
}

// execute drives one job through the state machine to a terminal status.
func (r *Runner) execute(ctx context.Context, qj queuedJob) {
	job := qj.job
	log := r.log.With(slog.String("job_id", job.ID.String()))

	if err := r.repo.UpdateJobStatus(ctx, job.ID, StatusStarted, ""); err != nil {
		log.Error("failed to start job", slog.Any("error", err))
		return
	}
	r.appendLog(ctx, job, nil, StatusStarted, "job started")

	steps, err := r.repo.ListSteps(ctx, job.ID)
	if err != nil {
		log.Error("failed to load job steps", slog.Any("error", err))
		return
	}

	// Render once per job; steps borrow the payload read-only.
	renderCtx, cancel := context.WithTimeout(ctx, r.cfg.RenderTimeout)
	payload, renderErr := r.renderer.Render(renderCtx, qj.def.ContentRef)
	cancel()
	if renderErr != nil {
		// Without content no step can proceed: fail them all with one detail.
		detail := fmt.Sprintf("render failed: %v", renderErr)
		for i := range steps {
			r.finishStep(ctx, job, &steps[i], StatusError, detail, log)
		}
		r.finishJob(ctx, job, steps, log)
		return
	}

	var wg sync.WaitGroup
	for i := range steps {
		wg.Add(1)
		go func(step *JobStep) {
			defer wg.Done()
			status, detail := r.executeStep(ctx, qj.def, *step, payload, log)
			r.finishStep(ctx, job, step, status, detail, log)
		}(&steps[i])
	}
	wg.Wait()

	r.finishJob(ctx, job, steps, log)
}

// executeStep delivers the payload to one target and reports the terminal
// step status with its error detail.
func (r *Runner) executeStep(ctx context.Context, def Definition, step JobStep, payload delivery.Payload, log *slog.Logger) (Status, string) {
	if err := r.repo.UpdateStepStatus(ctx, step.ID, StatusStarted, ""); err != nil {
		log.Error("failed to start step", slog.Any("error", err))
	}
	r.appendLog(ctx, Job{ID: step.JobID, ProjectID: def.ProjectID}, &step.ID, StatusStarted, fmt.Sprintf("delivering to %s target", step.Target.Kind))

	target, ok := r.targets[step.Target.Kind]
	if !ok {
		return StatusError, fmt.Sprintf("no delivery target registered for kind %q", step.Target.Kind)
	}

	destinations, err := target.ResolveRecipients(ctx, step.Target)
	if err != nil {
		return StatusError, fmt.Sprintf("failed to resolve recipients: %v", err)
	}
	if len(destinations) == 0 {
		return StatusError, "target resolved to no destinations"
	}

	// Channel auto-join is best-effort: a failure is logged and the send is
	// still attempted, whose own result is authoritative.
	if joiner, ok := target.(delivery.Joiner); ok {
		if err := joiner.EnsureJoined(ctx, step.Target, destinations); err != nil {
			log.Warn("channel join failed, attempting send anyway",
				slog.String("step_id", step.ID.String()),
				slog.Any("error", err),
			)
		}
	}

	retryCfg := retry.Config{
		MaxAttempts:  r.cfg.MaxAttempts,
		InitialDelay: r.cfg.RetryBase,
		MaxDelay:     r.cfg.RetryMaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
		After:        r.after,
		OnRetry: func(attempt int, err error, nextDelay time.Duration) {
			log.Warn("delivery attempt failed, retrying",
				slog.String("step_id", step.ID.String()),
				slog.Int("attempt", attempt),
				slog.Duration("next_delay", nextDelay),
				slog.Any("error", err),
			)
		},
	}

	for _, dest := range destinations {
		err := retry.DoWithRetryable(ctx, retryCfg, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
			defer cancel()
			return target.Send(attemptCtx, step.Target, payload, dest)
		}, delivery.IsRetryable)
		if err != nil {
			return StatusError, fmt.Sprintf("delivery to %s failed: %v", dest, err)
		}
	}

	return StatusCompleted, ""
}

// finishStep writes the terminal step status and exactly one terminal log row.
func (r *Runner) finishStep(ctx context.Context, job Job, step *JobStep, status Status, detail string, log *slog.Logger) {
	step.Status = status
	step.ErrorDetail = detail
	if err := r.repo.UpdateStepStatus(ctx, step.ID, status, detail); err != nil {
		log.Error("failed to finish step", slog.Any("error", err))
	}
	msg := fmt.Sprintf("%s delivery completed", step.Target.Kind)
	if status == StatusError {
		msg = detail
	}
	r.appendLog(ctx, job, &step.ID, status, msg)
}

// finishJob writes the aggregate status once every step is terminal.
func (r *Runner) finishJob(ctx context.Context, job Job, steps []JobStep, log *slog.Logger) {
	status := AggregateStatus(steps)
	detail := FirstStepError(steps)
	if err := r.repo.UpdateJobStatus(ctx, job.ID, status, detail); err != nil {
		log.Error("failed to finish job", slog.Any("error", err))
		return
	}
	msg := "job completed"
	if status == StatusError {
		msg = detail
	}
	r.appendLog(ctx, job, nil, status, msg)
	log.Info("job finished", slog.String("status", string(status)))
}

func (r *Runner) appendLog(ctx context.Context, job Job, stepID *uuid.UUID, status Status, details string) {
	entry := LogEntry{
		ID:        uuid.New(),
		JobID:     job.ID,
		StepID:    stepID,
		ProjectID: job.ProjectID,
		At:        r.now(),
		Status:    status,
		Details:   details,
	}
	if err := r.repo.AppendLog(ctx, entry); err != nil {
		r.log.Error("failed to append scheduler log",
			slog.String("job_id", job.ID.String()),
			slog.Any("error", err),
		)
	}
}
