// Package engine schedules batches of clip jobs across camera angles under
// a resource-derived concurrency ceiling.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/courtvision/clip-engine/internal/logging"
	"github.com/courtvision/clip-engine/internal/media"
	"github.com/courtvision/clip-engine/internal/metrics"
	"github.com/courtvision/clip-engine/internal/progress"
	"github.com/courtvision/clip-engine/internal/resource"
)

// Transfer is the slice of the storage client the engine consumes.
type Transfer interface {
	Upload(ctx context.Context, path, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	TestConnection(ctx context.Context) error
}

// CeilingSource measures host resources. *resource.Probe satisfies it.
type CeilingSource interface {
	Snapshot(ctx context.Context) resource.Snapshot
}

// Config carries the engine-level settings.
type Config struct {
	TempDir            string
	KeyPrefix          string
	AcceleratorEnabled bool
	MaxConcurrent      int // 0 = derive from host resources
	PreflightCheck     bool
}

// Coordinator owns batch execution. One batch runs at a time; job and angle
// goroutines fan out underneath it, all sharing one slot gate.
type Coordinator struct {
	cfg   Config
	tools media.Toolset
	store Transfer
	sink  progress.Sink
	log   *slog.Logger

	resources resource.Snapshot
	gate      chan struct{}
	ceiling   int

	mu       sync.Mutex
	active   bool
	batchID  string
	jobs     []*Job
	inFlight int
}

// New probes resources once, sizes the process-wide gate, and returns a
// coordinator ready to accept batches.
func New(ctx context.Context, cfg Config, tools media.Toolset, store Transfer, prober CeilingSource, sink progress.Sink) *Coordinator {
	snap := prober.Snapshot(ctx)

	ceiling := snap.Ceiling
	if cfg.MaxConcurrent > 0 {
		ceiling = cfg.MaxConcurrent
	}
	if ceiling < 1 {
		ceiling = 1
	}

	if m := metrics.Get(); m != nil {
		m.SetConcurrencyCeiling(float64(ceiling))
	}

	return &Coordinator{
		cfg:       cfg,
		tools:     tools,
		store:     store,
		sink:      sink,
		log:       logging.Component("engine"),
		resources: snap,
		gate:      make(chan struct{}, ceiling),
		ceiling:   ceiling,
	}
}

// batchRun is the per-batch execution state shared by job and angle
// goroutines.
type batchRun struct {
	c           *Coordinator
	id          string
	gate        chan struct{}
	ceiling     int
	accelerator bool

	mu  sync.Mutex
	agg progress.Aggregate
}

// BatchSummary is the terminal report for one batch.
type BatchSummary struct {
	BatchID   string        `json:"batch_id"`
	Ceiling   int           `json:"ceiling"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// ProcessBatch runs every job to a terminal state and returns the summary.
// ceilingOverride > 0 substitutes a batch-scoped gate for this run only.
// A second batch submitted while one is active gets ErrBatchActive.
func (c *Coordinator) ProcessBatch(ctx context.Context, jobs []*Job, ceilingOverride int) (BatchSummary, error) {
	if len(jobs) == 0 {
		return BatchSummary{}, &ValidationError{Field: "jobs", Reason: "batch must contain at least one job"}
	}

	batchID := uuid.New().String()[:8]

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return BatchSummary{}, ErrBatchActive
	}
	c.active = true
	c.batchID = batchID
	c.jobs = jobs
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
	}()

	if c.cfg.PreflightCheck {
		if err := c.store.TestConnection(ctx); err != nil {
			for _, job := range jobs {
				job.setError("storage preflight failed")
			}
			return BatchSummary{BatchID: batchID}, fmt.Errorf("storage preflight: %w", err)
		}
	}

	run := &batchRun{
		c:           c,
		id:          batchID,
		gate:        c.gate,
		ceiling:     c.ceiling,
		accelerator: c.cfg.AcceleratorEnabled && c.resources.AcceleratorPresent,
		agg:         progress.Aggregate{Total: len(jobs)},
	}
	if ceilingOverride > 0 {
		run.ceiling = ceilingOverride
		run.gate = make(chan struct{}, ceilingOverride)
		if m := metrics.Get(); m != nil {
			m.SetConcurrencyCeiling(float64(ceilingOverride))
		}
	}

	c.log.Info("batch started",
		"batch_id", batchID,
		"jobs", len(jobs),
		"ceiling", run.ceiling,
		"accelerator", run.accelerator,
	)
	start := time.Now()
	run.event(progress.Event{Stage: progress.StageBatchStarted})

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			run.processJob(ctx, job)
		}(job)
	}
	wg.Wait()

	run.event(progress.Event{Stage: progress.StageBatchCompleted})

	run.mu.Lock()
	summary := BatchSummary{
		BatchID:   batchID,
		Ceiling:   run.ceiling,
		Total:     run.agg.Total,
		Completed: run.agg.Completed,
		Failed:    run.agg.Failed,
		Duration:  time.Since(start),
	}
	run.mu.Unlock()

	c.log.Info("batch completed",
		"batch_id", batchID,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"duration", summary.Duration.String(),
	)
	return summary, nil
}

// processJob fans out one goroutine per angle and settles the job's terminal
// state. One failed angle fails the job, but never its siblings.
func (b *batchRun) processJob(ctx context.Context, job *Job) {
	log := logging.JobLogger(b.id, job.ID())
	job.setStatus(JobProcessing)
	b.event(progress.Event{JobID: job.ID(), Stage: progress.StageJobStarted})
	log.Info("job started", "angles", len(job.Angles), "window", job.WindowStart+"-"+job.WindowEnd)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for angleID, src := range job.Angles {
		wg.Add(1)
		go func(angleID, src string) {
			defer wg.Done()
			if err := b.processAngle(ctx, job, angleID, src); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(angleID, src)
	}
	wg.Wait()

	if failed > 0 {
		msg := fmt.Sprintf("%d angles failed", failed)
		job.setError(msg)
		b.countJob(false)
		b.event(progress.Event{JobID: job.ID(), Stage: progress.StageJobError, Error: msg})
		if m := metrics.Get(); m != nil {
			m.IncJobsProcessed(string(JobError))
			m.IncJobsFailed("angle_failures")
		}
		log.Error("job failed", "failed_angles", failed)
		return
	}

	job.setStatus(JobCompleted)
	b.countJob(true)
	b.event(progress.Event{JobID: job.ID(), Stage: progress.StageJobCompleted})
	if m := metrics.Get(); m != nil {
		m.IncJobsProcessed(string(JobCompleted))
	}
	log.Info("job completed")
}

// countJob folds a terminal job into the batch aggregate.
func (b *batchRun) countJob(completed bool) {
	b.mu.Lock()
	if completed {
		b.agg.Completed++
	} else {
		b.agg.Failed++
	}
	b.mu.Unlock()
}

// event stamps the batch id and current aggregate, then forwards to the
// sink. Never blocks: the sink contract is fire-and-forget.
func (b *batchRun) event(evt progress.Event) {
	evt.BatchID = b.id
	b.mu.Lock()
	evt.Aggregate = b.agg
	b.mu.Unlock()
	if b.c.sink != nil {
		b.c.sink.Notify(evt)
	}
}

func (b *batchRun) angleEvent(job *Job, angleID, stage, errMsg string) {
	b.event(progress.Event{
		JobID:   job.ID(),
		AngleID: angleID,
		Stage:   stage,
		Error:   errMsg,
	})
}

func (c *Coordinator) slotAcquired() {
	c.mu.Lock()
	c.inFlight++
	n := c.inFlight
	c.mu.Unlock()
	if m := metrics.Get(); m != nil {
		m.SetInFlightHeavyStages(float64(n))
	}
}

func (c *Coordinator) slotReleased() {
	c.mu.Lock()
	c.inFlight--
	n := c.inFlight
	c.mu.Unlock()
	if m := metrics.Get(); m != nil {
		m.SetInFlightHeavyStages(float64(n))
	}
}

// destinationKey builds the remote key: <prefix><date>/Event-<seq>/<job>_<angle>.mp4
func (c *Coordinator) destinationKey(job *Job, angleID string) string {
	return fmt.Sprintf("%s%s/%s_%s.mp4", c.cfg.KeyPrefix, job.KeyPrefix(), job.ID(), angleID)
}

func (c *Coordinator) segmentPath(job *Job, angleID string) string {
	return filepath.Join(c.cfg.TempDir, "segments", fmt.Sprintf("%s_%s_segment.mp4", job.ID(), angleID))
}

func (c *Coordinator) compressedPath(job *Job, angleID string) string {
	return filepath.Join(c.cfg.TempDir, "compressed", fmt.Sprintf("%s_%s.mp4", job.ID(), angleID))
}

// Resources returns the snapshot measured at construction.
func (c *Coordinator) Resources() resource.Snapshot { return c.resources }

// Ceiling returns the process-wide concurrency ceiling.
func (c *Coordinator) Ceiling() int { return c.ceiling }

// BatchStatus is the queryable view of the current or most recent batch.
type BatchStatus struct {
	ProcessingActive bool   `json:"processing_active"`
	BatchID          string `json:"batch_id,omitempty"`
	Ceiling          int    `json:"ceiling"`
	TotalJobs        int    `json:"total_jobs"`
	Completed        int    `json:"completed"`
	InProgress       int    `json:"in_progress"`
	Pending          int    `json:"pending"`
	Failed           int    `json:"failed"`
}

// Status reports batch progress. Safe to call from any goroutine, during or
// after a run.
func (c *Coordinator) Status() BatchStatus {
	c.mu.Lock()
	active := c.active
	batchID := c.batchID
	jobs := c.jobs
	c.mu.Unlock()

	st := BatchStatus{
		ProcessingActive: active,
		BatchID:          batchID,
		Ceiling:          c.ceiling,
		TotalJobs:        len(jobs),
	}
	for _, job := range jobs {
		switch job.Status() {
		case JobCompleted:
			st.Completed++
		case JobProcessing:
			st.InProgress++
		case JobError:
			st.Failed++
		default:
			st.Pending++
		}
	}
	return st
}

// JobSnapshots returns read-only copies of every job in the current or most
// recent batch.
func (c *Coordinator) JobSnapshots() []JobSnapshot {
	c.mu.Lock()
	jobs := c.jobs
	c.mu.Unlock()

	out := make([]JobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Snapshot())
	}
	return out
}

// JobSnapshot looks up one job by id.
func (c *Coordinator) JobSnapshot(id string) (JobSnapshot, bool) {
	c.mu.Lock()
	jobs := c.jobs
	c.mu.Unlock()

	for _, job := range jobs {
		if job.ID() == id {
			return job.Snapshot(), true
		}
	}
	return JobSnapshot{}, false
}
