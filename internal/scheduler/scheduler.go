// Package scheduler drives recurring scrape jobs. Each active job gets
// its own loop goroutine; durable state lives in the job registry and the
// in-memory mirror never diverges without a registry write first.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"adwatch/internal/events"
	"adwatch/internal/metrics"
	"adwatch/internal/pipeline"
	"adwatch/internal/store"
)

// ErrJobBusy is returned by RunOnce while a loop iteration for the same
// job is in flight.
var ErrJobBusy = errors.New("job run already in flight")

// Registry is the durable job CRUD the scheduler writes through. The
// store satisfies it.
type Registry interface {
	CreateJob(ctx context.Context, job store.ScheduledJob) (store.ScheduledJob, error)
	GetJob(ctx context.Context, id int64) (store.ScheduledJob, error)
	GetJobByName(ctx context.Context, name string) (store.ScheduledJob, error)
	ListJobs(ctx context.Context) ([]store.ScheduledJob, error)
	UpdateJob(ctx context.Context, id int64, patch store.JobPatch) (store.ScheduledJob, error)
	UpdateBookkeeping(ctx context.Context, id int64, bk store.Bookkeeping) error
	DeleteJob(ctx context.Context, id int64) error
}

// Runner executes one scrape for a job's parameters.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Sink persists a run's results in one transaction and returns the
// events to publish after commit.
type Sink interface {
	PersistRun(ctx context.Context, job store.ScheduledJob, res *pipeline.Result) (int, []events.ListingImagesUpdated, error)
}

// Publisher is the slice of the event bus the scheduler needs.
type Publisher interface {
	Publish(event any)
}

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the runtime job state. One mutex guards the job mirror,
// the loop map, and the in-flight set.
type Scheduler struct {
	registry Registry
	runner   Runner
	sink     Sink
	bus      Publisher
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	jobs    map[int64]store.ScheduledJob
	loops   map[int64]*loopHandle
	running map[int64]bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

func New(registry Registry, runner Runner, sink Sink, bus Publisher, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		registry: registry,
		runner:   runner,
		sink:     sink,
		bus:      bus,
		logger:   logger,
		jobs:     make(map[int64]store.ScheduledJob),
		loops:    make(map[int64]*loopHandle),
		running:  make(map[int64]bool),
	}
}

// SetMetrics attaches the run counter. Optional, nil is fine in tests.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Start materialises bootstrap jobs, loads the registry into the mirror,
// and launches a loop per active job.
func (s *Scheduler) Start(ctx context.Context, bootstrap []store.ScheduledJob) error {
	s.baseCtx, s.baseCancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, job := range bootstrap {
		if _, err := s.registry.GetJobByName(ctx, job.Name); err == nil {
			continue
		} else if !errors.Is(err, store.ErrJobNotFound) {
			return fmt.Errorf("check bootstrap job %s: %w", job.Name, err)
		}
		created, err := s.registry.CreateJob(ctx, job)
		if err != nil {
			if errors.Is(err, store.ErrNameTaken) {
				continue
			}
			return fmt.Errorf("create bootstrap job %s: %w", job.Name, err)
		}
		s.logger.Info("bootstrap job created",
			zap.String("name", created.Name),
			zap.Int("interval_seconds", created.IntervalSeconds))
	}

	jobs, err := s.registry.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	s.mu.Lock()
	for _, job := range jobs {
		s.jobs[job.ID] = job
		if job.IsActive {
			s.startLoopLocked(job.ID)
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.logger.Info("scheduler started", zap.Int("jobs", count))
	return nil
}

// Stop cancels every loop, waits for them to drain, and resets state.
func (s *Scheduler) Stop() {
	if s.baseCancel != nil {
		s.baseCancel()
	}

	s.mu.Lock()
	handles := make([]*loopHandle, 0, len(s.loops))
	for _, h := range s.loops {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		<-h.done
	}

	s.mu.Lock()
	s.jobs = make(map[int64]store.ScheduledJob)
	s.loops = make(map[int64]*loopHandle)
	s.running = make(map[int64]bool)
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// startLoopLocked launches the loop goroutine for a job. Caller holds
// s.mu.
func (s *Scheduler) startLoopLocked(id int64) {
	if _, exists := s.loops[id]; exists {
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	h := &loopHandle{cancel: cancel, done: make(chan struct{})}
	s.loops[id] = h
	go s.loop(ctx, id, h)
}

func (s *Scheduler) stopLoopLocked(id int64) {
	h, exists := s.loops[id]
	if !exists {
		return
	}
	delete(s.loops, id)
	h.cancel()
}

func (s *Scheduler) loop(ctx context.Context, id int64, h *loopHandle) {
	defer close(h.done)
	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		job, ok := s.jobs[id]
		current := s.loops[id] == h
		s.mu.Unlock()
		if !ok || !job.IsActive || !current {
			return
		}

		if err := s.executeOnce(ctx, id); err != nil && !errors.Is(err, ErrJobBusy) && ctx.Err() == nil {
			s.logger.Error("job execution failed",
				zap.Int64("job_id", id), zap.Error(err))
		}

		s.mu.Lock()
		job, ok = s.jobs[id]
		s.mu.Unlock()
		if !ok || !job.IsActive {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(job.IntervalSeconds) * time.Second):
		}
	}
}

// executeOnce runs one scrape iteration for a job: pipeline, one
// persistence transaction, buffered event publish, then bookkeeping in
// all outcomes. It returns ErrJobBusy if an iteration is already in
// flight.
func (s *Scheduler) executeOnce(ctx context.Context, id int64) error {
	s.mu.Lock()
	if s.running[id] {
		s.mu.Unlock()
		return ErrJobBusy
	}
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrJobNotFound
	}
	s.running[id] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	start := time.Now().UTC()
	log := s.logger.With(zap.Int64("job_id", id), zap.String("job_name", job.Name))
	log.Info("job run starting")

	count := 0
	var buffered []events.ListingImagesUpdated
	res, err := s.runner.Run(ctx, requestForJob(job))
	if err == nil {
		count, buffered, err = s.sink.PersistRun(ctx, job, res)
	}

	// Cancellation unwinds without bookkeeping.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	bk := store.Bookkeeping{
		LastRunAt:       start,
		NextRunAt:       start.Add(time.Duration(job.IntervalSeconds) * time.Second),
		Status:          "success",
		DurationSeconds: time.Since(start).Seconds(),
		ResultCount:     count,
	}
	if err != nil {
		bk.Status = "error"
		bk.Message = err.Error()
		log.Error("job run failed", zap.Error(err))
	} else {
		log.Info("job run finished",
			zap.Int("result_count", count),
			zap.Float64("duration_seconds", bk.DurationSeconds))
	}

	if s.metrics != nil {
		s.metrics.ScrapeRuns.WithLabelValues(bk.Status).Inc()
	}

	if bkErr := s.registry.UpdateBookkeeping(ctx, id, bk); bkErr != nil {
		log.Error("bookkeeping write failed", zap.Error(bkErr))
	}

	if s.bus != nil {
		for _, evt := range buffered {
			s.bus.Publish(evt)
		}
	}

	s.mu.Lock()
	if mirrored, ok := s.jobs[id]; ok {
		applyBookkeeping(&mirrored, bk)
		s.jobs[id] = mirrored
	}
	s.mu.Unlock()
	return err
}

// Add creates a job and starts its loop when active.
func (s *Scheduler) Add(ctx context.Context, job store.ScheduledJob) (store.ScheduledJob, error) {
	created, err := s.registry.CreateJob(ctx, job)
	if err != nil {
		return store.ScheduledJob{}, err
	}

	s.mu.Lock()
	s.jobs[created.ID] = created
	if created.IsActive {
		s.startLoopLocked(created.ID)
	}
	s.mu.Unlock()
	return created, nil
}

// Update merges a partial patch and restarts the loop iff the job ends
// up active, so a new interval takes effect immediately.
func (s *Scheduler) Update(ctx context.Context, id int64, patch store.JobPatch) (store.ScheduledJob, error) {
	updated, err := s.registry.UpdateJob(ctx, id, patch)
	if err != nil {
		return store.ScheduledJob{}, err
	}

	s.mu.Lock()
	s.jobs[id] = updated
	s.stopLoopLocked(id)
	if updated.IsActive {
		s.startLoopLocked(id)
	}
	s.mu.Unlock()
	return updated, nil
}

// SetActive starts or pauses a job.
func (s *Scheduler) SetActive(ctx context.Context, id int64, active bool) (store.ScheduledJob, error) {
	return s.Update(ctx, id, store.JobPatch{IsActive: &active})
}

// Delete removes the row, cancels the loop, and drops the mirror entry.
func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	if err := s.registry.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.stopLoopLocked(id)
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}

// RunOnce executes a job synchronously. It conflicts with an in-flight
// loop iteration instead of queueing behind it.
func (s *Scheduler) RunOnce(ctx context.Context, id int64) (store.ScheduledJob, error) {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return store.ScheduledJob{}, store.ErrJobNotFound
	}

	if err := s.executeOnce(ctx, id); err != nil && (errors.Is(err, ErrJobBusy) || errors.Is(err, store.ErrJobNotFound)) {
		return store.ScheduledJob{}, err
	}

	s.mu.Lock()
	job := s.jobs[id]
	s.mu.Unlock()
	return cloneJob(job), nil
}

// Get returns the runtime snapshot of one job.
func (s *Scheduler) Get(id int64) (store.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ScheduledJob{}, store.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// List returns a defensive copy of all runtime jobs.
func (s *Scheduler) List() []store.ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, cloneJob(job))
	}
	return out
}

func requestForJob(job store.ScheduledJob) pipeline.Request {
	req := pipeline.Request{
		QueryName: job.Name,
		PageCount: job.PageCount,
		MinPrice:  job.MinPrice,
		MaxPrice:  job.MaxPrice,
	}
	if job.Query != nil {
		req.Query = *job.Query
	}
	if job.Location != nil {
		req.Location = *job.Location
	}
	if job.RadiusKm != nil {
		req.RadiusKm = *job.RadiusKm
	}
	return req
}

func applyBookkeeping(job *store.ScheduledJob, bk store.Bookkeeping) {
	lastRun := bk.LastRunAt
	nextRun := bk.NextRunAt
	status := bk.Status
	duration := bk.DurationSeconds
	count := bk.ResultCount
	job.LastRunAt = &lastRun
	job.NextRunAt = &nextRun
	job.LastRunStatus = &status
	job.LastRunDurationSeconds = &duration
	job.LastResultCount = &count
	if bk.Message != "" {
		msg := bk.Message
		job.LastRunMessage = &msg
	} else {
		job.LastRunMessage = nil
	}
}

func cloneJob(job store.ScheduledJob) store.ScheduledJob {
	out := job
	out.Query = clonePtr(job.Query)
	out.Location = clonePtr(job.Location)
	out.RadiusKm = clonePtr(job.RadiusKm)
	out.MinPrice = clonePtr(job.MinPrice)
	out.MaxPrice = clonePtr(job.MaxPrice)
	out.LastRunAt = clonePtr(job.LastRunAt)
	out.NextRunAt = clonePtr(job.NextRunAt)
	out.LastRunStatus = clonePtr(job.LastRunStatus)
	out.LastRunMessage = clonePtr(job.LastRunMessage)
	out.LastRunDurationSeconds = clonePtr(job.LastRunDurationSeconds)
	out.LastResultCount = clonePtr(job.LastResultCount)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
