// Package worker runs a fixed pool of goroutines that claim queued jobs and
// hand them to the pipeline, plus a sweeper that recovers abandoned jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"slidegen/internal/domain"
	"slidegen/internal/infra"
)

// Runner processes a claimed job. Abort applies the retry policy for a job
// whose run ended abnormally (crash, abandonment).
type Runner interface {
	Run(ctx context.Context, job *domain.Job) error
	Abort(ctx context.Context, job *domain.Job, cause error) domain.JobStatus
}

// SweepReport summarizes one sweeper pass.
type SweepReport struct {
	Requeued int
	Failed   int
	Purged   int
}

// Pool owns N workers. Jobs are claimed through the store, so several pools
// in different processes can share one durable queue.
type Pool struct {
	store  domain.JobStore
	runner Runner
	cfg    infra.WorkerConfig
	logger infra.Logger
	id     string
	now    func() time.Time

	wake chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	running map[string]context.CancelCauseFunc
}

const abortTimeout = 10 * time.Second

func New(store domain.JobStore, runner Runner, cfg infra.WorkerConfig, logger infra.Logger) *Pool {
	defaults := infra.DefaultWorkerConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = defaults.JobTTL
	}
	return &Pool{
		store:   store,
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		id:      uuid.NewString()[:8],
		now:     time.Now,
		wake:    make(chan struct{}, cfg.PoolSize),
		running: make(map[string]context.CancelCauseFunc),
	}
}

// ID identifies this pool in worker ids and logs.
func (p *Pool) ID() string { return p.id }

// Start launches the workers and the sweeper. They stop when ctx is done;
// use Wait to block until they have returned. Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info().
		Str("pool_id", p.id).
		Int("size", p.cfg.PoolSize).
		Dur("poll_interval", p.cfg.PollInterval).
		Msg("worker: pool started")

	for n := 1; n <= p.cfg.PoolSize; n++ {
		workerID := fmt.Sprintf("%s-%d", p.id, n)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(ctx, workerID)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweepLoop(ctx)
	}()
}

// Wait blocks until every worker and the sweeper have stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Wake nudges an idle worker to poll immediately. It never blocks.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Cancel interrupts a job running in this process. It reports false when
// the job is not running here.
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	cancel, ok := p.running[jobID]
	p.mu.Unlock()
	if ok {
		cancel(domain.ErrCancelled)
	}
	return ok
}

// Running returns the number of jobs currently in flight in this pool.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *Pool) isRunning(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[jobID]
	return ok
}

func (p *Pool) work(ctx context.Context, workerID string) {
	logger := p.logger.With().Str("worker_id", workerID).Logger()
	logger.Debug().Msg("worker: started")
	for {
		if ctx.Err() != nil {
			logger.Debug().Msg("worker: stopped")
			return
		}

		job, err := p.store.ClaimNext(ctx, workerID)
		if err != nil {
			if !errors.Is(err, domain.ErrNoJobAvailable) && ctx.Err() == nil {
				logger.Error().Err(err).Msg("worker: failed to claim job")
			}
			p.idle(ctx)
			continue
		}
		p.handle(ctx, workerID, job)
	}
}

func (p *Pool) idle(ctx context.Context) {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-p.wake:
	case <-timer.C:
	}
}

func (p *Pool) handle(ctx context.Context, workerID string, job *domain.Job) {
	logger := p.logger.With().Str("worker_id", workerID).Str("job_id", job.ID).Logger()
	logger.Info().
		Int("total_slides", job.Progress.TotalSlides).
		Int("attempt", job.Attempts).
		Msg("worker: picked job")

	jobCtx, cancel := context.WithCancelCause(ctx)
	p.mu.Lock()
	p.running[job.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, job.ID)
		p.mu.Unlock()
		cancel(nil)
	}()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("worker: job run panicked")
			actx, acancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
			defer acancel()
			p.runner.Abort(actx, job, fmt.Errorf("%w: %v", domain.ErrWorkerCrashed, rec))
		}
	}()

	started := p.now()
	if err := p.runner.Run(jobCtx, job); err != nil {
		logger.Warn().Err(err).Dur("elapsed", p.now().Sub(started)).Msg("worker: job ended with error")
		return
	}
	logger.Info().Dur("elapsed", p.now().Sub(started)).Msg("worker: job done")
}

func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("worker: sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep recovers jobs stuck in processing longer than StaleAfter (their
// worker died or stopped responding) and purges terminal jobs older than
// JobTTL. Jobs running in this pool are left alone.
func (p *Pool) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := p.now()

	stale, err := p.store.ListStale(ctx, now.Add(-p.cfg.StaleAfter))
	if err != nil {
		return report, fmt.Errorf("list stale jobs: %w", err)
	}
	for _, job := range stale {
		if p.isRunning(job.ID) {
			continue
		}
		switch p.runner.Abort(ctx, job, domain.ErrWorkerTimeout) {
		case domain.JobStatusQueued:
			report.Requeued++
		case domain.JobStatusFailed:
			report.Failed++
		}
	}
	if report.Requeued > 0 {
		p.Wake()
	}

	purged, err := p.store.Purge(ctx, now.Add(-p.cfg.JobTTL))
	if err != nil {
		return report, fmt.Errorf("purge jobs: %w", err)
	}
	report.Purged = purged

	if report.Requeued+report.Failed+report.Purged > 0 {
		p.logger.Info().
			Int("requeued", report.Requeued).
			Int("failed", report.Failed).
			Int("purged", report.Purged).
			Msg("worker: sweep finished")
	}
	return report, nil
}
