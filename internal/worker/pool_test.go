package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidegen/internal/domain"
	"slidegen/internal/infra"
	"slidegen/internal/jobstore"
	"slidegen/internal/pipeline"
	"slidegen/internal/resultcache"
)

type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	aborted map[string]error
	run     func(ctx context.Context, job *domain.Job) error
	store   domain.JobStore
}

func (f *fakeRunner) Run(ctx context.Context, job *domain.Job) error {
	f.mu.Lock()
	f.ran = append(f.ran, job.LessonID)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, job)
	}
	_, _ = f.store.Fail(context.Background(), job.ID, "done")
	return nil
}

func (f *fakeRunner) Abort(ctx context.Context, job *domain.Job, cause error) domain.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aborted == nil {
		f.aborted = map[string]error{}
	}
	f.aborted[job.ID] = cause
	if _, err := f.store.Fail(ctx, job.ID, domain.UserMessage(cause)); err != nil {
		return ""
	}
	return domain.JobStatusFailed
}

func (f *fakeRunner) lessons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func (f *fakeRunner) abortCause(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted[id]
}

func testWorkerConfig(size int) infra.WorkerConfig {
	cfg := infra.DefaultWorkerConfig()
	cfg.PoolSize = size
	cfg.PollInterval = time.Hour
	cfg.SweepInterval = time.Hour
	return cfg
}

func enqueue(t *testing.T, store domain.JobStore, lesson string, priority int) string {
	t.Helper()
	id, err := store.Enqueue(context.Background(), &domain.Job{
		LessonID:    lesson,
		UserID:      "user-1",
		Slides:      []domain.Slide{{Title: lesson}, {Title: lesson + " 2"}},
		Priority:    priority,
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	return id
}

func startPool(t *testing.T, pool *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})
}

func TestPoolRunsJobsThroughPipeline(t *testing.T) {
	store := jobstore.NewMemoryStore()
	cache := resultcache.NewMemoryCache(time.Hour)
	cfg := infra.DefaultPipelineConfig()
	cfg.SlideDelay = 0
	runner := pipeline.New(pipeline.Deps{Store: store, Cache: cache}, cfg)
	pool := New(store, runner, testWorkerConfig(2), zerolog.Nop())
	startPool(t, pool)

	var ids []string
	for _, lesson := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, enqueue(t, store, lesson, 0))
	}
	pool.Wake()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := store.Get(context.Background(), id)
			if err != nil || job.Status != domain.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	stats, err := cache.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Size)
}

func TestPoolClaimsByPriorityThenFIFO(t *testing.T) {
	store := jobstore.NewMemoryStore()
	runner := &fakeRunner{store: store}
	enqueue(t, store, "low-first", 10)
	enqueue(t, store, "high", 90)
	enqueue(t, store, "low-second", 10)
	enqueue(t, store, "mid", 50)

	pool := New(store, runner, testWorkerConfig(1), zerolog.Nop())
	startPool(t, pool)

	require.Eventually(t, func() bool { return len(runner.lessons()) == 4 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"high", "mid", "low-first", "low-second"}, runner.lessons())
}

func TestPoolRecoversFromPanickingRun(t *testing.T) {
	store := jobstore.NewMemoryStore()
	runner := &fakeRunner{store: store}
	runner.run = func(_ context.Context, job *domain.Job) error {
		if job.LessonID == "boom" {
			panic("nil map write")
		}
		_, _ = store.Fail(context.Background(), job.ID, "done")
		return nil
	}
	boom := enqueue(t, store, "boom", 50)
	enqueue(t, store, "fine", 10)

	pool := New(store, runner, testWorkerConfig(1), zerolog.Nop())
	startPool(t, pool)

	require.Eventually(t, func() bool { return len(runner.lessons()) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return runner.abortCause(boom) != nil }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, runner.abortCause(boom), domain.ErrWorkerCrashed)
}

func TestPoolCancelInterruptsRunningJob(t *testing.T) {
	store := jobstore.NewMemoryStore()
	started := make(chan string, 1)
	causes := make(chan error, 1)
	runner := &fakeRunner{store: store}
	runner.run = func(ctx context.Context, job *domain.Job) error {
		started <- job.ID
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return context.Cause(ctx)
	}
	id := enqueue(t, store, "slow", 0)

	pool := New(store, runner, testWorkerConfig(1), zerolog.Nop())
	startPool(t, pool)

	select {
	case got := <-started:
		require.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	assert.Equal(t, 1, pool.Running())
	assert.False(t, pool.Cancel("someone-else"))
	assert.True(t, pool.Cancel(id))

	select {
	case cause := <-causes:
		assert.True(t, errors.Is(cause, domain.ErrCancelled))
	case <-time.After(5 * time.Second):
		t.Fatal("run was not cancelled")
	}
	require.Eventually(t, func() bool { return pool.Running() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSweepRequeuesStaleJobsAndPurgesOldOnes(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := jobstore.NewMemoryStore()
	store.SetClock(clock)
	ctx := context.Background()

	cfg := infra.DefaultPipelineConfig()
	runner := pipeline.New(pipeline.Deps{Store: store}, cfg)
	pool := New(store, runner, testWorkerConfig(1), zerolog.Nop())
	pool.now = clock

	staleID := enqueue(t, store, "stale", 0)
	_, err := store.ClaimNext(ctx, "dead-worker")
	require.NoError(t, err)

	oldID := enqueue(t, store, "old", 0)
	_, err = store.ClaimNext(ctx, "worker-x")
	require.NoError(t, err)
	_, err = store.Fail(ctx, oldID, "gone")
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	report, err := pool.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Requeued: 1}, report)

	job, err := store.Get(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Empty(t, job.WorkerID)

	now = now.Add(25 * time.Hour)
	report, err = pool.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)
	_, err = store.Get(ctx, oldID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepFailsStaleJobOutOfAttempts(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := jobstore.NewMemoryStore()
	store.SetClock(clock)
	ctx := context.Background()

	cfg := infra.DefaultPipelineConfig()
	cfg.MaxAttempts = 1
	pool := New(store, pipeline.New(pipeline.Deps{Store: store}, cfg), testWorkerConfig(1), zerolog.Nop())
	pool.now = clock

	id := enqueue(t, store, "stuck", 0)
	_, err := store.ClaimNext(ctx, "dead-worker")
	require.NoError(t, err)

	now = now.Add(6 * time.Minute)
	report, err := pool.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "generation stopped responding and was abandoned", job.Error)
}
