package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidegen/internal/domain"
	"slidegen/internal/infra"
	"slidegen/internal/jobstore"
	"slidegen/internal/notify"
	"slidegen/internal/providers/script"
	"slidegen/internal/providers/speech"
	"slidegen/internal/resultcache"
)

type scriptFunc func(ctx context.Context, req script.Request) (string, error)

func (f scriptFunc) GenerateScript(ctx context.Context, req script.Request) (string, error) {
	return f(ctx, req)
}

type speechFunc func(ctx context.Context, req speech.Request) (string, error)

func (f speechFunc) Synthesize(ctx context.Context, req speech.Request) (string, error) {
	return f(ctx, req)
}

type renderFunc func(ctx context.Context, slide domain.Slide, index int, theme string) (string, error)

func (f renderFunc) Render(ctx context.Context, slide domain.Slide, index int, theme string) (string, error) {
	return f(ctx, slide, index, theme)
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Publish(_ context.Context, evt notify.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return nil
}

func (l *eventLog) snapshot() []notify.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]notify.Event(nil), l.events...)
}

type harness struct {
	store    *jobstore.MemoryStore
	cache    *resultcache.MemoryCache
	events   *eventLog
	pipeline *Pipeline
	rendered []int
}

func testConfig() infra.PipelineConfig {
	cfg := infra.DefaultPipelineConfig()
	cfg.SlideDelay = 0
	cfg.StageTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, deps Deps, cfg infra.PipelineConfig) *harness {
	t.Helper()
	h := &harness{
		store:  jobstore.NewMemoryStore(),
		cache:  resultcache.NewMemoryCache(time.Hour),
		events: &eventLog{},
	}
	deps.Store = h.store
	deps.Cache = h.cache
	deps.Notifier = h.events
	if deps.Renderer == nil {
		deps.Renderer = renderFunc(func(_ context.Context, slide domain.Slide, index int, _ string) (string, error) {
			h.rendered = append(h.rendered, index)
			return fmt.Sprintf("<section>%d:%s</section>", index, slide.Title), nil
		})
	}
	h.pipeline = New(deps, cfg)
	return h
}

func slides(n int) []domain.Slide {
	out := make([]domain.Slide, n)
	for i := range out {
		out[i] = domain.Slide{Title: fmt.Sprintf("Slide %d", i+1), Content: "Body text"}
	}
	return out
}

func (h *harness) claim(t *testing.T, n int, opts domain.Options) *domain.Job {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.Enqueue(ctx, &domain.Job{LessonID: "lesson-1", UserID: "user-1", Slides: slides(n), Options: opts, MaxAttempts: 3})
	require.NoError(t, err)
	job, err := h.store.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	return job
}

func (h *harness) reload(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestRunEndToEndThreeSlides(t *testing.T) {
	var scriptCalls, speechCalls []int
	h := newHarness(t, Deps{
		Scripts: scriptFunc(func(_ context.Context, req script.Request) (string, error) {
			scriptCalls = append(scriptCalls, req.Index)
			return fmt.Sprintf("Narration %d", req.Index), nil
		}),
		Speech: speechFunc(func(_ context.Context, req speech.Request) (string, error) {
			speechCalls = append(speechCalls, req.Index)
			return fmt.Sprintf("audio/%s/%d.mp3", req.JobID, req.Index), nil
		}),
	}, testConfig())
	job := h.claim(t, 3, domain.Options{GenerateTeaching: true, GenerateVoice: true})

	require.NoError(t, h.pipeline.Run(context.Background(), job))

	stored := h.reload(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.Progress.ProcessedCount)
	assert.Equal(t, []int{0, 1, 2}, h.rendered)
	assert.Equal(t, []int{0, 1, 2}, scriptCalls)
	assert.Equal(t, []int{0, 1, 2}, speechCalls)
	for i, s := range stored.Progress.ProcessedSlides {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, fmt.Sprintf("Narration %d", i), s.Script)
		assert.False(t, s.ScriptFallback)
		assert.Equal(t, fmt.Sprintf("audio/%s/%d.mp3", job.ID, i), s.AudioReference)
	}

	events := h.events.snapshot()
	require.Len(t, events, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, notify.EventProgress, events[i].Type)
		assert.Equal(t, i+1, events[i].ProcessedCount)
		assert.Equal(t, 3, events[i].TotalSlides)
	}
	assert.Equal(t, notify.EventCompleted, events[3].Type)
	require.NotNil(t, events[3].Result)
	assert.Len(t, events[3].Result.Slides, 3)

	cached, ok, err := h.cache.Get(context.Background(), domain.CacheKey{LessonID: "lesson-1", UserID: "user-1"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stored.Progress.ProcessedSlides, cached.Slides)
	assert.Equal(t, job.ID, cached.JobID)
}

func TestRunWithoutAIStages(t *testing.T) {
	h := newHarness(t, Deps{}, testConfig())
	job := h.claim(t, 2, domain.Options{})

	require.NoError(t, h.pipeline.Run(context.Background(), job))

	stored := h.reload(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	for _, s := range stored.Progress.ProcessedSlides {
		assert.NotEmpty(t, s.HTML)
		assert.Empty(t, s.Script)
		assert.Empty(t, s.AudioReference)
	}
}

func TestRunDegradesWhenProvidersFail(t *testing.T) {
	speechCalls := 0
	h := newHarness(t, Deps{
		Scripts: scriptFunc(func(context.Context, script.Request) (string, error) {
			return "", domain.ErrProviderFailure
		}),
		Speech: speechFunc(func(context.Context, speech.Request) (string, error) {
			speechCalls++
			return "", errors.New("tts down")
		}),
	}, testConfig())
	job := h.claim(t, 3, domain.Options{GenerateTeaching: true, GenerateVoice: true, Locale: "id"})

	require.NoError(t, h.pipeline.Run(context.Background(), job))

	stored := h.reload(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, stored.Status)
	for _, s := range stored.Progress.ProcessedSlides {
		assert.NotEmpty(t, strings.TrimSpace(s.Script))
		assert.True(t, s.ScriptFallback)
		assert.Empty(t, s.AudioReference)
	}
	assert.Equal(t, 3, speechCalls)
}

func TestRunScriptTimeoutFallsBack(t *testing.T) {
	cfg := testConfig()
	cfg.StageTimeout = 20 * time.Millisecond
	h := newHarness(t, Deps{
		Scripts: scriptFunc(func(ctx context.Context, _ script.Request) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
	}, cfg)
	job := h.claim(t, 1, domain.Options{GenerateTeaching: true})

	require.NoError(t, h.pipeline.Run(context.Background(), job))

	stored := h.reload(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.True(t, stored.Progress.ProcessedSlides[0].ScriptFallback)
	assert.Contains(t, stored.Progress.ProcessedSlides[0].Script, "Slide 1")
}

func TestRunBlankScriptFallsBack(t *testing.T) {
	h := newHarness(t, Deps{
		Scripts: scriptFunc(func(context.Context, script.Request) (string, error) { return "   ", nil }),
	}, testConfig())
	job := h.claim(t, 1, domain.Options{GenerateTeaching: true})

	require.NoError(t, h.pipeline.Run(context.Background(), job))
	assert.True(t, h.reload(t, job.ID).Progress.ProcessedSlides[0].ScriptFallback)
}

func TestRunResumesWithoutReprocessing(t *testing.T) {
	h := newHarness(t, Deps{}, testConfig())
	ctx := context.Background()
	job := h.claim(t, 3, domain.Options{})

	applied, err := h.store.UpdateProgress(ctx, job.ID, domain.SlideResult{Index: 0, HTML: "<p>first</p>"})
	require.NoError(t, err)
	require.True(t, applied)
	_, err = h.store.Requeue(ctx, job.ID, time.Now().Add(-time.Second))
	require.NoError(t, err)
	job, err = h.store.ClaimNext(ctx, "worker-2")
	require.NoError(t, err)
	require.Equal(t, 2, job.Attempts)

	require.NoError(t, h.pipeline.Run(ctx, job))

	assert.Equal(t, []int{1, 2}, h.rendered)
	stored := h.reload(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, "<p>first</p>", stored.Progress.ProcessedSlides[0].HTML)
	events := h.events.snapshot()
	assert.Equal(t, 2, events[0].ProcessedCount)
}

func TestRunCancelRequestedThroughStore(t *testing.T) {
	var h *harness
	h = newHarness(t, Deps{
		Scripts: scriptFunc(func(ctx context.Context, req script.Request) (string, error) {
			if req.Index == 1 {
				jobs, _ := h.store.ListStale(ctx, time.Now().Add(time.Hour))
				for _, j := range jobs {
					_, _ = h.store.RequestCancel(ctx, j.ID)
				}
			}
			return "ok", nil
		}),
	}, testConfig())
	job := h.claim(t, 4, domain.Options{GenerateTeaching: true})

	err := h.pipeline.Run(context.Background(), job)
	require.ErrorIs(t, err, domain.ErrCancelled)

	stored := h.reload(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, "generation cancelled", stored.Error)
	assert.Equal(t, 2, stored.Progress.ProcessedCount)

	_, ok, _ := h.cache.Get(context.Background(), job.Key())
	assert.False(t, ok)

	events := h.events.snapshot()
	last := events[len(events)-1]
	assert.Equal(t, notify.EventFailed, last.Type)
	assert.Equal(t, "generation cancelled", last.Error)
}

func TestRunCancelledThroughContext(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	h := newHarness(t, Deps{
		Scripts: scriptFunc(func(ctx context.Context, req script.Request) (string, error) {
			cancel(domain.ErrCancelled)
			return "", ctx.Err()
		}),
	}, testConfig())
	job := h.claim(t, 3, domain.Options{GenerateTeaching: true})

	err := h.pipeline.Run(ctx, job)
	require.ErrorIs(t, err, domain.ErrCancelled)

	stored := h.reload(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, 0, stored.Progress.ProcessedCount)
}

func TestRunInterruptedByShutdownRequeues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.SlideDelay = time.Hour
	h := newHarness(t, Deps{}, cfg)
	h.pipeline.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	job := h.claim(t, 2, domain.Options{GenerateTeaching: true})
	require.Equal(t, 1, job.Attempts)

	err := h.pipeline.Run(ctx, job)
	require.Error(t, err)

	stored := h.reload(t, job.ID)
	assert.Equal(t, domain.JobStatusQueued, stored.Status)
	assert.Equal(t, 1, stored.Progress.ProcessedCount)
	assert.Empty(t, stored.Error)
	assert.Zero(t, stored.Attempts, "a shutdown does not use up the retry budget")
	assert.False(t, stored.AvailableAt.After(time.Now()), "released jobs are claimable at once")
}

func TestRunRenderPanicFailsJob(t *testing.T) {
	h := newHarness(t, Deps{
		Renderer: renderFunc(func(_ context.Context, _ domain.Slide, index int, _ string) (string, error) {
			if index == 1 {
				panic("template exploded")
			}
			return "<p/>", nil
		}),
	}, testConfig())
	job := h.claim(t, 3, domain.Options{})

	err := h.pipeline.Run(context.Background(), job)
	require.ErrorIs(t, err, domain.ErrRenderFailed)

	stored := h.reload(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, "a slide could not be rendered", stored.Error)
	_, ok, _ := h.cache.Get(context.Background(), job.Key())
	assert.False(t, ok)
}

func TestRunTransientRenderErrorRequeues(t *testing.T) {
	h := newHarness(t, Deps{
		Renderer: renderFunc(func(context.Context, domain.Slide, int, string) (string, error) {
			return "", fmt.Errorf("theme assets: %w", domain.ErrTransient)
		}),
	}, testConfig())
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h.pipeline.now = func() time.Time { return now }
	job := h.claim(t, 1, domain.Options{})

	err := h.pipeline.Run(context.Background(), job)
	require.ErrorIs(t, err, domain.ErrRenderFailed)

	stored := h.reload(t, job.ID)
	assert.Equal(t, domain.JobStatusQueued, stored.Status)
	assert.Equal(t, now.Add(2*time.Second), stored.AvailableAt)
}

func TestRunSkipsJobFinishedElsewhere(t *testing.T) {
	h := newHarness(t, Deps{}, testConfig())
	job := h.claim(t, 2, domain.Options{})
	_, err := h.store.Fail(context.Background(), job.ID, "stopped")
	require.NoError(t, err)

	err = h.pipeline.Run(context.Background(), job)
	require.Error(t, err)
	assert.Empty(t, h.rendered)
	assert.Equal(t, "stopped", h.reload(t, job.ID).Error)
	assert.Empty(t, h.events.snapshot())
}

func TestRunSleepsBetweenSlidesOnly(t *testing.T) {
	cfg := testConfig()
	cfg.SlideDelay = 150 * time.Millisecond
	h := newHarness(t, Deps{}, cfg)
	var delays []time.Duration
	h.pipeline.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	job := h.claim(t, 3, domain.Options{GenerateTeaching: true})

	require.NoError(t, h.pipeline.Run(context.Background(), job))
	assert.Equal(t, []time.Duration{150 * time.Millisecond, 150 * time.Millisecond}, delays)
}

func TestRunWithoutAIStagesDoesNotSleep(t *testing.T) {
	cfg := testConfig()
	cfg.SlideDelay = 150 * time.Millisecond
	h := newHarness(t, Deps{}, cfg)
	slept := 0
	h.pipeline.sleep = func(context.Context, time.Duration) error {
		slept++
		return nil
	}
	job := h.claim(t, 5, domain.Options{Theme: "ocean"})

	require.NoError(t, h.pipeline.Run(context.Background(), job))
	assert.Zero(t, slept)
	assert.Equal(t, domain.JobStatusCompleted, h.reload(t, job.ID).Status)
}

func TestAbortRetryBudget(t *testing.T) {
	h := newHarness(t, Deps{}, testConfig())
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h.pipeline.now = func() time.Time { return now }
	h.store.SetClock(func() time.Time { return now })
	ctx := context.Background()
	job := h.claim(t, 2, domain.Options{})

	h.pipeline.Abort(ctx, job, domain.ErrWorkerCrashed)
	stored := h.reload(t, job.ID)
	require.Equal(t, domain.JobStatusQueued, stored.Status)
	assert.Equal(t, now.Add(2*time.Second), stored.AvailableAt)

	now = now.Add(time.Minute)
	for attempt := 2; attempt <= 3; attempt++ {
		job, err := h.store.ClaimNext(ctx, "worker-1")
		require.NoError(t, err)
		require.Equal(t, attempt, job.Attempts)
		h.pipeline.Abort(ctx, job, domain.ErrWorkerCrashed)
		now = now.Add(time.Minute)
	}

	stored = h.reload(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, "generation failed after several attempts", stored.Error)
	events := h.events.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventFailed, events[0].Type)
}

func TestBackoff(t *testing.T) {
	base, limit := 2*time.Second, time.Minute
	cases := map[int]time.Duration{
		0:  2 * time.Second,
		1:  2 * time.Second,
		2:  4 * time.Second,
		3:  8 * time.Second,
		5:  32 * time.Second,
		6:  time.Minute,
		40: time.Minute,
	}
	for attempt, want := range cases {
		assert.Equal(t, want, Backoff(attempt, base, limit), "attempt %d", attempt)
	}
}
