package resultcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidegen/internal/domain"
)

func sampleResult(jobID, lesson, user string, slides int) *domain.Result {
	res := &domain.Result{
		JobID:       jobID,
		LessonID:    lesson,
		UserID:      user,
		GeneratedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	for i := 0; i < slides; i++ {
		res.Slides = append(res.Slides, domain.SlideResult{Index: i, HTML: "<section>slide</section>", ProcessingTimeMs: 12})
		res.TotalProcessingTimeMs += 12
	}
	return res
}

func TestMemoryCachePutGet(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(time.Hour)
	key := domain.CacheKey{LessonID: "lesson-1", UserID: "user-1"}
	want := sampleResult("job-1", "lesson-1", "user-1", 3)

	require.NoError(t, cache.Put(ctx, key, want))

	got, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	got.Slides[0].HTML = "mutated"
	again, _, _ := cache.Get(ctx, key)
	assert.Equal(t, "<section>slide</section>", again.Slides[0].HTML)

	byJob, ok, err := cache.GetByJob(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, byJob)
}

func TestMemoryCacheRejectsInvalidResults(t *testing.T) {
	cache := NewMemoryCache(0)
	key := domain.CacheKey{LessonID: "l", UserID: "u"}

	err := cache.Put(context.Background(), key, &domain.Result{JobID: "j"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	out := sampleResult("j", "l", "u", 2)
	out.Slides[1].Index = 4
	err = cache.Put(context.Background(), key, out)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	cache := NewMemoryCache(time.Minute)
	cache.now = func() time.Time { return now }
	key := domain.CacheKey{LessonID: "l", UserID: "u"}

	require.NoError(t, cache.Put(ctx, key, sampleResult("j", "l", "u", 1)))

	now = now.Add(59 * time.Second)
	_, ok, _ := cache.Get(ctx, key)
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, _ = cache.Get(ctx, key)
	assert.False(t, ok)

	_, ok, _ = cache.GetByJob(ctx, "j")
	assert.False(t, ok)
}

func TestMemoryCacheInvalidateAndStats(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(time.Hour)
	a := domain.CacheKey{LessonID: "lesson-a", UserID: "u1"}
	b := domain.CacheKey{LessonID: "lesson-a", UserID: "u2"}
	c := domain.CacheKey{LessonID: "lesson-c", UserID: "u1"}
	require.NoError(t, cache.Put(ctx, a, sampleResult("j1", "lesson-a", "u1", 1)))
	require.NoError(t, cache.Put(ctx, b, sampleResult("j2", "lesson-a", "u2", 1)))
	require.NoError(t, cache.Put(ctx, c, sampleResult("j3", "lesson-c", "u1", 1)))

	_, _, _ = cache.Get(ctx, a)
	_, _, _ = cache.Get(ctx, domain.CacheKey{LessonID: "missing", UserID: "u1"})

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.0001)

	removed, err := cache.Invalidate(ctx, "lesson-a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = cache.Invalidate(ctx, "lesson-a")
	require.NoError(t, err)
	assert.False(t, removed)

	_, ok, _ := cache.GetByJob(ctx, "j2")
	assert.False(t, ok)
	_, ok, _ = cache.Get(ctx, c)
	assert.True(t, ok)

	require.NoError(t, cache.Clear(ctx))
	stats, err = cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CacheStats{}, stats)
}
