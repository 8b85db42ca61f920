package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressAppendRejectsDuplicatesAndOverflow(t *testing.T) {
	p := Progress{TotalSlides: 2}

	assert.True(t, p.Append(SlideResult{Index: 0}))
	assert.False(t, p.Append(SlideResult{Index: 0}), "duplicate index")
	assert.False(t, p.Append(SlideResult{Index: 2}), "index past total")
	assert.False(t, p.Append(SlideResult{Index: -1}), "negative index")
	assert.Equal(t, 1, p.ProcessedCount)
	assert.Equal(t, 50, p.Percent())

	assert.True(t, p.Append(SlideResult{Index: 1}))
	assert.Equal(t, 2, p.ProcessedCount)
	assert.Equal(t, 100, p.Percent())
	assert.False(t, p.Append(SlideResult{Index: 1}))
}

func TestProgressPercentWithoutSlides(t *testing.T) {
	assert.Equal(t, 0, Progress{}.Percent())
}

func TestResultValid(t *testing.T) {
	assert.False(t, (*Result)(nil).Valid())
	assert.False(t, (&Result{}).Valid())
	assert.False(t, (&Result{Slides: []SlideResult{{Index: 1}}}).Valid(), "gap at index 0")
	assert.True(t, (&Result{Slides: []SlideResult{{Index: 0}, {Index: 1}}}).Valid())
}

func TestResultFromJobSumsProcessingTime(t *testing.T) {
	job := &Job{ID: "job-1", LessonID: "lesson-1", UserID: "user-1", Progress: Progress{
		TotalSlides:     2,
		ProcessedCount:  2,
		ProcessedSlides: []SlideResult{{Index: 0, ProcessingTimeMs: 40}, {Index: 1, ProcessingTimeMs: 60}},
	}}
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	res := ResultFromJob(job, at)
	require.True(t, res.Valid())
	assert.Equal(t, int64(100), res.TotalProcessingTimeMs)
	assert.Equal(t, at, res.GeneratedAt)
	assert.Equal(t, CacheKey{LessonID: "lesson-1", UserID: "user-1"}, job.Key())

	res.Slides[0].HTML = "changed"
	assert.Empty(t, job.Progress.ProcessedSlides[0].HTML, "result must not alias job progress")
}

func TestJobCloneIsDeep(t *testing.T) {
	started := time.Now()
	job := &Job{
		Slides:    []Slide{{Title: "a", Bullets: []string{"x"}}},
		StartedAt: &started,
		Progress:  Progress{TotalSlides: 1, ProcessedSlides: []SlideResult{{Index: 0}}},
	}
	clone := job.Clone()
	clone.Slides[0].Bullets[0] = "y"
	clone.Progress.ProcessedSlides[0].Script = "changed"
	*clone.StartedAt = started.Add(time.Hour)

	assert.Equal(t, "x", job.Slides[0].Bullets[0])
	assert.Empty(t, job.Progress.ProcessedSlides[0].Script)
	assert.Equal(t, started, *job.StartedAt)
}

func TestStatusTerminalAndUsesAI(t *testing.T) {
	assert.False(t, JobStatusQueued.Terminal())
	assert.False(t, JobStatusProcessing.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())

	assert.False(t, Options{Theme: "x"}.UsesAI())
	assert.True(t, Options{GenerateVoice: true}.UsesAI())
	assert.True(t, Options{GenerateTeaching: true}.UsesAI())
}

func TestCacheStatsHitRate(t *testing.T) {
	s := CacheStats{Hits: 3, Misses: 1}
	s.ComputeHitRate()
	assert.InDelta(t, 0.75, s.HitRate, 1e-9)

	empty := CacheStats{}
	empty.ComputeHitRate()
	assert.Zero(t, empty.HitRate)
}
