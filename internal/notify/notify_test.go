package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidegen/internal/domain"
)

var testTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func sampleJob() *domain.Job {
	return &domain.Job{
		ID:       "job-1",
		LessonID: "lesson-1",
		UserID:   "user-1",
		Status:   domain.JobStatusProcessing,
		Progress: domain.Progress{TotalSlides: 4},
	}
}

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, evt Event) error {
	r.events = append(r.events, evt)
	return r.err
}

func TestEventConstructors(t *testing.T) {
	job := sampleJob()

	progress := ProgressEvent(job, 3, testTime)
	assert.Equal(t, EventProgress, progress.Type)
	assert.Equal(t, 3, progress.ProcessedCount)
	assert.Equal(t, 4, progress.TotalSlides)
	assert.Equal(t, 75, progress.Percent)
	assert.False(t, progress.Type.Terminal())

	res := &domain.Result{JobID: "job-1", Slides: []domain.SlideResult{{Index: 0}}}
	done := CompletedEvent(job, res, testTime)
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, 100, done.Percent)
	assert.Same(t, res, done.Result)
	assert.True(t, done.Type.Terminal())

	failed := FailedEvent(job, "generation cancelled", testTime)
	assert.Equal(t, "generation cancelled", failed.Error)
	assert.True(t, failed.Type.Terminal())

	job.Status = domain.JobStatusFailed
	job.Error = "slide generation failed"
	snap := SnapshotEvent(job, nil, testTime)
	assert.Equal(t, EventFailed, snap.Type)
	assert.Equal(t, "slide generation failed", snap.Error)
}

func TestMultiContinuesAfterFailure(t *testing.T) {
	first := &recorder{err: errors.New("sink down")}
	second := &recorder{}
	m := Multi{first, nil, second}

	err := m.Publish(context.Background(), ProgressEvent(sampleJob(), 1, testTime))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")
	assert.Len(t, first.events, 1)
	assert.Len(t, second.events, 1)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(zerolog.New(&buf))
	require.NoError(t, n.Publish(context.Background(), FailedEvent(sampleJob(), "boom", testTime)))
	assert.Contains(t, buf.String(), `"event":"failed"`)
	assert.Contains(t, buf.String(), `"job_id":"job-1"`)
	assert.Contains(t, buf.String(), `"error":"boom"`)
}
