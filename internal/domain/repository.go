package domain

import (
	"context"
	"time"
)

// JobStore persists jobs and their progress. Implementations must make
// ClaimNext atomic so that a job is owned by exactly one worker.
type JobStore interface {
	Enqueue(ctx context.Context, job *Job) (string, error)
	Get(ctx context.Context, id string) (*Job, error)
	ClaimNext(ctx context.Context, workerID string) (*Job, error)
	UpdateProgress(ctx context.Context, id string, result SlideResult) (bool, error)
	Complete(ctx context.Context, id string, result *Result) (bool, error)
	Fail(ctx context.Context, id string, message string) (bool, error)
	// FailQueued fails the job only while no worker has claimed it.
	FailQueued(ctx context.Context, id string, message string) (bool, error)
	Requeue(ctx context.Context, id string, availableAt time.Time) (bool, error)
	// Release hands an interrupted job back to the queue without charging
	// the attempt its claim consumed.
	Release(ctx context.Context, id string) (bool, error)
	RequestCancel(ctx context.Context, id string) (bool, error)
	ListStale(ctx context.Context, olderThan time.Time) ([]*Job, error)
	FindActive(ctx context.Context, key CacheKey) (*Job, error)
	Purge(ctx context.Context, finishedBefore time.Time) (int, error)
}

// ResultCache stores completed results keyed by (lesson, user).
type ResultCache interface {
	Get(ctx context.Context, key CacheKey) (*Result, bool, error)
	GetByJob(ctx context.Context, jobID string) (*Result, bool, error)
	Put(ctx context.Context, key CacheKey, result *Result) error
	Invalidate(ctx context.Context, lessonID string) (bool, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (CacheStats, error)
}

// LessonRepository reads the slide descriptions of a lesson.
type LessonRepository interface {
	ListSlides(ctx context.Context, lessonID string) ([]Slide, error)
}
