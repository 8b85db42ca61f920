// Package notify delivers job progress events to interested parties.
package notify

import (
	"context"
	"time"

	"slidegen/internal/domain"
)

type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Terminal reports whether no further events follow for the job.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventFailed
}

// Event is the push payload for one job transition.
type Event struct {
	Type           EventType      `json:"type"`
	JobID          string         `json:"job_id"`
	UserID         string         `json:"user_id"`
	LessonID       string         `json:"lesson_id"`
	Status         string         `json:"status"`
	ProcessedCount int            `json:"processed_count"`
	TotalSlides    int            `json:"total_slides"`
	Percent        int            `json:"percent"`
	Result         *domain.Result `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	At             time.Time      `json:"at"`
}

// Notifier publishes events. Delivery is best effort; callers log errors and
// carry on.
type Notifier interface {
	Publish(ctx context.Context, evt Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, evt Event) error

func (f NotifierFunc) Publish(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(context.Context, Event) error { return nil })

func baseEvent(t EventType, job *domain.Job, at time.Time) Event {
	return Event{
		Type:           t,
		JobID:          job.ID,
		UserID:         job.UserID,
		LessonID:       job.LessonID,
		Status:         string(job.Status),
		ProcessedCount: job.Progress.ProcessedCount,
		TotalSlides:    job.Progress.TotalSlides,
		Percent:        job.Progress.Percent(),
		At:             at,
	}
}

// ProgressEvent reports that processed slides of the job are done.
func ProgressEvent(job *domain.Job, processed int, at time.Time) Event {
	evt := baseEvent(EventProgress, job, at)
	evt.Status = string(domain.JobStatusProcessing)
	evt.ProcessedCount = processed
	p := domain.Progress{ProcessedCount: processed, TotalSlides: job.Progress.TotalSlides}
	evt.Percent = p.Percent()
	return evt
}

func CompletedEvent(job *domain.Job, result *domain.Result, at time.Time) Event {
	evt := baseEvent(EventCompleted, job, at)
	evt.Status = string(domain.JobStatusCompleted)
	evt.ProcessedCount = evt.TotalSlides
	evt.Percent = 100
	evt.Result = result
	return evt
}

func FailedEvent(job *domain.Job, message string, at time.Time) Event {
	evt := baseEvent(EventFailed, job, at)
	evt.Status = string(domain.JobStatusFailed)
	evt.Error = message
	return evt
}

// SnapshotEvent describes the job's current state, used when a subscriber
// attaches after work has started.
func SnapshotEvent(job *domain.Job, result *domain.Result, at time.Time) Event {
	switch job.Status {
	case domain.JobStatusCompleted:
		return CompletedEvent(job, result, at)
	case domain.JobStatusFailed:
		return FailedEvent(job, job.Error, at)
	default:
		return baseEvent(EventProgress, job, at)
	}
}
