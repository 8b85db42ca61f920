// Package generation is the front door of slide generation: it admits
// requests, decides between inline and queued execution, and answers status,
// cancellation and cache administration calls.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"slidegen/internal/domain"
	"slidegen/internal/infra"
	"slidegen/internal/notify"
)

// PriorityCeiling bounds job priority. Smaller decks get higher priority.
const PriorityCeiling = 100

// Runner executes a job synchronously.
type Runner interface {
	Run(ctx context.Context, job *domain.Job) error
}

// Dispatcher is the worker pool as seen by the front door.
type Dispatcher interface {
	Wake()
	Cancel(jobID string) bool
}

// SubmitRequest asks for a deck to be generated. Slides may be omitted when
// a lesson repository is configured.
type SubmitRequest struct {
	LessonID string
	UserID   string
	Slides   []domain.Slide
	Options  domain.Options
}

// JobHandle is returned by Submit. Result is only set for inline jobs that
// completed during the call.
type JobHandle struct {
	ID           string
	Status       domain.JobStatus
	Result       *domain.Result
	Error        string
	Deduplicated bool
}

// ProgressView is the externally visible progress of a job.
type ProgressView struct {
	ProcessedCount int `json:"processed_count"`
	TotalSlides    int `json:"total_slides"`
	Percent        int `json:"percent"`
}

// StatusView is the externally visible state of a job.
type StatusView struct {
	JobID     string           `json:"job_id"`
	LessonID  string           `json:"lesson_id"`
	UserID    string           `json:"user_id"`
	Status    domain.JobStatus `json:"status"`
	Progress  ProgressView     `json:"progress"`
	Result    *domain.Result   `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	CreatedAt *time.Time       `json:"created_at,omitempty"`
	UpdatedAt *time.Time       `json:"updated_at,omitempty"`
}

// Deps groups the collaborators of a Service. Lessons, Dispatcher and
// Notifier are optional.
type Deps struct {
	Store      domain.JobStore
	Cache      domain.ResultCache
	Lessons    domain.LessonRepository
	Runner     Runner
	Dispatcher Dispatcher
	Notifier   notify.Notifier
	Logger     *infra.Logger
}

type Service struct {
	store      domain.JobStore
	cache      domain.ResultCache
	lessons    domain.LessonRepository
	runner     Runner
	dispatcher Dispatcher
	notifier   notify.Notifier
	cfg        infra.PipelineConfig
	logger     infra.Logger
	now        func() time.Time
}

func NewService(deps Deps, cfg infra.PipelineConfig) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = infra.DefaultPipelineConfig().MaxAttempts
	}
	if cfg.SmallJobThreshold < 0 {
		cfg.SmallJobThreshold = 0
	}
	logger := zerolog.New(io.Discard)
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop
	}
	return &Service{
		store:      deps.Store,
		cache:      deps.Cache,
		lessons:    deps.Lessons,
		runner:     deps.Runner,
		dispatcher: deps.Dispatcher,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Priority returns the queue priority of a deck with n slides.
func Priority(n int) int {
	return max(0, PriorityCeiling-n)
}

// Inline reports whether a deck is small and cheap enough to be processed
// during the submitting call.
func (s *Service) Inline(n int, opts domain.Options) bool {
	return n <= s.cfg.SmallJobThreshold && !opts.UsesAI()
}

// Submit admits a generation request. Small decks without AI stages run
// inline and come back completed; everything else is queued.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (JobHandle, error) {
	req.LessonID = strings.TrimSpace(req.LessonID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.LessonID == "" {
		return JobHandle{}, fmt.Errorf("%w: lesson id is required", domain.ErrInvalidRequest)
	}
	if req.UserID == "" {
		return JobHandle{}, fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}

	slides := req.Slides
	if len(slides) == 0 && s.lessons != nil {
		loaded, err := s.lessons.ListSlides(ctx, req.LessonID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return JobHandle{}, fmt.Errorf("load lesson slides: %w", err)
		}
		slides = loaded
	}
	if len(slides) == 0 {
		return JobHandle{}, fmt.Errorf("%w: lesson %s has no slides", domain.ErrInvalidRequest, req.LessonID)
	}

	if s.cfg.DedupeInFlight {
		active, err := s.store.FindActive(ctx, domain.CacheKey{LessonID: req.LessonID, UserID: req.UserID})
		switch {
		case err == nil:
			s.logger.Info().Str("job_id", active.ID).Str("lesson_id", req.LessonID).Msg("generation: reusing in-flight job")
			return JobHandle{ID: active.ID, Status: active.Status, Deduplicated: true}, nil
		case !errors.Is(err, domain.ErrNotFound):
			s.logger.Warn().Err(err).Str("lesson_id", req.LessonID).Msg("generation: in-flight lookup failed")
		}
	}

	job := &domain.Job{
		LessonID:    req.LessonID,
		UserID:      req.UserID,
		Slides:      slides,
		Options:     req.Options,
		Status:      domain.JobStatusQueued,
		Priority:    Priority(len(slides)),
		MaxAttempts: s.cfg.MaxAttempts,
	}
	if s.runner != nil && s.Inline(len(slides), req.Options) {
		return s.runInline(ctx, job)
	}

	id, err := s.store.Enqueue(ctx, job)
	if err != nil {
		return JobHandle{}, fmt.Errorf("enqueue job: %w", err)
	}
	if s.dispatcher != nil {
		s.dispatcher.Wake()
	}
	s.logger.Info().
		Str("job_id", id).
		Str("lesson_id", req.LessonID).
		Int("total_slides", len(slides)).
		Int("priority", job.Priority).
		Msg("generation: job queued")
	return JobHandle{ID: id, Status: domain.JobStatusQueued}, nil
}

// runInline stores the job as already processing so no worker claims it,
// then runs the pipeline in the caller's goroutine.
func (s *Service) runInline(ctx context.Context, job *domain.Job) (JobHandle, error) {
	now := s.now()
	job.Status = domain.JobStatusProcessing
	job.Attempts = 1
	job.StartedAt = &now
	id, err := s.store.Enqueue(ctx, job)
	if err != nil {
		return JobHandle{}, fmt.Errorf("enqueue inline job: %w", err)
	}
	job.ID = id

	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return JobHandle{}, fmt.Errorf("load inline job: %w", err)
	}
	runErr := s.runner.Run(ctx, stored)

	final, err := s.store.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return JobHandle{}, errors.Join(fmt.Errorf("load inline job: %w", err), runErr)
	}
	handle := JobHandle{ID: id, Status: final.Status, Error: final.Error}
	switch final.Status {
	case domain.JobStatusCompleted:
		handle.Result = domain.ResultFromJob(final, finishedAt(final))
	case domain.JobStatusQueued:
		// interrupted or retrying; the pool takes it from here
		if s.dispatcher != nil {
			s.dispatcher.Wake()
		}
	}
	s.logger.Info().
		Str("job_id", id).
		Str("lesson_id", final.LessonID).
		Str("status", string(final.Status)).
		Msg("generation: inline job finished")
	return handle, nil
}

// Snapshot returns the job's status together with the event a new progress
// subscriber should see first.
func (s *Service) Snapshot(ctx context.Context, jobID string) (StatusView, notify.Event, error) {
	view, err := s.GetStatus(ctx, jobID)
	if err != nil {
		return StatusView{}, notify.Event{}, err
	}
	job := &domain.Job{
		ID:       view.JobID,
		LessonID: view.LessonID,
		UserID:   view.UserID,
		Status:   view.Status,
		Error:    view.Error,
		Progress: domain.Progress{
			ProcessedCount: view.Progress.ProcessedCount,
			TotalSlides:    view.Progress.TotalSlides,
		},
	}
	return view, notify.SnapshotEvent(job, view.Result, s.now()), nil
}

// GetStatus reports a job's state. Jobs already purged from the store are
// answered from the result cache when their result is still there.
func (s *Service) GetStatus(ctx context.Context, jobID string) (StatusView, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return StatusView{}, fmt.Errorf("%w: job id is required", domain.ErrInvalidRequest)
	}
	job, err := s.store.Get(ctx, jobID)
	if err == nil {
		return viewFromJob(job), nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return StatusView{}, fmt.Errorf("load job: %w", err)
	}
	if s.cache == nil {
		return StatusView{}, domain.ErrNotFound
	}
	result, ok, cerr := s.cache.GetByJob(ctx, jobID)
	if cerr != nil {
		s.logger.Warn().Err(cerr).Str("job_id", jobID).Msg("generation: cache lookup by job failed")
	}
	if !ok {
		return StatusView{}, domain.ErrNotFound
	}
	return viewFromResult(result), nil
}

// Cancel stops a job. Queued jobs fail immediately; processing jobs are
// flagged and interrupted before their next slide. It reports false when
// the job is unknown or already finished.
func (s *Service) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		return false, nil
	}
	flagged, err := s.store.RequestCancel(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	if !flagged {
		return false, nil
	}

	logger := s.logger.With().Str("job_id", jobID).Logger()
	if job.Status == domain.JobStatusQueued {
		message := domain.UserMessage(domain.ErrCancelled)
		applied, err := s.store.FailQueued(ctx, jobID, message)
		if err != nil {
			return false, fmt.Errorf("fail cancelled job: %w", err)
		}
		if applied {
			job.Status = domain.JobStatusFailed
			job.Error = message
			if err := s.notifier.Publish(ctx, notify.FailedEvent(job, message, s.now())); err != nil {
				logger.Debug().Err(err).Msg("generation: cancel event not delivered")
			}
			logger.Info().Msg("generation: queued job cancelled")
			return true, nil
		}
		// claimed in the meantime: the owner sees the flag and records the failure
	}

	if s.dispatcher != nil && s.dispatcher.Cancel(jobID) {
		logger.Info().Msg("generation: running job interrupted")
	} else {
		logger.Info().Msg("generation: cancel requested for job running elsewhere")
	}
	return true, nil
}

// LessonResult returns the cached result for a user's lesson.
func (s *Service) LessonResult(ctx context.Context, lessonID, userID string) (*domain.Result, bool, error) {
	if s.cache == nil {
		return nil, false, nil
	}
	return s.cache.Get(ctx, domain.CacheKey{LessonID: lessonID, UserID: userID})
}

// InvalidateLesson drops every cached result of a lesson.
func (s *Service) InvalidateLesson(ctx context.Context, lessonID string) (bool, error) {
	if strings.TrimSpace(lessonID) == "" {
		return false, fmt.Errorf("%w: lesson id is required", domain.ErrInvalidRequest)
	}
	if s.cache == nil {
		return false, nil
	}
	removed, err := s.cache.Invalidate(ctx, lessonID)
	if err != nil {
		return false, fmt.Errorf("invalidate lesson cache: %w", err)
	}
	s.logger.Info().Str("lesson_id", lessonID).Bool("removed", removed).Msg("generation: lesson cache invalidated")
	return removed, nil
}

// ClearAll empties the result cache.
func (s *Service) ClearAll(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	s.logger.Info().Msg("generation: result cache cleared")
	return nil
}

func (s *Service) Stats(ctx context.Context) (domain.CacheStats, error) {
	if s.cache == nil {
		return domain.CacheStats{}, nil
	}
	return s.cache.Stats(ctx)
}

func viewFromJob(job *domain.Job) StatusView {
	created, updated := job.CreatedAt, job.UpdatedAt
	view := StatusView{
		JobID:    job.ID,
		LessonID: job.LessonID,
		UserID:   job.UserID,
		Status:   job.Status,
		Progress: ProgressView{
			ProcessedCount: job.Progress.ProcessedCount,
			TotalSlides:    job.Progress.TotalSlides,
			Percent:        job.Progress.Percent(),
		},
		CreatedAt: &created,
		UpdatedAt: &updated,
	}
	switch job.Status {
	case domain.JobStatusCompleted:
		view.Result = domain.ResultFromJob(job, finishedAt(job))
	case domain.JobStatusFailed:
		view.Error = job.Error
	}
	return view
}

func viewFromResult(result *domain.Result) StatusView {
	n := len(result.Slides)
	return StatusView{
		JobID:    result.JobID,
		LessonID: result.LessonID,
		UserID:   result.UserID,
		Status:   domain.JobStatusCompleted,
		Progress: ProgressView{ProcessedCount: n, TotalSlides: n, Percent: 100},
		Result:   result,
	}
}

func finishedAt(job *domain.Job) time.Time {
	if job.FinishedAt != nil {
		return *job.FinishedAt
	}
	return job.UpdatedAt
}
