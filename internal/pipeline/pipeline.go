// Package pipeline processes one job slide by slide: render, narration
// script, speech, then progress bookkeeping.
package pipeline

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
	"slidegen/internal/providers/script"
	"slidegen/internal/providers/speech"
	"slidegen/internal/render"
)

// ScriptGenerator produces narration for one slide.
type ScriptGenerator interface {
	GenerateScript(ctx context.Context, req script.Request) (string, error)
}

// SpeechSynthesizer turns narration into a stored audio reference.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req speech.Request) (string, error)
}

// Deps groups the collaborators of a Pipeline. Scripts and Speech may be nil,
// in which case narration always uses the fallback and audio is skipped.
type Deps struct {
	Store    domain.JobStore
	Cache    domain.ResultCache
	Notifier notify.Notifier
	Renderer render.Renderer
	Scripts  ScriptGenerator
	Speech   SpeechSynthesizer
	Logger   *infra.Logger
}

// Pipeline runs jobs. It is safe for concurrent use by several workers.
type Pipeline struct {
	store    domain.JobStore
	cache    domain.ResultCache
	notifier notify.Notifier
	renderer render.Renderer
	scripts  ScriptGenerator
	speech   SpeechSynthesizer
	cfg      infra.PipelineConfig
	logger   infra.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

const settleTimeout = 10 * time.Second

var (
	// errInterrupted marks a run stopped by shutdown rather than by the user.
	errInterrupted = errors.New("pipeline interrupted")
	// errLostOwnership means another actor already moved the job on.
	errLostOwnership = errors.New("job no longer owned by this run")
)

func New(deps Deps, cfg infra.PipelineConfig) *Pipeline {
	defaults := infra.DefaultPipelineConfig()
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = defaults.StageTimeout
	}
	if cfg.SlideDelay < 0 {
		cfg.SlideDelay = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaults.RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = defaults.RetryCap
	}

	var logger infra.Logger
	if deps.Logger != nil {
		logger = *deps.Logger
	} else {
		logger = zerolog.New(io.Discard)
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = render.NewTemplRenderer()
	}

	return &Pipeline{
		store:    deps.Store,
		cache:    deps.Cache,
		notifier: notifier,
		renderer: renderer,
		scripts:  deps.Scripts,
		speech:   deps.Speech,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Run processes the remaining slides of a claimed job and drives it to a
// terminal state, or back to the queue when a retryable error occurs. Slides
// already present in the job's progress are not processed again. The
// returned error is the fatal cause, if any; termination has already been
// recorded by the time Run returns.
func (p *Pipeline) Run(ctx context.Context, job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("pipeline: %w: job is nil", domain.ErrInvalidRequest)
	}
	job = job.Clone()
	if job.Progress.TotalSlides == 0 {
		job.Progress.TotalSlides = len(job.Slides)
	}
	total := job.Progress.TotalSlides
	logger := p.logger.With().Str("job_id", job.ID).Str("lesson_id", job.LessonID).Logger()
	logger.Debug().
		Int("total_slides", total).
		Int("resume_from", job.Progress.ProcessedCount).
		Int("attempt", job.Attempts).
		Msg("pipeline: run started")

	for i := 0; i < total; i++ {
		if job.Progress.HasIndex(i) {
			continue
		}
		if err := p.checkCancelled(ctx, job.ID, job.WorkerID); err != nil {
			return p.settle(ctx, job, err)
		}

		result, err := p.processSlide(ctx, job, i, logger)
		if err != nil {
			return p.settle(ctx, job, err)
		}
		if ctx.Err() != nil {
			return p.settle(ctx, job, interruption(ctx))
		}

		applied, err := p.store.UpdateProgress(ctx, job.ID, result)
		if err != nil {
			return p.settle(ctx, job, fmt.Errorf("%w: record progress: %w", domain.ErrTransient, err))
		}
		if applied {
			job.Progress.Append(result)
		} else if err := p.confirmOwnership(ctx, job); err != nil {
			return p.settle(ctx, job, err)
		}

		processed := job.Progress.ProcessedCount
		if err := p.notifier.Publish(ctx, notify.ProgressEvent(job, processed, p.now())); err != nil {
			logger.Debug().Err(err).Int("slide_index", i).Msg("pipeline: progress event not delivered")
		}

		if i < total-1 && p.cfg.SlideDelay > 0 && job.Options.UsesAI() {
			if err := p.sleep(ctx, p.cfg.SlideDelay); err != nil {
				return p.settle(ctx, job, interruption(ctx))
			}
		}
	}
	return p.finish(ctx, job, logger)
}

func (p *Pipeline) processSlide(ctx context.Context, job *domain.Job, i int, logger zerolog.Logger) (domain.SlideResult, error) {
	started := p.now()
	slide := job.Slides[i]

	html, err := p.renderSlide(ctx, slide, i, job.Options.Theme)
	if err != nil {
		return domain.SlideResult{}, err
	}
	result := domain.SlideResult{Index: i, HTML: html}

	if job.Options.GenerateTeaching {
		req := script.Request{Slide: slide, Index: i, Total: job.Progress.TotalSlides, Options: job.Options}
		result.Script, result.ScriptFallback = p.scriptStage(ctx, req, logger)
	}
	if job.Options.GenerateVoice && result.Script != "" {
		result.AudioReference = p.voiceStage(ctx, speech.Request{
			JobID: job.ID,
			Index: i,
			Text:  result.Script,
			Voice: job.Options.Voice,
		}, logger)
	}

	result.ProcessingTimeMs = p.now().Sub(started).Milliseconds()
	return result, nil
}

func (p *Pipeline) renderSlide(ctx context.Context, slide domain.Slide, index int, theme string) (html string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: slide %d: %v", domain.ErrRenderFailed, index, rec)
		}
	}()
	html, err = p.renderer.Render(ctx, slide, index, theme)
	if err != nil && !errors.Is(err, domain.ErrRenderFailed) {
		err = fmt.Errorf("%w: slide %d: %w", domain.ErrRenderFailed, index, err)
	}
	return html, err
}

// scriptStage never returns an empty script; provider failures, timeouts and
// blank answers all fall back to the templated narration.
func (p *Pipeline) scriptStage(ctx context.Context, req script.Request, logger zerolog.Logger) (string, bool) {
	if p.scripts == nil {
		return script.Fallback(req), true
	}
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	text, err := p.scripts.GenerateScript(stageCtx, req)
	if err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text), false
	}
	if err == nil {
		err = errors.New("blank narration")
	}
	logger.Warn().Err(err).Int("slide_index", req.Index).Str("stage", "script").Msg("pipeline: using fallback narration")
	return script.Fallback(req), true
}

func (p *Pipeline) voiceStage(ctx context.Context, req speech.Request, logger zerolog.Logger) string {
	if p.speech == nil {
		return ""
	}
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	ref, err := p.speech.Synthesize(stageCtx, req)
	if err != nil {
		logger.Warn().Err(err).Int("slide_index", req.Index).Str("stage", "voice").Msg("pipeline: audio skipped")
		return ""
	}
	return ref
}

// checkCancelled reports a cancellation requested through the context or
// through the store.
func (p *Pipeline) checkCancelled(ctx context.Context, jobID, workerID string) error {
	if ctx.Err() != nil {
		return interruption(ctx)
	}
	current, err := p.store.Get(ctx, jobID)
	if err != nil {
		return nil
	}
	if current.CancelRequested {
		return domain.ErrCancelled
	}
	if !owns(current, workerID) {
		return errLostOwnership
	}
	return nil
}

// owns reports whether current is still the processing run claimed by
// workerID.
func owns(current *domain.Job, workerID string) bool {
	return current.Status == domain.JobStatusProcessing && current.WorkerID == workerID
}

func (p *Pipeline) confirmOwnership(ctx context.Context, job *domain.Job) error {
	current, err := p.store.Get(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("%w: reload job: %w", domain.ErrTransient, err)
	}
	if !owns(current, job.WorkerID) {
		return errLostOwnership
	}
	job.Progress = current.Progress
	return nil
}

func interruption(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), domain.ErrCancelled) {
		return domain.ErrCancelled
	}
	return errInterrupted
}

func (p *Pipeline) finish(ctx context.Context, job *domain.Job, logger zerolog.Logger) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	result := domain.ResultFromJob(job, p.now())
	applied, err := p.store.Complete(sctx, job.ID, result)
	if err != nil {
		return p.settle(ctx, job, fmt.Errorf("%w: complete: %w", domain.ErrTransient, err))
	}
	if !applied {
		logger.Info().Msg("pipeline: job already finished elsewhere, result discarded")
		return nil
	}
	job.Status = domain.JobStatusCompleted

	if p.cache != nil {
		if err := p.cache.Put(sctx, job.Key(), result); err != nil {
			logger.Warn().Err(err).Msg("pipeline: result not cached")
		}
	}
	if err := p.notifier.Publish(sctx, notify.CompletedEvent(job, result, p.now())); err != nil {
		logger.Debug().Err(err).Msg("pipeline: completion event not delivered")
	}
	logger.Info().
		Int("total_slides", len(result.Slides)).
		Int64("processing_ms", result.TotalProcessingTimeMs).
		Msg("pipeline: job completed")
	return nil
}

// settle records the outcome of a run stopped by cause.
func (p *Pipeline) settle(ctx context.Context, job *domain.Job, cause error) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	switch {
	case errors.Is(cause, errLostOwnership):
		p.logger.Info().Str("job_id", job.ID).Msg("pipeline: job taken over, stopping run")
		return cause
	case errors.Is(cause, errInterrupted):
		if _, err := p.store.Release(sctx, job.ID); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("pipeline: requeue after interruption failed")
		}
		return cause
	}
	p.Abort(sctx, job, cause)
	return cause
}

// Abort applies the retry policy to a job stopped by cause: retryable causes
// go back to the queue with exponential backoff while attempts remain;
// everything else fails the job with a user-safe message. It returns the
// status the job was moved to, or "" when the store had already moved on.
func (p *Pipeline) Abort(ctx context.Context, job *domain.Job, cause error) domain.JobStatus {
	logger := p.logger.With().Str("job_id", job.ID).Int("attempt", job.Attempts).Logger()

	if domain.Retryable(cause) && job.Attempts < p.cfg.MaxAttempts {
		delay := Backoff(job.Attempts, p.cfg.RetryBase, p.cfg.RetryCap)
		applied, err := p.store.Requeue(ctx, job.ID, p.now().Add(delay))
		if err == nil && applied {
			logger.Warn().Err(cause).Dur("retry_in", delay).Msg("pipeline: job requeued")
			return domain.JobStatusQueued
		}
		if err != nil {
			logger.Error().Err(err).Msg("pipeline: requeue failed, failing job")
		}
	}

	message := domain.UserMessage(cause)
	applied, err := p.store.Fail(ctx, job.ID, message)
	if err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("pipeline: could not record failure")
		return ""
	}
	if !applied {
		return ""
	}
	logger.Warn().Err(cause).Msg("pipeline: job failed")
	job.Status = domain.JobStatusFailed
	job.Error = message
	if err := p.notifier.Publish(ctx, notify.FailedEvent(job, message, p.now())); err != nil {
		logger.Debug().Err(err).Msg("pipeline: failure event not delivered")
	}
	return domain.JobStatusFailed
}

// Backoff returns base * 2^(attempt-1), capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
