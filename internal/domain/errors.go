package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrNoJobAvailable  = errors.New("no job available")
	ErrCancelled       = errors.New("generation cancelled")
	ErrRenderFailed    = errors.New("slide render failed")
	ErrTransient       = errors.New("transient failure")
	ErrWorkerCrashed   = errors.New("worker crashed")
	ErrWorkerTimeout   = errors.New("worker stopped responding")
	ErrNotConfigured   = errors.New("provider not configured")
	ErrProviderFailure = errors.New("provider failure")
)

// Retryable reports whether a fatal job error may be retried with backoff.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrWorkerCrashed) || errors.Is(err, ErrWorkerTimeout)
}

// UserMessage maps a fatal job error to text that is safe to show end users.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "generation cancelled"
	case errors.Is(err, ErrRenderFailed):
		return "a slide could not be rendered"
	case errors.Is(err, ErrWorkerTimeout):
		return "generation stopped responding and was abandoned"
	case errors.Is(err, ErrWorkerCrashed), errors.Is(err, ErrTransient):
		return "generation failed after several attempts"
	default:
		return "slide generation failed"
	}
}
