package notify

import (
	"context"

	"slidegen/internal/infra"
)

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	logger infra.Logger
}

func NewLogNotifier(logger infra.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Publish(_ context.Context, evt Event) error {
	e := l.logger.Debug()
	if evt.Type.Terminal() {
		e = l.logger.Info()
	}
	e.Str("event", string(evt.Type)).
		Str("job_id", evt.JobID).
		Str("lesson_id", evt.LessonID).
		Str("user_id", evt.UserID).
		Int("processed", evt.ProcessedCount).
		Int("total", evt.TotalSlides)
	if evt.Error != "" {
		e = e.Str("error", evt.Error)
	}
	e.Msg("job event")
	return nil
}
