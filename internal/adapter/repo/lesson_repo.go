package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"slidegen/internal/domain"
	"slidegen/internal/infra"
	"slidegen/internal/sqlinline"
)

// LessonRepositoryPG implements domain.LessonRepository on the lessons table.
// It only reads; lessons are owned by another service.
type LessonRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewLessonRepository creates a lesson repository backed by PostgreSQL.
func NewLessonRepository(sql infra.SQLExecutor) *LessonRepositoryPG {
	return &LessonRepositoryPG{sql: sql}
}

// ListSlides returns the slide descriptions stored with a lesson.
func (r *LessonRepositoryPG) ListSlides(ctx context.Context, lessonID string) ([]domain.Slide, error) {
	var raw []byte
	if err := r.sql.QueryRow(ctx, sqlinline.QSelectLessonSlides, lessonID).Scan(&raw); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("select lesson slides: %w", err)
	}
	var slides []domain.Slide
	if err := json.Unmarshal(raw, &slides); err != nil {
		return nil, fmt.Errorf("decode lesson %s slides: %w", lessonID, err)
	}
	return slides, nil
}

var _ domain.LessonRepository = (*LessonRepositoryPG)(nil)
