package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"slidegen/internal/domain"
	"slidegen/internal/infra"
	"slidegen/internal/sqlinline"
)

// PostgresStore persists jobs in the slide_jobs table. Claims rely on
// "for update skip locked" so several worker processes can share the table.
type PostgresStore struct {
	sql infra.SQLExecutor
	now func() time.Time
}

// NewPostgresStore wraps an executor, typically an *infra.SQLRunner.
func NewPostgresStore(sql infra.SQLExecutor) *PostgresStore {
	return &PostgresStore{sql: sql, now: time.Now}
}

// EnsureSchema creates the slide_jobs table and its indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.sql.Exec(ctx, sqlinline.QEnsureSlideJobsSchema); err != nil {
		return fmt.Errorf("ensure slide_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	if job == nil {
		return "", fmt.Errorf("enqueue: %w: job is nil", domain.ErrInvalidRequest)
	}
	stored := prepareForInsert(job, s.now())

	slides, err := json.Marshal(stored.Slides)
	if err != nil {
		return "", fmt.Errorf("encode slides: %w", err)
	}
	opts, err := json.Marshal(stored.Options)
	if err != nil {
		return "", fmt.Errorf("encode options: %w", err)
	}
	processed, err := json.Marshal(nonNilResults(stored.Progress.ProcessedSlides))
	if err != nil {
		return "", fmt.Errorf("encode processed slides: %w", err)
	}

	_, err = s.sql.Exec(ctx, sqlinline.QInsertSlideJob,
		stored.ID,
		stored.LessonID,
		stored.UserID,
		string(slides),
		string(opts),
		string(stored.Status),
		stored.Priority,
		string(processed),
		stored.Progress.TotalSlides,
		stored.Attempts,
		stored.MaxAttempts,
		stored.CreatedAt,
		stored.AvailableAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert slide job: %w", err)
	}
	return stored.ID, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	if !validJobID(id) {
		return nil, domain.ErrNotFound
	}
	job, err := scanJob(s.sql.QueryRow(ctx, sqlinline.QSelectSlideJob, id))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("select slide job %s: %w", id, err)
	}
	return job, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string) (*domain.Job, error) {
	job, err := scanJob(s.sql.QueryRow(ctx, sqlinline.QClaimSlideJob, workerID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNoJobAvailable
		}
		return nil, fmt.Errorf("claim slide job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, result domain.SlideResult) (bool, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("encode slide result: %w", err)
	}
	return s.applyUpdate(ctx, id, "append slide result", sqlinline.QAppendSlideResult, id, string(payload), result.Index)
}

// Complete marks the job completed once every slide has been recorded. The
// result itself is cached elsewhere; here it is only checked for shape.
func (s *PostgresStore) Complete(ctx context.Context, id string, result *domain.Result) (bool, error) {
	applied, err := s.applyUpdate(ctx, id, "complete slide job", sqlinline.QCompleteSlideJob, id)
	if err != nil || applied {
		return applied, err
	}
	var (
		status           string
		processed, total int
	)
	if err := s.sql.QueryRow(ctx, sqlinline.QSelectSlideJobStatus, id).Scan(&status, &processed, &total); err != nil {
		return false, fmt.Errorf("inspect slide job %s: %w", id, err)
	}
	if !domain.JobStatus(status).Terminal() && processed != total {
		return false, fmt.Errorf("complete %s: %w: %d of %d slides processed", id, domain.ErrInvalidRequest, processed, total)
	}
	if result != nil && len(result.Slides) != total {
		return false, fmt.Errorf("complete %s: %w: result has %d slides", id, domain.ErrInvalidRequest, len(result.Slides))
	}
	return false, nil
}

func (s *PostgresStore) Fail(ctx context.Context, id string, message string) (bool, error) {
	return s.applyUpdate(ctx, id, "fail slide job", sqlinline.QFailSlideJob, id, message)
}

func (s *PostgresStore) FailQueued(ctx context.Context, id string, message string) (bool, error) {
	return s.applyUpdate(ctx, id, "fail queued slide job", sqlinline.QFailQueuedSlideJob, id, message)
}

func (s *PostgresStore) Release(ctx context.Context, id string) (bool, error) {
	return s.applyUpdate(ctx, id, "release slide job", sqlinline.QReleaseSlideJob, id)
}

func (s *PostgresStore) Requeue(ctx context.Context, id string, availableAt time.Time) (bool, error) {
	return s.applyUpdate(ctx, id, "requeue slide job", sqlinline.QRequeueSlideJob, id, availableAt)
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	return s.applyUpdate(ctx, id, "request cancel", sqlinline.QRequestCancelSlideJob, id)
}

func (s *PostgresStore) ListStale(ctx context.Context, olderThan time.Time) ([]*domain.Job, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QListStaleSlideJobs, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale slide jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale slide job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale slide jobs: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindActive(ctx context.Context, key domain.CacheKey) (*domain.Job, error) {
	job, err := scanJob(s.sql.QueryRow(ctx, sqlinline.QFindActiveSlideJob, key.LessonID, key.UserID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find active slide job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Purge(ctx context.Context, finishedBefore time.Time) (int, error) {
	tag, err := s.sql.Exec(ctx, sqlinline.QPurgeSlideJobs, finishedBefore)
	if err != nil {
		return 0, fmt.Errorf("purge slide jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// applyUpdate runs a guarded UPDATE. Zero affected rows means either the
// guard rejected the transition (false, nil) or the job does not exist.
func (s *PostgresStore) applyUpdate(ctx context.Context, id, op, query string, args ...any) (bool, error) {
	if !validJobID(id) {
		return false, domain.ErrNotFound
	}
	tag, err := s.sql.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", op, id, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var (
		status           string
		processed, total int
	)
	err = s.sql.QueryRow(ctx, sqlinline.QSelectSlideJobStatus, id).Scan(&status, &processed, &total)
	if err != nil {
		if infra.IsNoRows(err) {
			return false, domain.ErrNotFound
		}
		return false, fmt.Errorf("%s %s: %w", op, id, err)
	}
	return false, nil
}

// validJobID keeps ids the uuid column cannot hold away from the database,
// where the cast would fail as a server error instead of a missing row.
func validJobID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job                             domain.Job
		status                          string
		slidesRaw, optsRaw, processedRaw []byte
	)
	err := row.Scan(
		&job.ID,
		&job.LessonID,
		&job.UserID,
		&slidesRaw,
		&optsRaw,
		&status,
		&job.Priority,
		&processedRaw,
		&job.Progress.TotalSlides,
		&job.Error,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CancelRequested,
		&job.WorkerID,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&job.UpdatedAt,
		&job.AvailableAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if len(slidesRaw) > 0 {
		if err := json.Unmarshal(slidesRaw, &job.Slides); err != nil {
			return nil, fmt.Errorf("decode slides: %w", err)
		}
	}
	if len(optsRaw) > 0 {
		if err := json.Unmarshal(optsRaw, &job.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	if len(processedRaw) > 0 {
		if err := json.Unmarshal(processedRaw, &job.Progress.ProcessedSlides); err != nil {
			return nil, fmt.Errorf("decode processed slides: %w", err)
		}
	}
	job.Progress.ProcessedCount = len(job.Progress.ProcessedSlides)
	return &job, nil
}

func nonNilResults(in []domain.SlideResult) []domain.SlideResult {
	if in == nil {
		return []domain.SlideResult{}
	}
	return in
}

// IsInfrastructureError reports whether err came from the backend rather than
// from a contract outcome such as a missing job.
func IsInfrastructureError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrNoJobAvailable),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

var _ domain.JobStore = (*PostgresStore)(nil)
