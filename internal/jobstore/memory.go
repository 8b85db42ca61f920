// Package jobstore provides JobStore implementations: a durable Postgres
// store, an in-memory store, and a fallback wrapper that degrades to memory
// when the durable backend is unavailable.
package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"slidegen/internal/domain"
)

type memoryRecord struct {
	job *domain.Job
	seq uint64
}

// MemoryStore keeps jobs in process memory. It honours the same contract as
// the Postgres store but loses everything on restart.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*memoryRecord
	seq  uint64
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*memoryRecord),
		now:  time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if job == nil {
		return "", fmt.Errorf("enqueue: %w: job is nil", domain.ErrInvalidRequest)
	}
	stored := prepareForInsert(job, s.clock())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[stored.ID]; exists {
		return "", fmt.Errorf("enqueue: %w: duplicate id %s", domain.ErrInvalidRequest, stored.ID)
	}
	s.seq++
	s.jobs[stored.ID] = &memoryRecord{job: stored, seq: s.seq}
	return stored.ID, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.job.Clone(), nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, workerID string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var best *memoryRecord
	for _, rec := range s.jobs {
		j := rec.job
		if j.Status != domain.JobStatusQueued || j.AvailableAt.After(now) {
			continue
		}
		if best == nil || claimsBefore(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, domain.ErrNoJobAvailable
	}

	j := best.job
	j.Status = domain.JobStatusProcessing
	j.Attempts++
	j.WorkerID = workerID
	if j.StartedAt == nil {
		started := now
		j.StartedAt = &started
	}
	j.UpdatedAt = now
	return j.Clone(), nil
}

// claimsBefore orders by priority (higher first) and then enqueue order.
func claimsBefore(a, b *memoryRecord) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	return a.seq < b.seq
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, id string, result domain.SlideResult) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	j := rec.job
	if j.Status != domain.JobStatusProcessing {
		return false, nil
	}
	if !j.Progress.Append(result) {
		return false, nil
	}
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string, result *domain.Result) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	j := rec.job
	if j.Status.Terminal() {
		return false, nil
	}
	if j.Progress.ProcessedCount != j.Progress.TotalSlides {
		return false, fmt.Errorf("complete %s: %w: %d of %d slides processed", id, domain.ErrInvalidRequest, j.Progress.ProcessedCount, j.Progress.TotalSlides)
	}
	if result != nil && len(result.Slides) != j.Progress.TotalSlides {
		return false, fmt.Errorf("complete %s: %w: result has %d slides", id, domain.ErrInvalidRequest, len(result.Slides))
	}
	now := s.now()
	j.Status = domain.JobStatusCompleted
	j.Error = ""
	j.FinishedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) Fail(ctx context.Context, id string, message string) (bool, error) {
	return s.fail(ctx, id, message, func(j *domain.Job) bool { return !j.Status.Terminal() })
}

func (s *MemoryStore) FailQueued(ctx context.Context, id string, message string) (bool, error) {
	return s.fail(ctx, id, message, func(j *domain.Job) bool { return j.Status == domain.JobStatusQueued })
}

func (s *MemoryStore) fail(ctx context.Context, id, message string, allowed func(*domain.Job) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	j := rec.job
	if !allowed(j) {
		return false, nil
	}
	now := s.now()
	j.Status = domain.JobStatusFailed
	j.Error = message
	j.FinishedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) Requeue(ctx context.Context, id string, availableAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	j := rec.job
	if j.Status != domain.JobStatusProcessing {
		return false, nil
	}
	j.Status = domain.JobStatusQueued
	j.WorkerID = ""
	j.AvailableAt = availableAt
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	j := rec.job
	if j.Status != domain.JobStatusProcessing {
		return false, nil
	}
	now := s.now()
	j.Status = domain.JobStatusQueued
	j.WorkerID = ""
	j.Attempts = max(0, j.Attempts-1)
	j.AvailableAt = now
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if rec.job.Status.Terminal() {
		return false, nil
	}
	rec.job.CancelRequested = true
	return true, nil
}

func (s *MemoryStore) ListStale(ctx context.Context, olderThan time.Time) ([]*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, rec := range s.jobs {
		if rec.job.Status == domain.JobStatusProcessing && rec.job.UpdatedAt.Before(olderThan) {
			out = append(out, rec.job.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) FindActive(ctx context.Context, key domain.CacheKey) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *memoryRecord
	for _, rec := range s.jobs {
		j := rec.job
		if j.Status.Terminal() || j.LessonID != key.LessonID || j.UserID != key.UserID {
			continue
		}
		if newest == nil || rec.seq > newest.seq {
			newest = rec
		}
	}
	if newest == nil {
		return nil, domain.ErrNotFound
	}
	return newest.job.Clone(), nil
}

func (s *MemoryStore) Purge(ctx context.Context, finishedBefore time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.jobs {
		j := rec.job
		if j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(finishedBefore) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Owns reports whether the job lives in this store.
func (s *MemoryStore) Owns(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

func (s *MemoryStore) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// prepareForInsert fills defaults on a copy of job.
func prepareForInsert(job *domain.Job, now time.Time) *domain.Job {
	stored := job.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = domain.JobStatusQueued
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	if stored.AvailableAt.IsZero() {
		stored.AvailableAt = stored.CreatedAt
	}
	stored.Progress.TotalSlides = len(stored.Slides)
	stored.Progress.ProcessedCount = len(stored.Progress.ProcessedSlides)
	return stored
}

var _ domain.JobStore = (*MemoryStore)(nil)
