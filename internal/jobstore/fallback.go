package jobstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"slidegen/internal/domain"
	"slidegen/internal/infra"
)

// DefaultRecheckInterval is how long FallbackStore waits after an infrastructure
// error before sending new jobs to the primary again.
const DefaultRecheckInterval = 30 * time.Second

// FallbackStore writes new jobs to a durable primary and switches to an
// in-memory secondary when the primary fails. Jobs stay in whichever store
// accepted them; reads and mutations are routed to the owner.
type FallbackStore struct {
	primary   domain.JobStore
	secondary *MemoryStore
	logger    infra.Logger
	recheck   time.Duration
	now       func() time.Time

	mu          sync.Mutex
	degraded    bool
	lastFailure time.Time
}

// NewFallbackStore wraps primary. A nil primary leaves the store permanently
// in memory mode.
func NewFallbackStore(primary domain.JobStore, secondary *MemoryStore, logger infra.Logger) *FallbackStore {
	if secondary == nil {
		secondary = NewMemoryStore()
	}
	return &FallbackStore{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
		recheck:   DefaultRecheckInterval,
		now:       time.Now,
	}
}

// Degraded reports whether new jobs are currently kept in memory.
func (f *FallbackStore) Degraded() bool {
	if f.primary == nil {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *FallbackStore) usePrimary() bool {
	if f.primary == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded {
		return true
	}
	return f.now().Sub(f.lastFailure) >= f.recheck
}

func (f *FallbackStore) markFailure(op string, err error) {
	f.mu.Lock()
	wasDegraded := f.degraded
	f.degraded = true
	f.lastFailure = f.now()
	f.mu.Unlock()
	if !wasDegraded {
		f.logger.Warn().Err(err).Str("op", op).Msg("jobstore: primary unavailable, degraded to in-memory job store")
	}
}

func (f *FallbackStore) markHealthy() {
	f.mu.Lock()
	wasDegraded := f.degraded
	f.degraded = false
	f.mu.Unlock()
	if wasDegraded {
		f.logger.Info().Msg("jobstore: primary recovered, leaving degraded mode")
	}
}

func (f *FallbackStore) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	if f.usePrimary() {
		id, err := f.primary.Enqueue(ctx, job)
		if err == nil {
			f.markHealthy()
			return id, nil
		}
		if !IsInfrastructureError(err) {
			return "", err
		}
		f.markFailure("enqueue", err)
	}
	return f.secondary.Enqueue(ctx, job)
}

func (f *FallbackStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	if f.secondary.Owns(id) || f.primary == nil {
		return f.secondary.Get(ctx, id)
	}
	return f.primary.Get(ctx, id)
}

// ClaimNext drains memory-held jobs first so degraded work is not stranded.
func (f *FallbackStore) ClaimNext(ctx context.Context, workerID string) (*domain.Job, error) {
	job, err := f.secondary.ClaimNext(ctx, workerID)
	if err == nil || !errors.Is(err, domain.ErrNoJobAvailable) || f.primary == nil {
		return job, err
	}
	job, err = f.primary.ClaimNext(ctx, workerID)
	if err != nil && IsInfrastructureError(err) {
		f.markFailure("claim", err)
		return nil, domain.ErrNoJobAvailable
	}
	return job, err
}

func (f *FallbackStore) UpdateProgress(ctx context.Context, id string, result domain.SlideResult) (bool, error) {
	return f.owner(id).UpdateProgress(ctx, id, result)
}

func (f *FallbackStore) Complete(ctx context.Context, id string, result *domain.Result) (bool, error) {
	return f.owner(id).Complete(ctx, id, result)
}

func (f *FallbackStore) Fail(ctx context.Context, id string, message string) (bool, error) {
	return f.owner(id).Fail(ctx, id, message)
}

func (f *FallbackStore) FailQueued(ctx context.Context, id string, message string) (bool, error) {
	return f.owner(id).FailQueued(ctx, id, message)
}

func (f *FallbackStore) Release(ctx context.Context, id string) (bool, error) {
	return f.owner(id).Release(ctx, id)
}

func (f *FallbackStore) Requeue(ctx context.Context, id string, availableAt time.Time) (bool, error) {
	return f.owner(id).Requeue(ctx, id, availableAt)
}

func (f *FallbackStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	return f.owner(id).RequestCancel(ctx, id)
}

func (f *FallbackStore) ListStale(ctx context.Context, olderThan time.Time) ([]*domain.Job, error) {
	out, err := f.secondary.ListStale(ctx, olderThan)
	if err != nil || f.primary == nil {
		return out, err
	}
	durable, err := f.primary.ListStale(ctx, olderThan)
	if err != nil {
		f.logger.Warn().Err(err).Msg("jobstore: list stale jobs from primary failed")
		return out, nil
	}
	return append(out, durable...), nil
}

func (f *FallbackStore) FindActive(ctx context.Context, key domain.CacheKey) (*domain.Job, error) {
	job, err := f.secondary.FindActive(ctx, key)
	if err == nil || f.primary == nil {
		return job, err
	}
	job, err = f.primary.FindActive(ctx, key)
	if err != nil && IsInfrastructureError(err) {
		f.logger.Warn().Err(err).Msg("jobstore: find active job on primary failed")
		return nil, domain.ErrNotFound
	}
	return job, err
}

func (f *FallbackStore) Purge(ctx context.Context, finishedBefore time.Time) (int, error) {
	removed, err := f.secondary.Purge(ctx, finishedBefore)
	if err != nil || f.primary == nil {
		return removed, err
	}
	n, err := f.primary.Purge(ctx, finishedBefore)
	if err != nil {
		return removed, err
	}
	return removed + n, nil
}

func (f *FallbackStore) owner(id string) domain.JobStore {
	if f.primary == nil || f.secondary.Owns(id) {
		return f.secondary
	}
	return f.primary
}

var _ domain.JobStore = (*FallbackStore)(nil)
