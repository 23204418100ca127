package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"outpost/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverStore writes to primary and switches to fallback while primary is
// failing. Writes made during the outage are replayed into primary once it
// answers again.
type FailoverStore struct {
	primary  domain.Store
	fallback domain.Store
	logger   *zerolog.Logger
	recovery time.Duration
	now      func() time.Time

	isDown atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
	dirty     map[string]struct{}
	deleted   map[string]struct{}
}

var _ domain.Store = (*FailoverStore)(nil)

func NewFailoverStore(primary, fallback domain.Store, recovery time.Duration, logger *zerolog.Logger) *FailoverStore {
	if recovery <= 0 {
		recovery = time.Minute
	}
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		recovery: recovery,
		now:      time.Now,
		dirty:    make(map[string]struct{}),
		deleted:  make(map[string]struct{}),
	}
}

// Degraded reports whether writes currently go to the fallback.
func (r *FailoverStore) Degraded() bool {
	return r.isDown.Load()
}

func (r *FailoverStore) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary queue store failed, falling back")
	}
	r.mu.Lock()
	r.lastCheck = r.now()
	r.mu.Unlock()
}

// maybeRecover replays outage writes into primary when the recovery
// interval has passed. It reports whether primary is usable.
func (r *FailoverStore) maybeRecover(ctx context.Context) bool {
	if !r.isDown.Load() {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Sub(r.lastCheck) < r.recovery {
		return false
	}
	r.lastCheck = r.now()

	for id := range r.deleted {
		if err := r.primary.Delete(ctx, id); err != nil {
			r.logger.Warn().Err(err).Msg("Primary queue store still unavailable")
			return false
		}
		delete(r.deleted, id)
	}
	for id := range r.dirty {
		data, err := r.fallback.Get(ctx, id)
		if errors.Is(err, domain.ErrRecordNotFound) {
			delete(r.dirty, id)
			continue
		}
		if err != nil {
			return false
		}
		if err := r.primary.Put(ctx, id, data); err != nil {
			r.logger.Warn().Err(err).Msg("Primary queue store still unavailable")
			return false
		}
		_ = r.fallback.Delete(ctx, id)
		delete(r.dirty, id)
	}

	r.isDown.Store(false)
	r.logger.Info().Msg("Primary queue store recovered")
	return true
}

func (r *FailoverStore) Put(ctx context.Context, id string, data []byte) error {
	if r.maybeRecover(ctx) {
		err := r.primary.Put(ctx, id, data)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}

	if err := r.fallback.Put(ctx, id, data); err != nil {
		return err
	}
	r.mu.Lock()
	r.dirty[id] = struct{}{}
	delete(r.deleted, id)
	r.mu.Unlock()
	return nil
}

func (r *FailoverStore) Get(ctx context.Context, id string) ([]byte, error) {
	if r.maybeRecover(ctx) {
		data, err := r.primary.Get(ctx, id)
		if err == nil || errors.Is(err, domain.ErrRecordNotFound) {
			return data, err
		}
		r.markDown(err)
	}
	return r.fallback.Get(ctx, id)
}

func (r *FailoverStore) Delete(ctx context.Context, id string) error {
	if r.maybeRecover(ctx) {
		err := r.primary.Delete(ctx, id)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}

	if err := r.fallback.Delete(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.dirty, id)
	r.deleted[id] = struct{}{}
	r.mu.Unlock()
	return nil
}

// ListAll prefers primary. While degraded it returns the fallback records,
// which hold everything written since the outage began.
func (r *FailoverStore) ListAll(ctx context.Context) ([]domain.Record, error) {
	if r.maybeRecover(ctx) {
		records, err := r.primary.ListAll(ctx)
		if err == nil {
			return records, nil
		}
		r.markDown(err)
	}
	return r.fallback.ListAll(ctx)
}
