package resilience

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrRateLimited is returned when a call is rejected before any network I/O
// because every permit is taken and the wait queue is full.
var ErrRateLimited = errors.New("resilience: admission rejected, too many requests")

// Admission limits concurrent calls to a fixed number of permits with a
// bounded queue of waiters. Calls beyond the queue are rejected immediately.
type Admission struct {
	sem        *semaphore.Weighted
	queueLimit int64
	queued     atomic.Int64
	inFlight   atomic.Int64
}

// NewAdmission returns nil when permitLimit is zero, which admits everything.
func NewAdmission(permitLimit, queueLimit int) *Admission {
	if permitLimit <= 0 {
		return nil
	}
	return &Admission{
		sem:        semaphore.NewWeighted(int64(permitLimit)),
		queueLimit: int64(queueLimit),
	}
}

// Acquire takes a permit, waiting in the queue if there is room. The returned
// release func must be called exactly once.
func (a *Admission) Acquire(ctx context.Context) (func(), error) {
	if a == nil {
		return func() {}, nil
	}

	if !a.sem.TryAcquire(1) {
		if a.queued.Add(1) > a.queueLimit {
			a.queued.Add(-1)
			return nil, ErrRateLimited
		}
		err := a.sem.Acquire(ctx, 1)
		a.queued.Add(-1)
		if err != nil {
			return nil, err
		}
	}

	a.inFlight.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			a.inFlight.Add(-1)
			a.sem.Release(1)
		}
	}, nil
}

// InFlight reports the number of held permits.
func (a *Admission) InFlight() int64 {
	if a == nil {
		return 0
	}
	return a.inFlight.Load()
}

// Queued reports the number of callers waiting for a permit.
func (a *Admission) Queued() int64 {
	if a == nil {
		return 0
	}
	return a.queued.Load()
}
