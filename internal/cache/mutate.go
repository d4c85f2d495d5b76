package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"slabvalue/internal/logger"
	"slabvalue/internal/metrics"
)

// MutationState is the optimistic-write state of one key.
type MutationState int

const (
	Clean MutationState = iota
	OptimisticPending
	Committed
)

func (s MutationState) String() string {
	switch s {
	case Clean:
		return "clean"
	case OptimisticPending:
		return "optimistic_pending"
	case Committed:
		return "committed"
	}
	return "unknown"
}

// MutationEvent drives MutationState transitions.
type MutationEvent int

const (
	MutationStarted MutationEvent = iota
	MutationSucceeded
	MutationFailed
)

func (e MutationEvent) String() string {
	switch e {
	case MutationStarted:
		return "started"
	case MutationSucceeded:
		return "succeeded"
	case MutationFailed:
		return "failed"
	}
	return "unknown"
}

var (
	// ErrMutationInFlight rejects a mutation on a key that already has one pending.
	ErrMutationInFlight = errors.New("cache: mutation already in flight")

	ErrInvalidTransition = errors.New("cache: invalid mutation transition")
)

// Next applies ev to s.
//
//	Clean|Committed  --started-->   OptimisticPending
//	OptimisticPending --succeeded--> Committed
//	OptimisticPending --failed-->    Clean
func (s MutationState) Next(ev MutationEvent) (MutationState, error) {
	switch {
	case ev == MutationStarted && s != OptimisticPending:
		return OptimisticPending, nil
	case ev == MutationSucceeded && s == OptimisticPending:
		return Committed, nil
	case ev == MutationFailed && s == OptimisticPending:
		return Clean, nil
	}
	return s, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev, s)
}

// MutationError reports a write that failed after its optimistic value was
// rolled back.
type MutationError struct {
	Key string
	Err error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("cache: mutation of %s failed: %v", e.Key, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// UserMessage is safe to show to the person who made the change.
func (e *MutationError) UserMessage() string {
	return "Your change could not be saved and has been reverted. Please try again."
}

type mutation struct {
	state    MutationState
	snapshot *entry // nil when no entry existed
}

// pending reports whether key has an optimistic value applied. Caller holds c.mu.
func (c *Cache) pending(key string) bool {
	m, ok := c.mutations[key]
	return ok && m.state == OptimisticPending
}

// MutationState returns the current mutation state of key.
func (c *Cache) MutationState(key string) MutationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.mutations[key]; ok {
		return m.state
	}
	return Clean
}

// Mutate applies optimistic to key, runs write and settles the entry.
//
// Before write runs, any fetch for key is cancelled and the current entry is
// snapshotted. On success the committed value replaces the optimistic one.
// On failure the snapshot is restored verbatim and a *MutationError is
// returned. Either way the entry is then invalidated so the next Read
// refetches the authoritative value.
func Mutate[T any](ctx context.Context, c *Cache, key string, tier Tier, optimistic T, write func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := c.begin(key, tier, optimistic); err != nil {
		metrics.Mutation("rejected")
		return zero, err
	}

	v, err := write(ctx)
	if err != nil {
		c.settle(key, MutationFailed, nil)
		c.Invalidate(ctx, key)
		metrics.Mutation("rolled_back")
		logger.Warn("Cache", "Mutation rolled back", zap.String("key", key), zap.Error(err))
		return zero, &MutationError{Key: key, Err: err}
	}

	c.settle(key, MutationSucceeded, &entry{data: v, tier: tier})
	c.Invalidate(ctx, key)
	metrics.Mutation("committed")
	return v, nil
}

func (c *Cache) begin(key string, tier Tier, optimistic any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.mutations[key]
	if !ok {
		m = &mutation{}
		c.mutations[key] = m
	}
	next, err := m.state.Next(MutationStarted)
	if err != nil {
		return ErrMutationInFlight
	}

	c.supersede(key)

	m.snapshot = nil
	if e, ok := c.entries[key]; ok {
		cp := *e
		m.snapshot = &cp
	}
	now := c.now()
	c.entries[key] = &entry{data: optimistic, fetchedAt: now, lastUsed: now, tier: tier}
	m.state = next
	return nil
}

// settle finishes a pending mutation. On success committed replaces the
// entry; on failure the snapshot is restored.
func (c *Cache) settle(key string, ev MutationEvent, committed *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.mutations[key]
	if !ok {
		return
	}
	next, err := m.state.Next(ev)
	if err != nil {
		logger.Error("Cache", "Mutation settle out of order", zap.String("key", key), zap.Error(err))
		return
	}

	switch ev {
	case MutationFailed:
		if m.snapshot != nil {
			restored := *m.snapshot
			c.entries[key] = &restored
		} else {
			delete(c.entries, key)
		}
	case MutationSucceeded:
		now := c.now()
		committed.fetchedAt = now
		committed.lastUsed = now
		c.entries[key] = committed
	}
	m.snapshot = nil
	m.state = next
}
