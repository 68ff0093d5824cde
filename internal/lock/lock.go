// Package lock provides keyed critical sections. Two callers holding the same key never
// run concurrently; callers with different keys never wait on each other.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrNotAcquired = errors.New("lock not acquired, please retry")

// Locker runs fn while holding key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

func DoctorKey(id int64) string      { return fmt.Sprintf("doctor:%d", id) }
func AppointmentKey(id int64) string { return fmt.Sprintf("appointment:%d", id) }

// Local is an in-process Locker. Waiting honors ctx cancellation.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	s := l.acquireRef(key)
	defer l.releaseRef(key, s)

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", key, errors.Join(ErrNotAcquired, ctx.Err()))
	}
	defer func() { <-s.ch }()

	return fn(ctx)
}

func (l *Local) acquireRef(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) releaseRef(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Held reports how many keys currently have holders or waiters.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
