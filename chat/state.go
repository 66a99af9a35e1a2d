package chat

import (
	"context"
	"sync"
)

// View is a read-only live value: the current snapshot plus notification of
// every later change.
type View[T any] interface {
	// Load returns the current value.
	Load() T
	// Next returns the current value and a channel closed on the next change.
	Next() (T, <-chan struct{})
	// Watch delivers the current value and then each change until ctx is done.
	// Intermediate values may be skipped when the receiver falls behind.
	Watch(ctx context.Context) <-chan T
}

type state[T any] struct {
	mu      sync.RWMutex
	val     T
	changed chan struct{}
}

func newState[T any](v T) *state[T] {
	return &state[T]{val: v, changed: make(chan struct{})}
}

func (s *state[T]) Load() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.val
}

func (s *state[T]) Next() (T, <-chan struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.val, s.changed
}

func (s *state[T]) Watch(ctx context.Context) <-chan T {
	out := make(chan T, 1)
	go func() {
		defer close(out)
		for {
			v, changed := s.Next()
			select {
			case <-out:
			default:
			}
			out <- v
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *state[T]) set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.val = v
	close(s.changed)
	s.changed = make(chan struct{})
}
