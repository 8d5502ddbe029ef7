package config

import (
	"sync"
	"sync/atomic"

	"github.com/jerry-f/webweaver/internal/policy/breaker"
	"github.com/jerry-f/webweaver/internal/policy/ratelimit"
)

// Runtime is the policy snapshot that admin writes swap at runtime. It is
// immutable once published; readers always see a consistent set.
type Runtime struct {
	DomainPolicies []ratelimit.Policy
	BreakerPolicy  breaker.Policy
}

// RuntimeStore publishes Runtime snapshots. Readers load the current
// snapshot lock-free; writers swap the whole snapshot and notify
// subscribers. Changes apply on the next admission check, never
// retroactively.
type RuntimeStore struct {
	current atomic.Pointer[Runtime]

	mu   sync.Mutex
	subs []chan Runtime
}

// NewRuntimeStore seeds the store with an initial snapshot.
func NewRuntimeStore(initial Runtime) *RuntimeStore {
	s := &RuntimeStore{}
	s.current.Store(&initial)
	return s
}

// Load returns the current snapshot.
func (s *RuntimeStore) Load() Runtime {
	return *s.current.Load()
}

// Swap publishes a new snapshot and notifies subscribers. Slow subscribers
// miss intermediate snapshots rather than blocking the writer.
func (s *RuntimeStore) Swap(next Runtime) {
	s.current.Store(&next)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- next:
		default:
		}
	}
}

// Subscribe registers for snapshot updates. The returned cancel func must
// be called to release the subscription.
func (s *RuntimeStore) Subscribe() (<-chan Runtime, func()) {
	ch := make(chan Runtime, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}
