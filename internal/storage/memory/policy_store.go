package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jerry-f/webweaver/internal/policy/breaker"
	"github.com/jerry-f/webweaver/internal/policy/ratelimit"
)

// PolicyStore keeps per-domain rate-limit policies in memory. The wildcard
// policy is seeded at construction and protected from deletion.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]ratelimit.Policy
}

func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: map[string]ratelimit.Policy{
		ratelimit.Wildcard: ratelimit.DefaultWildcard(),
	}}
}

func (s *PolicyStore) EnsureWildcard(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[ratelimit.Wildcard]; !ok {
		s.policies[ratelimit.Wildcard] = ratelimit.DefaultWildcard()
	}
	return nil
}

// List returns every policy, wildcard first then by domain.
func (s *PolicyStore) List(_ context.Context) ([]ratelimit.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ratelimit.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Domain == ratelimit.Wildcard) != (out[j].Domain == ratelimit.Wildcard) {
			return out[i].Domain == ratelimit.Wildcard
		}
		return out[i].Domain < out[j].Domain
	})
	return out, nil
}

func (s *PolicyStore) Get(_ context.Context, domain string) (ratelimit.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[domain]
	if !ok {
		return ratelimit.Policy{}, ratelimit.ErrPolicyNotFound
	}
	return p, nil
}

func (s *PolicyStore) Upsert(_ context.Context, p ratelimit.Policy) error {
	if p.Domain == "" {
		return fmt.Errorf("policy domain is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.Domain] = p
	return nil
}

func (s *PolicyStore) Delete(_ context.Context, domain string) error {
	if domain == ratelimit.Wildcard {
		return ratelimit.ErrWildcardProtected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[domain]; !ok {
		return ratelimit.ErrPolicyNotFound
	}
	delete(s.policies, domain)
	return nil
}

// BreakerPolicyStore holds the single global breaker policy in memory.
type BreakerPolicyStore struct {
	mu     sync.RWMutex
	policy breaker.Policy
	set    bool
}

func NewBreakerPolicyStore() *BreakerPolicyStore {
	return &BreakerPolicyStore{}
}

// Load returns the saved policy, or defaults when nothing has been saved.
func (s *BreakerPolicyStore) Load(_ context.Context) (breaker.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return breaker.DefaultPolicy(), nil
	}
	return s.policy, nil
}

func (s *BreakerPolicyStore) Save(_ context.Context, p breaker.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
	s.set = true
	return nil
}
