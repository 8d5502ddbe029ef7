// Package ratelimit implements per-domain admission control: a token bucket
// bounding request rate plus a concurrency cap, both driven by runtime-editable
// domain policies.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jerry-f/webweaver/internal/telemetry"
)

// Wildcard is the fallback policy key. A policy for it always exists.
const Wildcard = "*"

// ErrRateLimited reports that admission was denied because the caller's
// deadline elapsed before a token and a concurrency slot were both available.
var ErrRateLimited = errors.New("rate limited")

// ErrWildcardProtected reports an attempt to delete the wildcard policy.
var ErrWildcardProtected = errors.New("wildcard policy cannot be deleted")

// ErrPolicyNotFound signals that no policy exists for the domain.
var ErrPolicyNotFound = errors.New("domain policy not found")

// Policy bounds outbound traffic for one domain. The Wildcard entry applies
// to every domain without an exact (or www-stripped) match.
type Policy struct {
	Domain            string  `json:"domain"`
	MaxConcurrent     int     `json:"max_concurrent"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Description       string  `json:"description,omitempty"`
}

// DefaultWildcard is installed when no wildcard policy is configured.
func DefaultWildcard() Policy {
	return Policy{
		Domain:            Wildcard,
		MaxConcurrent:     3,
		RequestsPerSecond: 1,
		Description:       "default policy for unlisted domains",
	}
}

// Limiter grants admissions per domain. Policies are swapped atomically by
// Update; changes apply on the next admission check, never to admissions
// already granted or in progress.
type Limiter struct {
	mu       sync.Mutex
	policies map[string]Policy
	domains  map[string]*domainState
}

// domainState carries the live bucket and slot channel for one domain. The
// slot channel is replaced when MaxConcurrent changes; releases drain the
// channel they were acquired from, so in-flight requests are unaffected.
type domainState struct {
	bucket *rate.Limiter
	slots  chan struct{}
	rps    float64
	max    int
}

// New builds a Limiter from the initial policy set. A wildcard entry is
// installed if the set does not contain one.
func New(policies []Policy) *Limiter {
	l := &Limiter{
		policies: make(map[string]Policy),
		domains:  make(map[string]*domainState),
	}
	l.Update(policies)
	return l
}

// Update replaces the policy set. The wildcard entry cannot be removed: if the
// new set lacks one, the previous wildcard (or the default) is retained.
func (l *Limiter) Update(policies []Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()

	wildcard, ok := l.policies[Wildcard]
	if !ok {
		wildcard = DefaultWildcard()
	}
	next := make(map[string]Policy, len(policies)+1)
	for _, p := range policies {
		if p.Domain == "" {
			continue
		}
		next[p.Domain] = p
	}
	if _, ok := next[Wildcard]; !ok {
		next[Wildcard] = wildcard
	}
	l.policies = next
}

// Lookup resolves the policy for a domain: exact match, then the domain with
// a leading "www." stripped, then the wildcard.
func (l *Limiter) Lookup(domain string) Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookupLocked(domain)
}

func (l *Limiter) lookupLocked(domain string) Policy {
	if p, ok := l.policies[domain]; ok {
		return p
	}
	if stripped := strings.TrimPrefix(domain, "www."); stripped != domain {
		if p, ok := l.policies[stripped]; ok {
			return p
		}
	}
	return l.policies[Wildcard]
}

// Admit blocks until a token and a concurrency slot are available for the
// domain, or until ctx expires, in which case it returns ErrRateLimited. On
// success the returned release function must be called when the request
// finishes; calling it more than once is safe and releases only once.
func (l *Limiter) Admit(ctx context.Context, domain string) (func(), error) {
	slots, bucket := l.state(domain)

	start := time.Now()
	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		telemetry.CountRateLimitReject()
		return nil, fmt.Errorf("concurrency slot wait for %s: %w", domain, ErrRateLimited)
	}

	if err := bucket.Wait(ctx); err != nil {
		<-slots
		telemetry.CountRateLimitReject()
		return nil, fmt.Errorf("token wait for %s: %w", domain, ErrRateLimited)
	}
	telemetry.ObserveRateLimitWait(time.Since(start))

	var once sync.Once
	release := func() {
		once.Do(func() { <-slots })
	}
	return release, nil
}

// InFlight reports the number of currently held slots for a domain. Intended
// for admin views and tests.
func (l *Limiter) InFlight(domain string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.domains[domain]
	if !ok {
		return 0
	}
	return len(st.slots)
}

// state returns the live slot channel and bucket for a domain, creating or
// retuning the underlying state so that it matches the current policy. Both
// are captured under the lock: a concurrent retune replaces the slot channel,
// so callers must never re-read it from the shared struct. Burst capacity is
// one second of tokens.
func (l *Limiter) state(domain string) (chan struct{}, *rate.Limiter) {
	pol := normalize(l.Lookup(domain))

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.domains[domain]
	if !ok {
		st = &domainState{
			bucket: rate.NewLimiter(rate.Limit(pol.RequestsPerSecond), burstFor(pol.RequestsPerSecond)),
			slots:  make(chan struct{}, pol.MaxConcurrent),
			rps:    pol.RequestsPerSecond,
			max:    pol.MaxConcurrent,
		}
		l.domains[domain] = st
		return st.slots, st.bucket
	}
	if st.rps != pol.RequestsPerSecond {
		st.bucket.SetLimit(rate.Limit(pol.RequestsPerSecond))
		st.bucket.SetBurst(burstFor(pol.RequestsPerSecond))
		st.rps = pol.RequestsPerSecond
	}
	if st.max != pol.MaxConcurrent {
		// In-flight requests keep their slot in the old channel; only new
		// admissions see the new cap.
		st.slots = make(chan struct{}, pol.MaxConcurrent)
		st.max = pol.MaxConcurrent
	}
	return st.slots, st.bucket
}

func normalize(p Policy) Policy {
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 1
	}
	if p.RequestsPerSecond <= 0 {
		p.RequestsPerSecond = 1
	}
	return p
}

func burstFor(rps float64) int {
	b := int(rps)
	if b < 1 {
		b = 1
	}
	return b
}
