// Package breaker implements a per-domain circuit breaker guarding outbound
// fetches. Each domain owns an independent state machine; state is sharded by
// domain so unrelated domains never contend on one lock.
package breaker

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jerry-f/webweaver/internal/clock"
	"github.com/jerry-f/webweaver/internal/telemetry"
)

// ErrCircuitOpen reports that a domain is currently breaker-tripped and no
// request may be attempted against it.
var ErrCircuitOpen = errors.New("circuit open")

// State identifies a circuit's position in the closed→open→half-open machine.
type State string

// Circuit states. Transitions only move closed→open→half-open→{closed|open}.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Policy is the global transition policy, applied to every domain. It is
// swapped atomically by SetPolicy and read on every transition going forward.
type Policy struct {
	FailThreshold  int           `json:"fail_threshold"`
	OpenDuration   time.Duration `json:"open_duration"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// DefaultPolicy matches the shipped configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		FailThreshold:  5,
		OpenDuration:   60 * time.Second,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     30 * time.Minute,
	}
}

func (p Policy) normalized() Policy {
	if p.FailThreshold <= 0 {
		p.FailThreshold = 5
	}
	if p.OpenDuration <= 0 {
		p.OpenDuration = 60 * time.Second
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 30 * time.Second
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// Snapshot is a read-only view of one domain circuit for admin views.
type Snapshot struct {
	Domain       string    `json:"domain"`
	State        State     `json:"state"`
	Failures     int       `json:"consecutive_failures"`
	OpenedAt     time.Time `json:"opened_at,omitzero"`
	LastFailure  time.Time `json:"last_failure,omitzero"`
	OpenInterval string    `json:"open_interval,omitempty"`
}

const shardCount = 16

// Breaker tracks circuit state for every domain seen failing.
type Breaker struct {
	policy atomic.Pointer[Policy]
	shards [shardCount]shard
	clock  clock.Clock
	logger *zap.Logger
}

type shard struct {
	mu      sync.Mutex
	domains map[string]*circuit
}

// circuit is the per-domain state. Created lazily on first failure; all
// access goes through its own mutex.
type circuit struct {
	mu               sync.Mutex
	state            State
	failures         int
	openedAt         time.Time
	lastFailure      time.Time
	openInterval     time.Duration
	consecutiveOpens int
	probeInFlight    bool
	probeSeq         uint64
}

// New builds a Breaker with the given policy and clock.
func New(policy Policy, clk clock.Clock, logger *zap.Logger) *Breaker {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{clock: clk, logger: logger}
	b.SetPolicy(policy)
	for i := range b.shards {
		b.shards[i].domains = make(map[string]*circuit)
	}
	return b
}

// SetPolicy swaps the global policy. Existing circuit state is retained;
// the new thresholds apply to all transitions from now on.
func (b *Breaker) SetPolicy(policy Policy) {
	p := policy.normalized()
	b.policy.Store(&p)
}

// PolicyValue returns the current policy.
func (b *Breaker) PolicyValue() Policy {
	return *b.policy.Load()
}

// Allow reports whether a request against the domain may proceed. An open
// circuit whose window has elapsed transitions to half-open and admits
// exactly one probe; any concurrent probe request is rejected until the
// outstanding probe resolves.
//
// The returned release function must be called once the admitted request is
// done. It frees the probe slot when the request never reached the point of
// reporting an outcome (admission rejected downstream, request abandoned);
// after ReportSuccess or ReportFailure it is a no-op.
func (b *Breaker) Allow(domain string) (func(), error) {
	noop := func() {}
	c := b.lookup(domain)
	if c == nil {
		return noop, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return noop, nil
	case StateOpen:
		if b.clock.Now().Sub(c.openedAt) < c.openInterval {
			telemetry.CountBreakerReject()
			return noop, ErrCircuitOpen
		}
		c.state = StateHalfOpen
		telemetry.CountBreakerTransition(string(StateHalfOpen))
		b.logger.Info("circuit half-open, admitting probe", zap.String("domain", domain))
		return c.admitProbeLocked(), nil
	case StateHalfOpen:
		if c.probeInFlight {
			telemetry.CountBreakerReject()
			return noop, ErrCircuitOpen
		}
		return c.admitProbeLocked(), nil
	}
	return noop, nil
}

// admitProbeLocked marks the probe slot taken and returns its release. The
// sequence number keeps a stale release from freeing a later probe's slot.
func (c *circuit) admitProbeLocked() func() {
	c.probeInFlight = true
	c.probeSeq++
	seq := c.probeSeq
	return func() {
		c.mu.Lock()
		if c.state == StateHalfOpen && c.probeInFlight && c.probeSeq == seq {
			c.probeInFlight = false
		}
		c.mu.Unlock()
	}
}

// ReportSuccess records a successful attempt. Any success while closed or
// half-open resets the circuit to closed with a zero failure count.
func (b *Breaker) ReportSuccess(domain string) {
	c := b.lookup(domain)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		c.failures = 0
	case StateHalfOpen:
		c.state = StateClosed
		c.failures = 0
		c.consecutiveOpens = 0
		c.probeInFlight = false
		telemetry.CountBreakerTransition(string(StateClosed))
		b.logger.Info("circuit closed after successful probe", zap.String("domain", domain))
	case StateOpen:
		// A request admitted before the trip finished late; the open window
		// stands until a half-open probe succeeds.
	}
}

// ReportFailure records a failed attempt, creating the circuit lazily. The
// transition to open happens at exactly FailThreshold consecutive failures;
// a half-open probe failure re-opens with exponential backoff added to the
// next open window.
func (b *Breaker) ReportFailure(domain string) {
	pol := b.PolicyValue()
	c := b.get(domain)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.clock.Now()
	c.lastFailure = now

	switch c.state {
	case StateClosed:
		c.failures++
		if c.failures >= pol.FailThreshold {
			c.state = StateOpen
			c.openedAt = now
			c.openInterval = pol.OpenDuration
			c.consecutiveOpens = 0
			telemetry.CountBreakerTransition(string(StateOpen))
			b.logger.Warn("circuit opened",
				zap.String("domain", domain),
				zap.Int("failures", c.failures),
				zap.Duration("open_interval", c.openInterval),
			)
		}
	case StateHalfOpen:
		c.consecutiveOpens++
		backoff := pol.InitialBackoff << uint(c.consecutiveOpens-1)
		if backoff > pol.MaxBackoff || backoff <= 0 {
			backoff = pol.MaxBackoff
		}
		c.state = StateOpen
		c.openedAt = now
		c.openInterval = pol.OpenDuration + backoff
		c.probeInFlight = false
		telemetry.CountBreakerTransition(string(StateOpen))
		b.logger.Warn("probe failed, circuit re-opened",
			zap.String("domain", domain),
			zap.Int("consecutive_opens", c.consecutiveOpens),
			zap.Duration("open_interval", c.openInterval),
		)
	case StateOpen:
		// Late failure from a request admitted before the trip.
	}
}

// StateOf returns the current state for a domain; unknown domains are closed.
func (b *Breaker) StateOf(domain string) State {
	c := b.lookup(domain)
	if c == nil {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshots lists every tracked circuit, for the admin API.
func (b *Breaker) Snapshots() []Snapshot {
	var out []Snapshot
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for domain, c := range s.domains {
			c.mu.Lock()
			out = append(out, Snapshot{
				Domain:       domain,
				State:        c.state,
				Failures:     c.failures,
				OpenedAt:     c.openedAt,
				LastFailure:  c.lastFailure,
				OpenInterval: c.openInterval.String(),
			})
			c.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return out
}

func (b *Breaker) shardFor(domain string) *shard {
	h := fnv.New32a()
	h.Write([]byte(domain)) //nolint:errcheck // fnv never fails
	return &b.shards[h.Sum32()%shardCount]
}

func (b *Breaker) lookup(domain string) *circuit {
	s := b.shardFor(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domains[domain]
}

func (b *Breaker) get(domain string) *circuit {
	s := b.shardFor(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.domains[domain]
	if !ok {
		c = &circuit{state: StateClosed}
		s.domains[domain] = c
	}
	return c
}
