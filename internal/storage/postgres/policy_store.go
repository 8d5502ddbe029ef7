package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jerry-f/webweaver/internal/policy/breaker"
	"github.com/jerry-f/webweaver/internal/policy/ratelimit"
)

// ErrPolicyNotFound signals that no policy exists for the domain.
var ErrPolicyNotFound = ratelimit.ErrPolicyNotFound

// PolicyStore persists per-domain rate-limit policies. The wildcard row is
// seeded on startup and protected from deletion.
type PolicyStore struct {
	db DB
}

func NewPolicyStore(db DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// EnsureWildcard seeds the wildcard policy row when missing.
func (s *PolicyStore) EnsureWildcard(ctx context.Context) error {
	def := ratelimit.DefaultWildcard()
	query := `
		INSERT INTO domain_policies (domain, max_concurrent, requests_per_second, description, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (domain) DO NOTHING;`
	_, err := s.db.Exec(ctx, query,
		def.Domain, def.MaxConcurrent, def.RequestsPerSecond, def.Description, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("seed wildcard policy: %w", err)
	}
	return nil
}

// List returns every domain policy, wildcard first.
func (s *PolicyStore) List(ctx context.Context) ([]ratelimit.Policy, error) {
	query := `
		SELECT domain, max_concurrent, requests_per_second, description
		FROM domain_policies
		ORDER BY (domain <> '*'), domain;`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list domain policies: %w", err)
	}
	defer rows.Close()

	var policies []ratelimit.Policy
	for rows.Next() {
		var p ratelimit.Policy
		if err := rows.Scan(&p.Domain, &p.MaxConcurrent, &p.RequestsPerSecond, &p.Description); err != nil {
			return nil, fmt.Errorf("scan domain policy: %w", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domain policies: %w", err)
	}
	return policies, nil
}

// Get loads one policy or returns ErrPolicyNotFound.
func (s *PolicyStore) Get(ctx context.Context, domain string) (ratelimit.Policy, error) {
	query := `
		SELECT domain, max_concurrent, requests_per_second, description
		FROM domain_policies WHERE domain = $1;`
	var p ratelimit.Policy
	err := s.db.QueryRow(ctx, query, domain).Scan(
		&p.Domain, &p.MaxConcurrent, &p.RequestsPerSecond, &p.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ratelimit.Policy{}, ErrPolicyNotFound
		}
		return ratelimit.Policy{}, fmt.Errorf("get domain policy: %w", err)
	}
	return p, nil
}

// Upsert writes a policy row, inserting or replacing by domain.
func (s *PolicyStore) Upsert(ctx context.Context, p ratelimit.Policy) error {
	if p.Domain == "" {
		return fmt.Errorf("policy domain is required")
	}
	query := `
		INSERT INTO domain_policies (domain, max_concurrent, requests_per_second, description, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (domain) DO UPDATE SET
			max_concurrent = EXCLUDED.max_concurrent,
			requests_per_second = EXCLUDED.requests_per_second,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at;`
	_, err := s.db.Exec(ctx, query,
		p.Domain, p.MaxConcurrent, p.RequestsPerSecond, p.Description, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert domain policy: %w", err)
	}
	return nil
}

// Delete removes a domain policy. The wildcard row is protected.
func (s *PolicyStore) Delete(ctx context.Context, domain string) error {
	if domain == ratelimit.Wildcard {
		return ratelimit.ErrWildcardProtected
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM domain_policies WHERE domain = $1;`, domain)
	if err != nil {
		return fmt.Errorf("delete domain policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// BreakerPolicyStore persists the single global circuit-breaker policy.
type BreakerPolicyStore struct {
	db DB
}

func NewBreakerPolicyStore(db DB) *BreakerPolicyStore {
	return &BreakerPolicyStore{db: db}
}

// Load reads the breaker policy, falling back to defaults when the row is
// missing.
func (s *BreakerPolicyStore) Load(ctx context.Context) (breaker.Policy, error) {
	query := `
		SELECT fail_threshold, open_duration_ms, initial_backoff_ms, max_backoff_ms
		FROM breaker_policy WHERE id = 1;`
	var failThreshold int
	var openMS, initialMS, maxMS int64
	err := s.db.QueryRow(ctx, query).Scan(&failThreshold, &openMS, &initialMS, &maxMS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return breaker.DefaultPolicy(), nil
		}
		return breaker.Policy{}, fmt.Errorf("load breaker policy: %w", err)
	}
	return breaker.Policy{
		FailThreshold:  failThreshold,
		OpenDuration:   time.Duration(openMS) * time.Millisecond,
		InitialBackoff: time.Duration(initialMS) * time.Millisecond,
		MaxBackoff:     time.Duration(maxMS) * time.Millisecond,
	}, nil
}

// Save upserts the breaker policy row.
func (s *BreakerPolicyStore) Save(ctx context.Context, p breaker.Policy) error {
	query := `
		INSERT INTO breaker_policy (id, fail_threshold, open_duration_ms, initial_backoff_ms, max_backoff_ms, updated_at)
		VALUES (1,$1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			fail_threshold = EXCLUDED.fail_threshold,
			open_duration_ms = EXCLUDED.open_duration_ms,
			initial_backoff_ms = EXCLUDED.initial_backoff_ms,
			max_backoff_ms = EXCLUDED.max_backoff_ms,
			updated_at = EXCLUDED.updated_at;`
	_, err := s.db.Exec(ctx, query,
		p.FailThreshold,
		p.OpenDuration.Milliseconds(),
		p.InitialBackoff.Milliseconds(),
		p.MaxBackoff.Milliseconds(),
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save breaker policy: %w", err)
	}
	return nil
}
