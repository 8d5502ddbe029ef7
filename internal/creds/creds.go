// Package creds supplies login cookies for gated domains. Credential
// lifecycle (login flows, refresh) is managed elsewhere; this package only
// serves lookups for the outbound fetch path.
package creds

import (
	"context"
	"strings"
	"sync"
)

// Store resolves the stored cookie for a domain. The bool reports whether a
// credential exists; fetches proceed without one.
type Store interface {
	CookieForDomain(ctx context.Context, domain string) (string, bool, error)
}

// MemoryStore is a concurrency-safe in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	cookies map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cookies: make(map[string]string)}
}

// Set stores the cookie for a domain; an empty cookie removes it.
func (s *MemoryStore) Set(domain, cookie string) {
	key := normalize(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cookie == "" {
		delete(s.cookies, key)
		return
	}
	s.cookies[key] = cookie
}

func (s *MemoryStore) CookieForDomain(_ context.Context, domain string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cookie, ok := s.cookies[normalize(domain)]
	return cookie, ok, nil
}

func normalize(domain string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "www.")
}
