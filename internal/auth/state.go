package auth

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// stateCache remembers issued login states and their nonces until they are
// used once or expire.
type stateCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]stateEntry
}

type stateEntry struct {
	nonce   string
	expires time.Time
}

func newStateCache(ttl time.Duration) *stateCache {
	return &stateCache{ttl: ttl, now: time.Now, entries: map[string]stateEntry{}}
}

func (s *stateCache) issue() (state, nonce string, err error) {
	if state, err = randomString(); err != nil {
		return "", "", err
	}
	if nonce, err = randomString(); err != nil {
		return "", "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.entries {
		if now.After(e.expires) {
			delete(s.entries, k)
		}
	}
	s.entries[state] = stateEntry{nonce: nonce, expires: now.Add(s.ttl)}
	return state, nonce, nil
}

// take removes state and returns its nonce if it was issued and is still
// live.
func (s *stateCache) take(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[state]
	if !ok {
		return "", false
	}
	delete(s.entries, state)
	if s.now().After(e.expires) {
		return "", false
	}
	return e.nonce, true
}

func randomString() (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}
