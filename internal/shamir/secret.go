package shamir

import (
	"errors"
	"sync"
	"time"
)

// ErrSecretDestroyed is returned when reading a secret that has been wiped.
var ErrSecretDestroyed = errors.New("secret destroyed")

// Secret holds reconstructed key material in memory only. It is wiped by Destroy, or
// automatically once the expiry set with ExpireAfter elapses, whichever comes first.
type Secret struct {
	mu        sync.Mutex
	b         []byte
	expiresAt time.Time
	timer     *time.Timer
}

// NewSecret takes ownership of b.
func NewSecret(b []byte) *Secret {
	return &Secret{b: b}
}

// ExpireAfter schedules the secret to be wiped after d.
func (s *Secret) ExpireAfter(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.b == nil {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.expiresAt = time.Now().Add(d)
	s.timer = time.AfterFunc(d, s.Destroy)
}

// ExpiresAt returns the scheduled wipe time, zero if none was set.
func (s *Secret) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// Use calls fn with the secret bytes. fn must not retain the slice.
func (s *Secret) Use(fn func([]byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.b == nil {
		return ErrSecretDestroyed
	}
	return fn(s.b)
}

// Copy returns a copy of the secret the caller becomes responsible for wiping.
func (s *Secret) Copy() ([]byte, error) {
	var out []byte
	err := s.Use(func(b []byte) error {
		out = append([]byte(nil), b...)
		return nil
	})
	return out, err
}

// Destroyed reports whether the secret has been wiped.
func (s *Secret) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b == nil
}

// Destroy wipes the secret. It is safe to call more than once.
func (s *Secret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
