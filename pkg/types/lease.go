package types

import (
	"strings"
	"time"
)

// a lease is a time-bound ownership claim over a named resource
// one record per name, owner names the single current holder
// expiry is enforced by the store, not by the client
type Lease struct {
	Name      string        `json:"name"`
	Owner     string        `json:"owner"`
	TTL       time.Duration `json:"ttl"`
	ExpiresAt time.Time     `json:"expires_at"` //zero if the backend cannot report it
}

// checks if the lease has expired at the given instant
func (l *Lease) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// time left before expiry, zero once expired
func (l *Lease) Remaining(now time.Time) time.Duration {
	if l.ExpiresAt.IsZero() || l.IsExpired(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	return nil
}

func ValidateOwner(owner string) error {
	if owner == "" {
		return ErrInvalidOwner
	}
	return nil
}

func ValidateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
