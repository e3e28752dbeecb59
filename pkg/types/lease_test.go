package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLeaseExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	lease := &Lease{Name: "r", Owner: "a", TTL: time.Second, ExpiresAt: now.Add(time.Second)}

	assert.False(t, lease.IsExpired(now))
	assert.Equal(t, time.Second, lease.Remaining(now))

	//expiry instant itself counts as expired
	assert.True(t, lease.IsExpired(now.Add(time.Second)))
	assert.Zero(t, lease.Remaining(now.Add(2*time.Second)))
}

func TestLeaseLostErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &LeaseLostError{Op: "unlock", Name: "r", Owner: "a"})

	assert.True(t, errors.Is(err, ErrLeaseLost))

	var lost *LeaseLostError
	assert.True(t, errors.As(err, &lost))
	assert.Equal(t, "unlock", lost.Op)
	assert.Contains(t, err.Error(), `unlock "r"`)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, ValidateName("  "), ErrInvalidName)
	assert.NoError(t, ValidateName("orders"))
	assert.ErrorIs(t, ValidateOwner(""), ErrInvalidOwner)
	assert.ErrorIs(t, ValidateTTL(0), ErrInvalidTTL)
	assert.ErrorIs(t, ValidateTTL(-time.Second), ErrInvalidTTL)
	assert.NoError(t, ValidateTTL(time.Millisecond))
}
