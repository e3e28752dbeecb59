package mysql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMicrosRoundsUp(t *testing.T) {
	assert.Equal(t, int64(1_000_000), micros(time.Second))
	assert.Equal(t, int64(1), micros(time.Nanosecond))
	assert.Equal(t, int64(2), micros(1500*time.Nanosecond))
	assert.Equal(t, int64(1500), micros(1500*time.Microsecond))
}
