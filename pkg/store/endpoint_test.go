package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoints(t *testing.T) {
	endpoints, err := ParseEndpoints("10.0.0.1, cass-2:9142,::1,[fe80::1]:7000", 9042)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"10.0.0.1:9042",
		"cass-2:9142",
		"[::1]:9042",
		"[fe80::1]:7000",
	}, endpoints)
}

func TestParseEndpointsErrors(t *testing.T) {
	_, err := ParseEndpoints("", 9042)
	assert.Error(t, err)

	_, err = ParseEndpoints(" , ", 9042)
	assert.Error(t, err)

	_, err = ParseEndpoints("host:notaport", 9042)
	assert.Error(t, err)

	_, err = ParseEndpoints("host:70000", 9042)
	assert.Error(t, err)

	_, err = ParseEndpoints(":9042", 9042)
	assert.Error(t, err)
}
