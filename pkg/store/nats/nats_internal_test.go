package nats

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyAlphabet(t *testing.T) {
	k := key("orders/eu west:1")
	assert.Regexp(t, `^[A-Za-z0-9_-]+$`, k)

	decoded, err := base64.RawURLEncoding.DecodeString(k)
	assert.NoError(t, err)
	assert.Equal(t, "orders/eu west:1", string(decoded))
}

func TestServerURLs(t *testing.T) {
	assert.Equal(t, "nats://a:4222,tls://b:4222", serverURLs([]string{"a:4222", "tls://b:4222"}))
}
