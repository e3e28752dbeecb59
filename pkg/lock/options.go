package lock

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/pixperk/leaselock/pkg/lock"

type options struct {
	logger         hclog.Logger
	tracerProvider trace.TracerProvider
	owner          string
	ttl            time.Duration
}

func defaultOptions() options {
	return options{
		logger:         hclog.NewNullLogger(),
		tracerProvider: otel.GetTracerProvider(),
		ttl:            DefaultTTL,
	}
}

// Option configures a Factory.
type Option func(*options)

func WithLogger(logger hclog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// replaces the generated random owner identity
func WithDefaultOwner(owner string) Option {
	return func(o *options) { o.owner = owner }
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// LockOption overrides factory defaults for one handle.
type LockOption func(*Lock)

func WithOwner(owner string) LockOption {
	return func(l *Lock) { l.owner = owner }
}

func WithTTL(ttl time.Duration) LockOption {
	return func(l *Lock) { l.ttl = ttl }
}
