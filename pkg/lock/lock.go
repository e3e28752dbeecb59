package lock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/leaselock/pkg/metrics"
	"github.com/pixperk/leaselock/pkg/store"
	"github.com/pixperk/leaselock/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the local view of a handle's lease.
type State int32

const (
	StateUnacquired State = iota
	StateHeld
	StateReleased
	StateLost
)

func (s State) String() string {
	switch s {
	case StateUnacquired:
		return "unacquired"
	case StateHeld:
		return "held"
	case StateReleased:
		return "released"
	case StateLost:
		return "lost"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Lock is a handle on one named lease. Name, owner and ttl never change after
// construction. Ownership is decided by the store comparing owner strings, so
// handles sharing an owner are the same holder.
type Lock struct {
	name  string
	owner string
	ttl   time.Duration

	ops    store.LeaseStore
	logger hclog.Logger
	tracer trace.Tracer

	state atomic.Int32
}

func (l *Lock) Name() string       { return l.name }
func (l *Lock) Owner() string      { return l.owner }
func (l *Lock) TTL() time.Duration { return l.ttl }

func (l *Lock) State() State {
	return State(l.state.Load())
}

// moves to next, keeping the held gauge in step; the gauge counts handles
func (l *Lock) setState(next State) {
	prev := State(l.state.Swap(int32(next)))
	switch {
	case prev != StateHeld && next == StateHeld:
		metrics.LocksHeld.Inc()
	case prev == StateHeld && next != StateHeld:
		metrics.LocksHeld.Dec()
	}
}

func (l *Lock) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("leaselock.name", l.name),
		attribute.String("leaselock.owner", l.owner),
		attribute.Int64("leaselock.ttl_ms", l.ttl.Milliseconds()),
	))
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TryLock tries to take the lease once. Contention is reported as false with a
// nil error; only store failures return an error. A row already owned by this
// handle's owner counts as acquired.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	ctx, span := l.startSpan(ctx, "Lock.TryLock")
	defer span.End()

	timer := prometheus.NewTimer(metrics.StoreOpDuration.WithLabelValues("acquire"))
	applied, current, err := l.ops.Acquire(ctx, l.name, l.owner, l.ttl)
	timer.ObserveDuration()
	if err != nil {
		metrics.LockAcquireTotal.WithLabelValues(metrics.StatusError).Inc()
		failSpan(span, err)
		return false, fmt.Errorf("try lock %q: %w", l.name, err)
	}

	if !applied {
		//backend did not hand back the conflicting row, read it
		if current == nil {
			current, err = l.inspect(ctx)
			if err != nil {
				metrics.LockAcquireTotal.WithLabelValues(metrics.StatusError).Inc()
				failSpan(span, err)
				return false, fmt.Errorf("try lock %q: %w", l.name, err)
			}
		}

		if current == nil || current.Owner != l.owner {
			l.setState(StateUnacquired)
			metrics.LockAcquireTotal.WithLabelValues(metrics.StatusContended).Inc()
			span.SetAttributes(attribute.Bool("leaselock.acquired", false))
			if current != nil {
				l.logger.Trace("lease held by another owner", "holder", current.Owner)
			}
			return false, nil
		}
		l.logger.Trace("lease already held by this owner")
	}

	l.setState(StateHeld)
	metrics.LockAcquireTotal.WithLabelValues(metrics.StatusAcquired).Inc()
	span.SetAttributes(attribute.Bool("leaselock.acquired", true))
	l.logger.Debug("lease acquired", "ttl", l.ttl)
	return true, nil
}

// nil lease means no live record
func (l *Lock) inspect(ctx context.Context) (*types.Lease, error) {
	timer := prometheus.NewTimer(metrics.StoreOpDuration.WithLabelValues("inspect"))
	defer timer.ObserveDuration()

	lease, found, err := l.ops.Inspect(ctx, l.name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return lease, nil
}

// Unlock deletes the lease if this owner still holds it. When the stored owner
// no longer matches, because the lease expired or was taken over, it returns a
// *types.LeaseLostError and the handle moves to StateLost.
func (l *Lock) Unlock(ctx context.Context) error {
	ctx, span := l.startSpan(ctx, "Lock.Unlock")
	defer span.End()

	timer := prometheus.NewTimer(metrics.StoreOpDuration.WithLabelValues("release"))
	applied, err := l.ops.Release(ctx, l.name, l.owner)
	timer.ObserveDuration()
	if err != nil {
		metrics.LockReleaseTotal.WithLabelValues(metrics.StatusError).Inc()
		failSpan(span, err)
		return fmt.Errorf("unlock %q: %w", l.name, err)
	}

	if !applied {
		return l.lost(span, "unlock", metrics.LockReleaseTotal)
	}

	l.setState(StateReleased)
	metrics.LockReleaseTotal.WithLabelValues(metrics.StatusReleased).Inc()
	l.logger.Debug("lease released")
	return nil
}

// KeepAlive restarts the ttl window if this owner still holds the lease. The
// caller must invoke it more often than once per ttl, ttl/3 is a good cadence.
// A failed renewal returns a *types.LeaseLostError and the handle moves to StateLost.
func (l *Lock) KeepAlive(ctx context.Context) error {
	ctx, span := l.startSpan(ctx, "Lock.KeepAlive")
	defer span.End()

	timer := prometheus.NewTimer(metrics.StoreOpDuration.WithLabelValues("renew"))
	applied, err := l.ops.Renew(ctx, l.name, l.owner, l.ttl)
	timer.ObserveDuration()
	if err != nil {
		metrics.KeepAliveTotal.WithLabelValues(metrics.StatusError).Inc()
		failSpan(span, err)
		return fmt.Errorf("keepalive %q: %w", l.name, err)
	}

	if !applied {
		return l.lost(span, "keepalive", metrics.KeepAliveTotal)
	}

	metrics.KeepAliveTotal.WithLabelValues(metrics.StatusRenewed).Inc()
	l.logger.Trace("lease renewed")
	return nil
}

func (l *Lock) lost(span trace.Span, op string, counter *prometheus.CounterVec) error {
	l.setState(StateLost)
	counter.WithLabelValues(metrics.StatusLost).Inc()

	err := &types.LeaseLostError{Op: op, Name: l.name, Owner: l.owner}
	failSpan(span, err)
	l.logger.Warn("lease lost", "op", op)
	return err
}
