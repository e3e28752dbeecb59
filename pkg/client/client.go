// Package client reaches a leaselock server cluster over grpc and exposes it
// as a store.Backend.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/leaselock/pkg/store"
	"github.com/pixperk/leaselock/pkg/types"
	"github.com/pixperk/leaselock/pkg/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	DefaultPort    = 9000
	DefaultTimeout = 5 * time.Second
)

type Config struct {
	Endpoints []string //grpc targets, host:port or any grpc target uri
	Namespace string   //must match the server's namespace, unchecked when empty
	Timeout   time.Duration

	// extra dial options, appended after the defaults
	DialOptions []grpc.DialOption
	Logger      hclog.Logger
}

type endpoint struct {
	target string
	conn   *grpc.ClientConn
}

type Client struct {
	endpoints []endpoint
	cfg       Config
	logger    hclog.Logger

	mu     sync.Mutex
	leader *grpc.ClientConn //nil until discovered, reset on not leader
}

var _ store.Backend = (*Client)(nil)
var _ store.LeaseStore = (*Client)(nil)

// Dial connects to every endpoint and finds the leader. An unreachable cluster
// or one serving another namespace fails immediately.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: no endpoints", types.ErrStoreUnavailable)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.Codec{})),
	}
	opts = append(opts, cfg.DialOptions...)

	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger.Named("client"),
	}

	for _, target := range cfg.Endpoints {
		conn, err := grpc.NewClient(target, opts...)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("%w: failed to connect to %s: %v", types.ErrStoreUnavailable, target, err)
		}
		c.endpoints = append(c.endpoints, endpoint{target: target, conn: conn})
	}

	if _, err := c.discover(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// asks every endpoint for its status and keeps the leader
func (c *Client) discover(ctx context.Context) (*grpc.ClientConn, error) {
	var lastErr error

	for _, ep := range c.endpoints {
		st, err := c.status(ctx, ep.conn)
		if err != nil {
			lastErr = err
			c.logger.Debug("endpoint unreachable", "target", ep.target, "error", err)
			continue
		}

		if c.cfg.Namespace != "" && st.Namespace != c.cfg.Namespace {
			return nil, fmt.Errorf("%w: %s serves %q, want %q", types.ErrNamespaceNotFound, ep.target, st.Namespace, c.cfg.Namespace)
		}

		if st.IsLeader {
			c.mu.Lock()
			c.leader = ep.conn
			c.mu.Unlock()
			c.logger.Debug("leader found", "target", ep.target, "node", st.NodeID)
			return ep.conn, nil
		}
		lastErr = fmt.Errorf("%s is %s, leader at %q", ep.target, st.State, st.LeaderAddress)
	}

	return nil, fmt.Errorf("%w: no leader among %s: %v", types.ErrStoreUnavailable, strings.Join(c.targets(), ","), lastErr)
}

func (c *Client) targets() []string {
	out := make([]string, len(c.endpoints))
	for i, ep := range c.endpoints {
		out[i] = ep.target
	}
	return out
}

func (c *Client) status(ctx context.Context, conn *grpc.ClientConn) (*wire.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp := new(wire.StatusResponse)
	if err := conn.Invoke(ctx, wire.MethodStatus, &wire.StatusRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Status reports the view of the current leader.
func (c *Client) Status(ctx context.Context) (*wire.StatusResponse, error) {
	conn, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	st, err := c.status(ctx, conn)
	if err != nil {
		return nil, c.fromGRPCError(err)
	}
	return st, nil
}

func (c *Client) current(ctx context.Context) (*grpc.ClientConn, error) {
	c.mu.Lock()
	conn := c.leader
	c.mu.Unlock()

	if conn != nil {
		return conn, nil
	}
	return c.discover(ctx)
}

func (c *Client) invoke(ctx context.Context, method string, req *wire.Request) (*wire.Response, error) {
	conn, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp := new(wire.Response)
	if err := conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, c.fromGRPCError(err)
	}
	return resp, nil
}

// converts grpc status errors back to domain errors
// an unavailable leader is forgotten so the next call rediscovers it
func (c *Client) fromGRPCError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.InvalidArgument:
		msg := st.Message()
		for _, sentinel := range []error{types.ErrInvalidName, types.ErrInvalidOwner, types.ErrInvalidTTL} {
			if strings.Contains(msg, sentinel.Error()) {
				return fmt.Errorf("%w: %s", sentinel, msg)
			}
		}
		return errors.New(msg)

	case codes.Unavailable:
		c.mu.Lock()
		c.leader = nil
		c.mu.Unlock()

		if strings.Contains(st.Message(), types.ErrNotLeader.Error()) {
			return fmt.Errorf("%w: %w: %s", types.ErrStoreUnavailable, types.ErrNotLeader, st.Message())
		}
		return fmt.Errorf("%w: %s", types.ErrStoreUnavailable, st.Message())

	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())

	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())

	default:
		return err
	}
}

// the client is its own prepared operation set
func (c *Client) Prepare(ctx context.Context) (store.LeaseStore, error) {
	return c, nil
}

func (c *Client) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, *types.Lease, error) {
	resp, err := c.invoke(ctx, wire.MethodAcquire, &wire.Request{Name: name, Owner: owner, TTL: ttl})
	if err != nil {
		return false, nil, err
	}
	return resp.Applied, resp.Lease, nil
}

func (c *Client) Inspect(ctx context.Context, name string) (*types.Lease, bool, error) {
	resp, err := c.invoke(ctx, wire.MethodInspect, &wire.Request{Name: name})
	if err != nil {
		return nil, false, err
	}
	return resp.Lease, resp.Found, nil
}

func (c *Client) Release(ctx context.Context, name, owner string) (bool, error) {
	resp, err := c.invoke(ctx, wire.MethodRelease, &wire.Request{Name: name, Owner: owner})
	if err != nil {
		return false, err
	}
	return resp.Applied, nil
}

func (c *Client) Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	resp, err := c.invoke(ctx, wire.MethodRenew, &wire.Request{Name: name, Owner: owner, TTL: ttl})
	if err != nil {
		return false, err
	}
	return resp.Applied, nil
}

func (c *Client) Close() error {
	var errs []error
	for _, ep := range c.endpoints {
		if err := ep.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
