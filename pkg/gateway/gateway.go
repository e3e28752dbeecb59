// Package gateway exposes a lease server over HTTP/JSON next to its grpc port,
// together with the prometheus /metrics endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/pixperk/leaselock/pkg/fsm"
	"github.com/pixperk/leaselock/pkg/store"
	"github.com/pixperk/leaselock/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Node is the lease table the gateway serves, raft.Node in production.
type Node interface {
	store.LeaseStore
	IsLeader() bool
	Leader() (addr, id string)
	NodeID() string
	State() string
	Stats() fsm.Stats
}

// optional operator actions, enabled when the node supports them
type purger interface {
	Purge(ctx context.Context, name string) (bool, error)
}

type joiner interface {
	Join(nodeID, addr string) error
	Leave(nodeID string) error
}

type Server struct {
	echo      *echo.Echo
	addr      string
	node      Node
	namespace string
	logger    hclog.Logger
}

func NewServer(addr string, node Node, namespace string, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	s := &Server{
		echo:      echo.New(),
		addr:      addr,
		node:      node,
		namespace: namespace,
		logger:    logger.Named("http"),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(echomiddleware.Recover())
	s.echo.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			s.logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.echo.Group("/v1")
	v1.GET("/status", s.status)
	v1.GET("/leases/:name", s.inspect)
	v1.PUT("/leases/:name", s.acquire)
	v1.POST("/leases/:name/renew", s.renew)
	v1.DELETE("/leases/:name", s.release)
	v1.POST("/leases/:name/purge", s.purge)
	v1.POST("/cluster/join", s.join)
	v1.DELETE("/cluster/members/:id", s.leave)

	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Handler returns the routed handler, used by tests and embedding servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("http gateway listening", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP gateway: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type leaseRequest struct {
	Owner string `json:"owner"`
	TTLMs int64  `json:"ttl_ms"`
}

func (r leaseRequest) ttl() time.Duration {
	return time.Duration(r.TTLMs) * time.Millisecond
}

type leaseResponse struct {
	Applied bool         `json:"applied"`
	Lease   *types.Lease `json:"lease,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}

var errBadBody = echo.NewHTTPError(http.StatusBadRequest, "invalid request body")

func (s *Server) bind(c echo.Context) (leaseRequest, error) {
	var req leaseRequest
	if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
		return req, errBadBody
	}
	return req, nil
}

func (s *Server) acquire(c echo.Context) error {
	req, err := s.bind(c)
	if err != nil {
		return err
	}

	applied, current, err := s.node.Acquire(c.Request().Context(), c.Param("name"), req.Owner, req.ttl())
	if err != nil {
		return s.fail(c, err)
	}
	if !applied {
		return c.JSON(http.StatusConflict, leaseResponse{Lease: current})
	}
	return c.JSON(http.StatusOK, leaseResponse{Applied: true})
}

func (s *Server) inspect(c echo.Context) error {
	lease, found, err := s.node.Inspect(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.fail(c, err)
	}
	if !found {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "lease not found"})
	}
	return c.JSON(http.StatusOK, lease)
}

func (s *Server) renew(c echo.Context) error {
	req, err := s.bind(c)
	if err != nil {
		return err
	}

	applied, err := s.node.Renew(c.Request().Context(), c.Param("name"), req.Owner, req.ttl())
	if err != nil {
		return s.fail(c, err)
	}
	if !applied {
		return c.JSON(http.StatusConflict, leaseResponse{})
	}
	return c.JSON(http.StatusOK, leaseResponse{Applied: true})
}

func (s *Server) release(c echo.Context) error {
	applied, err := s.node.Release(c.Request().Context(), c.Param("name"), c.QueryParam("owner"))
	if err != nil {
		return s.fail(c, err)
	}
	if !applied {
		return c.JSON(http.StatusConflict, leaseResponse{})
	}
	return c.JSON(http.StatusOK, leaseResponse{Applied: true})
}

func (s *Server) purge(c echo.Context) error {
	p, ok := s.node.(purger)
	if !ok {
		return c.JSON(http.StatusNotImplemented, errorResponse{Error: "purge not supported"})
	}

	removed, err := p.Purge(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.fail(c, err)
	}
	s.logger.Info("lease purged by operator", "name", c.Param("name"), "removed", removed)
	return c.JSON(http.StatusOK, map[string]bool{"removed": removed})
}

type joinRequest struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

func (s *Server) join(c echo.Context) error {
	j, ok := s.node.(joiner)
	if !ok {
		return c.JSON(http.StatusNotImplemented, errorResponse{Error: "join not supported"})
	}

	var req joinRequest
	if err := c.Bind(&req); err != nil || req.NodeID == "" || req.Addr == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "node_id and addr required"})
	}

	if err := j.Join(req.NodeID, req.Addr); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"joined": req.NodeID})
}

func (s *Server) leave(c echo.Context) error {
	j, ok := s.node.(joiner)
	if !ok {
		return c.JSON(http.StatusNotImplemented, errorResponse{Error: "leave not supported"})
	}

	id := c.Param("id")
	if err := j.Leave(id); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"removed": id})
}

type statusResponse struct {
	NodeID    string `json:"node_id"`
	Namespace string `json:"namespace"`
	IsLeader  bool   `json:"is_leader"`
	Leader    string `json:"leader"`
	LeaderID  string `json:"leader_id"`
	State     string `json:"state"`
	Leases    int    `json:"leases"`
	Applied   uint64 `json:"applied"`
}

func (s *Server) status(c echo.Context) error {
	addr, id := s.node.Leader()
	stats := s.node.Stats()

	return c.JSON(http.StatusOK, statusResponse{
		NodeID:    s.node.NodeID(),
		Namespace: s.namespace,
		IsLeader:  s.node.IsLeader(),
		Leader:    addr,
		LeaderID:  id,
		State:     s.node.State(),
		Leases:    stats.Leases,
		Applied:   stats.Applied,
	})
}

// maps domain errors to http status codes
func (s *Server) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, types.ErrInvalidName),
		errors.Is(err, types.ErrInvalidOwner),
		errors.Is(err, types.ErrInvalidTTL):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})

	case errors.Is(err, types.ErrNotLeader):
		leader, _ := s.node.Leader()
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Leader: leader})

	case errors.Is(err, types.ErrStoreUnavailable):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})

	default:
		s.logger.Error("lease request failed", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
