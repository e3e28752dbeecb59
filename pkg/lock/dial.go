package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pixperk/leaselock/pkg/client"
	"github.com/pixperk/leaselock/pkg/store"
	cqlstore "github.com/pixperk/leaselock/pkg/store/cql"
	etcdstore "github.com/pixperk/leaselock/pkg/store/etcd"
	mysqlstore "github.com/pixperk/leaselock/pkg/store/mysql"
	natsstore "github.com/pixperk/leaselock/pkg/store/nats"
	redisstore "github.com/pixperk/leaselock/pkg/store/redis"
	"github.com/pixperk/leaselock/pkg/types"
)

// backend names accepted by Config.Backend
const (
	BackendCassandra = "cassandra"
	BackendRedis     = "redis"
	BackendEtcd      = "etcd"
	BackendMySQL     = "mysql"
	BackendNATS      = "nats"
	BackendLowkey    = "lowkey"
)

// Config selects and reaches a lease store.
type Config struct {
	Backend   string //empty means cassandra
	Endpoints string //comma separated host[:port]
	Namespace string //keyspace, database, bucket, key prefix or server namespace
	Username  string
	Password  string

	// Cassandra local datacenter for token aware routing, optional
	Datacenter string

	// connect and per request timeout handed to the driver, zero keeps the driver default
	Timeout time.Duration
}

// Dial opens a connection to the configured store and builds a factory over it.
// Connection and namespace failures are returned as is, never retried.
// The returned factory closes the connection on Close.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Factory, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.Named("dial")

	backend, err := open(ctx, cfg, o)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to lease store", "backend", backendName(cfg.Backend), "endpoints", cfg.Endpoints, "namespace", cfg.Namespace)

	f, err := NewFactory(ctx, backend, opts...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	f.owned = true
	return f, nil
}

func backendName(b string) string {
	b = strings.ToLower(strings.TrimSpace(b))
	if b == "" || b == "cql" {
		return BackendCassandra
	}
	return b
}

func open(ctx context.Context, cfg Config, o options) (store.Backend, error) {
	logger := o.logger.Named("store")

	switch name := backendName(cfg.Backend); name {
	case BackendCassandra:
		hosts, err := store.ParseEndpoints(cfg.Endpoints, cqlstore.DefaultPort)
		if err != nil {
			return nil, err
		}
		return cqlstore.Open(ctx, cqlstore.Config{
			Hosts:      hosts,
			Keyspace:   cfg.Namespace,
			Username:   cfg.Username,
			Password:   cfg.Password,
			Datacenter: cfg.Datacenter,
			Timeout:    cfg.Timeout,
			Logger:     logger,
		})

	case BackendRedis:
		addrs, err := singleEndpoint(name, cfg.Endpoints, redisstore.DefaultPort)
		if err != nil {
			return nil, err
		}
		return redisstore.Open(ctx, redisstore.Config{
			Addr:      addrs[0],
			Namespace: cfg.Namespace,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Timeout:   cfg.Timeout,
			Logger:    logger,
		})

	case BackendEtcd:
		endpoints, err := store.ParseEndpoints(cfg.Endpoints, etcdstore.DefaultPort)
		if err != nil {
			return nil, err
		}
		return etcdstore.Open(ctx, etcdstore.Config{
			Endpoints: endpoints,
			Namespace: cfg.Namespace,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Timeout:   cfg.Timeout,
			Logger:    logger,
		})

	case BackendMySQL:
		addrs, err := singleEndpoint(name, cfg.Endpoints, mysqlstore.DefaultPort)
		if err != nil {
			return nil, err
		}
		return mysqlstore.Open(ctx, mysqlstore.Config{
			Addr:     addrs[0],
			Database: cfg.Namespace,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  cfg.Timeout,
			Logger:   logger,
		})

	case BackendNATS:
		servers, err := store.ParseEndpoints(cfg.Endpoints, natsstore.DefaultPort)
		if err != nil {
			return nil, err
		}
		return natsstore.Open(ctx, natsstore.Config{
			Servers:  servers,
			Bucket:   cfg.Namespace,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  cfg.Timeout,
			Logger:   logger,
		})

	case BackendLowkey:
		endpoints, err := store.ParseEndpoints(cfg.Endpoints, client.DefaultPort)
		if err != nil {
			return nil, err
		}
		return client.Dial(ctx, client.Config{
			Endpoints: endpoints,
			Namespace: cfg.Namespace,
			Timeout:   cfg.Timeout,
			Logger:    logger,
		})

	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownBackend, name)
	}
}

// redis and mysql talk to one server; a list would silently drop the rest
func singleEndpoint(backend, list string, defaultPort int) ([]string, error) {
	addrs, err := store.ParseEndpoints(list, defaultPort)
	if err != nil {
		return nil, err
	}
	if len(addrs) > 1 {
		return nil, fmt.Errorf("%s backend takes a single endpoint, got %d: %s", backend, len(addrs), list)
	}
	return addrs, nil
}
