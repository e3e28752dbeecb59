package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pixperk/leaselock/pkg/heartbeat"
	"github.com/pixperk/leaselock/pkg/lock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	lockCmd = &cobra.Command{
		Use:               "lock",
		Short:             "Perform lease operations against a store",
		PersistentPreRunE: bindFlags,
	}

	acquireCmd = &cobra.Command{
		Use:   "acquire [name]",
		Short: "Try once to take the lease",
		Args:  cobra.ExactArgs(1),
		RunE:  withFactory(runAcquire),
	}

	releaseCmd = &cobra.Command{
		Use:   "release [name]",
		Short: "Release a lease held by --owner",
		Args:  cobra.ExactArgs(1),
		RunE:  withFactory(runRelease),
	}

	renewCmd = &cobra.Command{
		Use:   "renew [name]",
		Short: "Restart the ttl of a lease held by --owner",
		Args:  cobra.ExactArgs(1),
		RunE:  withFactory(runRenew),
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect [name]",
		Short: "Show the current holder of a lease",
		Args:  cobra.ExactArgs(1),
		RunE:  withFactory(runInspect),
	}

	holdCmd = &cobra.Command{
		Use:   "hold [name]",
		Short: "Take the lease and keep it alive until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  withFactory(runHold),
	}
)

func init() {
	f := lockCmd.PersistentFlags()
	f.String("backend", lock.BackendCassandra, "store backend (cassandra, redis, etcd, mysql, nats, lowkey)")
	f.String("endpoints", "127.0.0.1", "comma separated host[:port] list")
	f.String("namespace", "", "keyspace, database, bucket or key prefix")
	f.String("username", "", "store username")
	f.String("password", "", "store password")
	f.String("datacenter", "", "cassandra local datacenter")
	f.Duration("timeout", 10*time.Second, "connect and request timeout")
	f.String("owner", "", "owner id, random when empty")
	f.Duration("ttl", lock.DefaultTTL, "lease ttl")

	holdCmd.Flags().Duration("wait", 0, "keep retrying the acquire for this long")

	lockCmd.AddCommand(acquireCmd, releaseCmd, renewCmd, inspectCmd, holdCmd)
}

type factoryRunE func(cmd *cobra.Command, f *lock.Factory, name string) error

// dials the configured store for one command and closes it afterwards
func withFactory(run factoryRunE) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		opts := []lock.Option{
			lock.WithLogger(logger),
			lock.WithDefaultTTL(viper.GetDuration("ttl")),
		}
		if owner := viper.GetString("owner"); owner != "" {
			opts = append(opts, lock.WithDefaultOwner(owner))
		}

		f, err := lock.Dial(cmd.Context(), lock.Config{
			Backend:    viper.GetString("backend"),
			Endpoints:  viper.GetString("endpoints"),
			Namespace:  viper.GetString("namespace"),
			Username:   viper.GetString("username"),
			Password:   viper.GetString("password"),
			Datacenter: viper.GetString("datacenter"),
			Timeout:    viper.GetDuration("timeout"),
		}, opts...)
		if err != nil {
			return err
		}
		defer f.Close()

		return run(cmd, f, args[0])
	}
}

func runAcquire(cmd *cobra.Command, f *lock.Factory, name string) error {
	l := f.GetLock(name)
	ok, err := l.TryLock(cmd.Context())
	if err != nil {
		return err
	}
	if !ok {
		cmd.Printf("acquired=false\n")
		return nil
	}
	cmd.Printf("acquired=true owner=%s ttl=%s\n", l.Owner(), l.TTL())
	return nil
}

func runRelease(cmd *cobra.Command, f *lock.Factory, name string) error {
	if err := f.GetLock(name).Unlock(cmd.Context()); err != nil {
		return err
	}
	cmd.Printf("released=true\n")
	return nil
}

func runRenew(cmd *cobra.Command, f *lock.Factory, name string) error {
	l := f.GetLock(name)
	if err := l.KeepAlive(cmd.Context()); err != nil {
		return err
	}
	cmd.Printf("renewed=true ttl=%s\n", l.TTL())
	return nil
}

func runInspect(cmd *cobra.Command, f *lock.Factory, name string) error {
	lease, err := f.Inspect(cmd.Context(), name)
	if err != nil {
		return err
	}
	if lease == nil {
		cmd.Printf("held=false\n")
		return nil
	}
	cmd.Printf("held=true owner=%s ttl=%s remaining=%s\n",
		lease.Owner, lease.TTL, lease.Remaining(time.Now()).Truncate(time.Millisecond))
	return nil
}

func runHold(cmd *cobra.Command, f *lock.Factory, name string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := f.GetLock(name)
	if err := acquireWithin(ctx, l, viper.GetDuration("wait")); err != nil {
		return err
	}
	cmd.Printf("acquired=true owner=%s ttl=%s\n", l.Owner(), l.TTL())

	keeper := heartbeat.Start(ctx, l, heartbeat.WithLogger(newLogger()))
	defer keeper.Stop()

	select {
	case err := <-keeper.Lost():
		return err
	case <-ctx.Done():
	}

	keeper.Stop()
	releaseCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	defer cancel()
	if err := l.Unlock(releaseCtx); err != nil {
		return err
	}
	cmd.Printf("released=true\n")
	return nil
}

var errNotAcquired = errors.New("lease is held by another owner")

// polls TryLock every ttl/10 until it succeeds or wait elapses
func acquireWithin(ctx context.Context, l *lock.Lock, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	interval := l.TTL() / 10
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	for {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%s: %w", l.Name(), errNotAcquired)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
