package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pixperk/leaselock/pkg/gateway"
	"github.com/pixperk/leaselock/pkg/metrics"
	"github.com/pixperk/leaselock/pkg/raft"
	"github.com/pixperk/leaselock/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a lease server node",
	Long: `Run one node of the raft replicated lease store. The node serves the
lease protocol over grpc and an HTTP/JSON gateway with /metrics next to it.
Start the first node with --bootstrap, then start others with --join
pointing at the HTTP address of a running member.`,
	PreRunE: bindFlags,
	RunE:    runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("node-id", "", "unique node id, random when empty")
	f.String("raft-addr", "127.0.0.1:7000", "raft bind address")
	f.String("raft-advertise", "", "raft address peers dial, raft-addr when empty")
	f.String("grpc-addr", ":9000", "grpc listen address")
	f.String("http-addr", ":8080", "HTTP gateway listen address")
	f.String("data-dir", "./data", "directory for the raft log and snapshots")
	f.String("namespace", "leaselock", "namespace clients must name to connect")
	f.Bool("bootstrap", false, "bootstrap a new cluster with this node")
	f.String("peers", "", "extra bootstrap voters, id=raft-addr comma separated")
	f.String("join", "", "HTTP address of a running member to join through")
}

func parsePeers(s string) (map[string]string, error) {
	peers := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return peers, nil
	}
	for _, p := range strings.Split(s, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q (expected id=addr)", p)
		}
		peers[id] = addr
	}
	return peers, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	peers, err := parsePeers(viper.GetString("peers"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := raft.NewNode(raft.Config{
		NodeID:    viper.GetString("node-id"),
		BindAddr:  viper.GetString("raft-addr"),
		Advertise: viper.GetString("raft-advertise"),
		DataDir:   viper.GetString("data-dir"),
		Bootstrap: viper.GetBool("bootstrap"),
		Peers:     peers,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create raft node: %w", err)
	}

	namespace := viper.GetString("namespace")
	grpcAddr := viper.GetString("grpc-addr")
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		node.Shutdown()
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	grpcServer := server.NewGRPCServer()
	server.Register(grpcServer, server.NewServer(node, namespace, logger))
	gw := gateway.NewServer(viper.GetString("http-addr"), node, namespace, logger)

	logger.Info("starting leaselock node",
		"node_id", node.NodeID(),
		"raft", viper.GetString("raft-addr"),
		"grpc", grpcAddr,
		"http", viper.GetString("http-addr"),
		"data_dir", viper.GetString("data-dir"),
		"bootstrap", viper.GetBool("bootstrap"),
	)
	metrics.Up.Set(1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("grpc server listening", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	g.Go(gw.Start)

	if target := viper.GetString("join"); target != "" {
		advertise := viper.GetString("raft-advertise")
		if advertise == "" {
			advertise = viper.GetString("raft-addr")
		}
		g.Go(func() error {
			return joinCluster(gctx, target, node.NodeID(), advertise, logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		metrics.Up.Set(0)

		grpcServer.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Warn("http gateway shutdown", "error", err)
		}
		return node.Shutdown()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
