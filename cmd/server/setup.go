package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/maxpoletaev/grid/membership"
	"github.com/maxpoletaev/grid/metrics"
	"github.com/maxpoletaev/grid/node"
)

type shutdownFunc func(ctx context.Context) error

var noopShutdown = func(ctx context.Context) error { return nil }

func setupLogger(args cliArgs) kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)

	if !args.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	return logger
}

func nodeConfig(args cliArgs, logger kitlog.Logger, reg prometheus.Registerer) (node.Config, error) {
	nodeType, err := membership.ParseNodeType(args.nodeType)
	if err != nil {
		return node.Config{}, err
	}

	conf := node.DefaultConfig()
	conf.Name = args.nodeName
	conf.NodeType = nodeType
	conf.BindAddr = args.bindAddr
	conf.PortAutoIncrement = args.portAutoIncrement
	conf.Debug = args.debug
	conf.Logger = logger
	conf.Registerer = reg

	conf.Join.Port = args.port
	conf.Join.GroupName = args.groupName
	conf.Join.GroupPassword = args.groupPassword

	conf.Join.Multicast.Enabled = args.multicast
	conf.Join.Multicast.Group = args.multicastGroup
	conf.Join.Multicast.Port = args.multicastPort

	members := splitList(args.tcpMembers)
	conf.Join.TCP.Enabled = len(members) > 0 || args.requiredMember != ""
	conf.Join.TCP.Members = members
	conf.Join.TCP.RequiredMember = args.requiredMember
	conf.Join.TCP.ConnectionTimeoutSeconds = args.connectTimeout

	if conf.Join.TCP.Enabled {
		// Multicast takes precedence over tcp, only one of them is used.
		conf.Join.Multicast.Enabled = false
	}

	patterns := splitList(args.interfaces)
	conf.Join.Interfaces.Enabled = len(patterns) > 0
	conf.Join.Interfaces.Patterns = patterns

	return conf, nil
}

func setupNode(ctx context.Context, conf node.Config) (*node.Node, shutdownFunc, error) {
	n, err := node.New(ctx, conf)
	if err != nil {
		return nil, noopShutdown, fmt.Errorf("failed to create node: %w", err)
	}

	if err := n.Start(ctx); err != nil {
		n.Shutdown()
		return nil, noopShutdown, fmt.Errorf("failed to join the cluster: %w", err)
	}

	shutdown := func(ctx context.Context) error {
		conf.Logger.Log("msg", "leaving the cluster")
		n.Shutdown()

		return nil
	}

	return n, shutdown, nil
}

func setupMetricsServer(wg *sync.WaitGroup, addr string, gatherer prometheus.Gatherer, logger kitlog.Logger) shutdownFunc {
	if addr == "" {
		return noopShutdown
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(gatherer))

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(logger).Log("msg", "metrics server failed", "addr", addr, "err", err)
		}
	}()

	return func(ctx context.Context) error {
		logger.Log("msg", "shutting down metrics server")

		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}

		return nil
	}
}
