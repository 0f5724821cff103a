package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	appctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := parseCliArgs()
	logger := setupLogger(args)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	conf, err := nodeConfig(args, logger, reg)
	if err != nil {
		logger.Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}

	wg := sync.WaitGroup{}
	shutdownMetrics := setupMetricsServer(&wg, args.metricsAddr, reg, logger)

	n, shutdownNode, err := setupNode(appctx, conf)
	if err != nil {
		logger.Log("msg", "failed to start the node", "err", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "node is running", "addr", n.Addr(), "members", len(n.Members()))

	<-appctx.Done()

	level.Info(logger).Log("msg", "shutting down the server")

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, shutdown := range []shutdownFunc{shutdownNode, shutdownMetrics} {
		if err := shutdown(ctx); err != nil {
			logger.Log("msg", "shutdown failed", "err", err)
		}
	}

	wg.Wait()
}
