package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/grid-content-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/config"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/health"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/observability"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/server"
	"github.com/mohammed-shakir/grid-content-cache/internal/fetch/gate"
	"github.com/mohammed-shakir/grid-content-cache/internal/gridcache"
	"github.com/mohammed-shakir/grid-content-cache/internal/invalidation/kafka"
	"github.com/mohammed-shakir/grid-content-cache/internal/logger"
	"github.com/mohammed-shakir/grid-content-cache/internal/metrics"
	"github.com/mohammed-shakir/grid-content-cache/internal/remote"
	"github.com/mohammed-shakir/grid-content-cache/internal/remote/httpremote"
	"github.com/mohammed-shakir/grid-content-cache/internal/remote/rediscache"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address (overrides ADDR)")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}

	session := logger.NewSession()
	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Session:   session,
		Component: "gridcache",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		metricsHandler http.Handler
		reg            prometheus.Registerer
	)
	if cfg.Metrics.Enabled {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    cfg.Metrics.Addr,
			Path:    cfg.Metrics.Path,
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		observability.Init(p.Registerer(), true)
		metricsHandler = p.Handler()
		reg = p.Registerer()
		go func() {
			if err := p.Serve(ctx, appLog); err != nil {
				appLog.Error("metrics server exited", "err", err)
			}
		}()
	} else {
		observability.Init(nil, false)
	}
	observability.ExposeBuildInfo(Version)

	appLog.Info("starting gridcache",
		"addr", cfg.Addr,
		"version", Version,
		"remote", cfg.RemoteBaseURL,
		"redis", cfg.Redis.Enabled,
		"invalidation", cfg.Invalidation.Driver)

	upstream, err := httpremote.New(appLog, httpclient.NewOutbound(cfg.RemoteTimeout), cfg.RemoteBaseURL)
	if err != nil {
		appLog.Error("failed to initialize remote client", "err", err)
		return 1
	}

	var (
		boundary remote.Boundary = upstream
		l2       *rediscache.Cache
		probes   = map[string]health.Probe{}
	)
	if cfg.Redis.Enabled {
		rs, err := redisstore.New(ctx, cfg.Redis.Addr, redisstore.WithOpTimeout(cfg.Redis.OpTimeout))
		if err != nil {
			appLog.Error("redis connect failed", "addr", cfg.Redis.Addr, "err", err)
			return 1
		}
		defer func() { _ = rs.Close() }()
		l2 = rediscache.New(upstream, rs, rediscache.Options{
			Namespace: cfg.Redis.Namespace,
			TTL:       cfg.Redis.TTL,
			OpTimeout: cfg.Redis.OpTimeout,
			Logger:    appLog,
		})
		boundary = l2
		probes["redis"] = rs.Ping
	}

	svc := gridcache.New(boundary, gridcache.Options{
		TTL:           cfg.CacheTTL,
		DrainInterval: cfg.DrainInterval,
		SweepInterval: cfg.SweepInterval,
		MaxBatchSize:  cfg.MaxBatchSize,
		MaxParallel:   cfg.MaxParallelBatches,
		RemoteTimeout: cfg.RemoteTimeout,
		Gate: gate.Config{
			Threshold: cfg.GateSpeedThreshold,
			Quiet:     cfg.GateQuietPeriod,
			HalfLife:  cfg.GateHalfLife,
		},
		Logger:        appLog,
		LogSampleRate: cfg.LogSampleN,
		SessionID:     session,
	})
	defer func() { _ = svc.Close() }()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := svc.Run(ctx); err != nil {
			appLog.Error("drain loop exited", "err", err)
		}
	}()

	kopts := kafka.Options{Logger: appLog, Register: reg}
	if l2 != nil {
		kopts.Purger = l2
	}
	inv := kafka.New(kafka.FromConfig(cfg.Invalidation), svc, kopts)
	if err := inv.Start(ctx); err != nil {
		appLog.Error("invalidation runner failed to start", "err", err)
		return 1
	}
	defer inv.Stop()

	err = server.Run(ctx, cfg, appLog, server.Deps{
		Cells:   svc,
		Ready:   inv,
		Probes:  probes,
		Metrics: metricsHandler,
		Session: session,
	})
	stop()
	<-runDone
	if err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
