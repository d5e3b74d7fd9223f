package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/ksuid"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"

	"github.com/cmb69/pftt2/config"
	"github.com/cmb69/pftt2/framework"
	"github.com/cmb69/pftt2/framework/harness"
	"github.com/cmb69/pftt2/metrics"
	"github.com/cmb69/pftt2/runner"
	"github.com/cmb69/pftt2/scheduler"
	"github.com/cmb69/pftt2/servicedef"
	"github.com/cmb69/pftt2/webserver"
)

const shutdownTimeout = time.Second * 5

func main() {
	var params commandParams
	if !params.Read(os.Args) {
		os.Exit(1)
	}
	os.Exit(run(params))
}

func run(params commandParams) int {
	if params.NoColor {
		color.NoColor = true
	}

	runID := ksuid.New()
	loggers := ldlog.NewDefaultLoggers()
	loggers.SetPrefix(fmt.Sprintf("[%s]", runID))
	if params.DebugAll {
		loggers.SetMinLevel(ldlog.Debug)
	} else {
		loggers.SetMinLevel(ldlog.Info)
	}

	cfg, err := config.Load(params.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %s\n", err)
		return 1
	}
	manifest, err := servicedef.ReadManifest(params.Manifest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid manifest: %s\n", err)
		return 1
	}
	allocator, err := cfg.Allocator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %s\n", err)
		return 1
	}

	server := manifest.Server.WithEnv(cfg.Env)
	if params.DebugServers {
		server.Debug = true
	}
	if manifest.Run.DisableDebugPrompt {
		server.Debug = false
	}
	attacher := cfg.Attacher()
	if server.Debug && attacher == nil {
		loggers.Warn("Debugging requested but no debugger command is configured")
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	if params.MetricsAddr != "" {
		metricsServer := serveMetrics(params.MetricsAddr, registry, loggers)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = metricsServer.Shutdown(ctx)
		}()
	}

	manager, err := webserver.NewManager(webserver.Config{
		Factory:       cfg.ServerFactory(),
		Ports:         allocator,
		Gate:          cfg.Gate(),
		Attacher:      attacher,
		Loggers:       loggers,
		Metrics:       m,
		ListenAddress: cfg.ListenAddress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not set up servers: %s\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			loggers.Warn("Interrupted, shutting down servers")
			_ = manager.Close()
		case <-finished:
		}
	}()

	timeout := requestTimeout(cfg, manifest.Run)
	workers := workerCount(params.Workers, cfg, manifest.Run)
	var groups []scheduler.Group
	for _, patterns := range manifest.NonThreadSafe {
		groups = append(groups, scheduler.Group(patterns))
	}

	h := &harness.Harness{
		Servers: manager,
		Runner: runner.Config{
			Client:  runner.NewClient(timeout),
			Loggers: loggers,
			Metrics: m,
			Rules:   cfg.Rules,
		},
		Scheduler: scheduler.Scheduler{
			Workers: workers,
			Groups:  groups,
			PanicHandler: func(job scheduler.Job, recovered interface{}, stack []byte) {
				loggers.Errorf("Unexpected panic running %s: %v\n%s", job.FileName(), recovered, stack)
			},
		},
		Server:  server,
		Filter:  params.filters.AsFilter,
		Loggers: loggers,
		NewTestLogger: func(w io.Writer) framework.TestLogger {
			return &ConsoleTestLogger{
				Out:                  w,
				DebugOutputOnFailure: params.Debug || params.DebugAll,
				DebugOutputOnSuccess: params.DebugAll,
			}
		},
	}

	fmt.Println()
	framework.PrintFilterDescription(os.Stdout, params.filters)
	fmt.Printf("Running %d test(s) against %s (run %s)\n", len(manifest.Tests), cfg.Server.Type, runID)

	results := h.Run(ctx, manifest.Tests, os.Stdout)
	if err := manager.Close(); err != nil {
		loggers.Warnf("Error shutting down servers: %s", err)
	}

	fmt.Println()
	framework.PrintResults(os.Stdout, results)
	if !results.OK() {
		return 1
	}
	return 0
}

// requestTimeout returns the manifest's request timeout if it sets a positive one, otherwise the
// configured one.
func requestTimeout(cfg config.Config, run servicedef.RunParams) time.Duration {
	if ms := run.RequestTimeoutMS.OrElse(0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return cfg.RequestTimeout
}

// workerCount picks the first positive value of the flag, the manifest and the config. Zero means
// the scheduler default.
func workerCount(flag int, cfg config.Config, run servicedef.RunParams) int {
	if flag > 0 {
		return flag
	}
	if n := run.Workers.OrElse(0); n > 0 {
		return n
	}
	return cfg.Workers
}

func serveMetrics(addr string, registry *prometheus.Registry, loggers ldlog.Loggers) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			loggers.Errorf("Metrics endpoint failed: %s", err)
		}
	}()
	loggers.Infof("Serving metrics on %s/metrics", addr)
	return srv
}
