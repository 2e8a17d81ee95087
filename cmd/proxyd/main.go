// Command proxyd is a single-threaded, reactor-driven HTTP/1.x forward
// proxy (spec.md). It resolves hostnames off-thread through a small worker
// pool and caches cacheable responses. Its configuration is read once at
// startup; the config watcher keeps reloading the file on change, but the
// reloaded values are not applied to the running proxy.
//
// Usage:
//
//	proxyd [-config proxyd.yaml] [port]
//
// The positional port, if given, overrides the config file's listen.port,
// matching spec.md §6's "CLI: proxy <port>" contract.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/marcogreg/proxyd/internal/config"
	"github.com/marcogreg/proxyd/internal/janitor"
	"github.com/marcogreg/proxyd/internal/listener"
	"github.com/marcogreg/proxyd/internal/metrics"
	"github.com/marcogreg/proxyd/internal/proxy"
	"github.com/marcogreg/proxyd/internal/reactor"
	"github.com/marcogreg/proxyd/internal/resolver"
	"github.com/marcogreg/proxyd/internal/timeout"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "proxyd.yaml", "path to proxyd's YAML config file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	watcher, err := config.NewWatcher(log, *configPath)
	if err != nil {
		log.Error("loading config failed", "path", *configPath, "error", err)
		return 1
	}
	defer watcher.Close()

	cfg := *watcher.Current()
	if flag.NArg() > 0 {
		port, err := strconv.Atoi(flag.Arg(0))
		if err != nil || port < 1 || port > 65535 {
			log.Error("invalid port argument", "value", flag.Arg(0))
			return 1
		}
		cfg.Listen.Port = port
	}

	r, err := reactor.New(log)
	if err != nil {
		log.Error("creating reactor failed", "error", err)
		return 1
	}
	defer r.Close()

	collector := metrics.NewCollector("proxyd")
	pool := resolver.NewPool(log, r, resolver.Config{
		Workers:         cfg.Resolver.Workers,
		WorkerCacheSize: cfg.Resolver.DNSCacheSize,
		Metrics:         collector,
	})
	deps := proxy.Deps{
		Log:      log,
		Reactor:  r,
		Resolver: pool,
		Cache:    proxy.NewResponseCache(cfg.Cache.ResponseCacheSize),
		Timeouts: timeout.NewManager(r, time.Duration(cfg.Timeouts.IdleSeconds)*time.Second),
		Metrics:  collector,
	}
	stopQueueDepthPoll := pollResolverQueueDepth(pool, collector)
	defer stopQueueDepthPoll()

	l, err := listener.New(log, r, deps, cfg.Listen.Port)
	if err != nil {
		log.Error("bind/listen failed", "port", cfg.Listen.Port, "error", err)
		return 1
	}
	defer l.Close()
	log.Info("listening", "port", l.Port())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Admin.MetricsAddr != "" {
		stopAdmin := startAdminServer(log, cfg.Admin.MetricsAddr, collector)
		defer stopAdmin()

		j := janitor.New(log, collector)
		if err := j.Start(cfg.Janitor.Schedule); err != nil {
			log.Error("starting janitor failed", "error", err)
			return 1
		}
		j.StopOnDone(ctx)
	}

	go func() {
		<-ctx.Done()
		r.Stop()
	}()

	if err := r.Run(); err != nil {
		log.Error("reactor loop exited with error", "error", err)
		return 1
	}
	log.Info("shut down")
	return 0
}

// pollResolverQueueDepth mirrors the resolver's work-queue length into the
// Prometheus gauge on a fixed interval. It runs off the reactor thread since
// resolver.Pool.QueueDepth and metrics.Collector are both safe for
// concurrent use, unlike the rest of the reactor-exclusive state.
func pollResolverQueueDepth(pool *resolver.Pool, collector *metrics.Collector) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				collector.SetResolverQueueDepth(pool.QueueDepth())
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func startAdminServer(log *slog.Logger, addr string, collector *metrics.Collector) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("admin server exited", "error", err)
		}
	}()
	log.Info("admin server listening", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
