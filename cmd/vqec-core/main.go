package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/channel"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/metrics"
)

func main() {
	var (
		metricsAddr      = flag.String("metrics-addr", "127.0.0.1:9132", "Address the /metrics endpoint listens on")
		maxConcurrentRCC = flag.Int("max-concurrent-rcc", 0, "Process-wide concurrent-RCC admission limit (0 = unlimited)")
		pollInterval     = flag.Duration("poll-interval", 200*time.Millisecond, "Gap-report / BYE-countdown poll interval")
		debug            = flag.Bool("debug", false, "Enable debug-level logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	module := channel.NewModule(*maxConcurrentRCC)
	module.SetLogger(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(module))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: *metricsAddr, Handler: mux}

	go func() {
		logger.Info("metrics endpoint listening", "addr", *metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server exited", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runHousekeeping(ctx, module, *pollInterval, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "err", err)
	}
}

// runHousekeeping drives the per-tick work every registered channel needs
// done on its behalf: draining gap reports into Generic NACKs and ticking
// any armed BYE countdown. Channel creation/binding itself is driven by the
// channel-lineup DB and CLI, both external collaborators this process does
// not implement.
func runHousekeeping(ctx context.Context, module *channel.Module, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, c := range module.Channels() {
				if err := c.PollGaps(ctx, now); err != nil {
					logger.Error("poll gaps failed", "channel_id", c.ID(), "err", err)
				}
				if done, err := c.TickBye(now); err != nil {
					logger.Error("tick bye failed", "channel_id", c.ID(), "err", err)
				} else if done {
					continue
				}
			}
		}
	}
}
