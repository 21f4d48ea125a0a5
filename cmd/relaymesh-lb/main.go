// relaymesh-lb is the webhook entry point: it verifies queue
// signatures and forwards requests round-robin across the active
// relay instances registered in the coordination store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaymesh/relaymesh/internal/logger"
	"github.com/relaymesh/relaymesh/pkg/cache"
	"github.com/relaymesh/relaymesh/pkg/config"
	"github.com/relaymesh/relaymesh/pkg/kv"
	"github.com/relaymesh/relaymesh/pkg/kv/upstash"
	"github.com/relaymesh/relaymesh/pkg/kv/workerskv"
	"github.com/relaymesh/relaymesh/pkg/lb"
	"github.com/relaymesh/relaymesh/pkg/queue"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configFile := flag.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/relaymesh/config.yaml)")
	port := flag.Int("port", 9080, "Listen port")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relaymesh-lb %s (commit: %s, built: %s)\n", version, commit, date)
		return
	}

	if err := run(*configFile, *port); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string, port int) error {
	cfg, err := config.MustLoad(configFile)
	if err != nil {
		return err
	}

	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cacheSvc, err := buildCache(cfg)
	if err != nil {
		return err
	}
	if err := cacheSvc.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize cache service: %w", err)
	}

	balancer := lb.New(cacheSvc, lb.Config{
		Keys:            queue.SigningKeys{Current: cfg.Signing.Current, Next: cfg.Signing.Next},
		InstanceTimeout: cfg.Coordinator.InstanceTimeout,
		RequestTimeout:  cfg.API.RequestTimeout,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           balancer,
		ReadHeaderTimeout: cfg.API.ReadHeaderTimeout,
		IdleTimeout:       cfg.API.IdleTimeout,
	}

	serverDone := make(chan error, 1)
	go func() {
		logger.Info("load balancer listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", logger.KeyError, err.Error())
		}
		if err := cacheSvc.Destroy(shutdownCtx); err != nil {
			logger.Error("cache shutdown error", logger.KeyError, err.Error())
		}
		logger.Info("load balancer stopped")
		return nil

	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}

// buildCache wires the same two-tier cache service the instances use,
// so active-set reads survive a provider outage.
func buildCache(cfg *config.Config) (*cache.Service, error) {
	var cf, up kv.Store
	var err error

	if cfg.Cache.Cloudflare.APIToken != "" {
		cf, err = workerskv.New(cfg.Cache.Cloudflare)
		if err != nil {
			return nil, fmt.Errorf("failed to create cloudflare provider: %w", err)
		}
	}
	if cfg.Cache.Upstash.URL != "" {
		up, err = upstash.New(cfg.Cache.Upstash)
		if err != nil {
			return nil, fmt.Errorf("failed to create upstash provider: %w", err)
		}
	}

	primary, fallback := cf, up
	if cfg.Cache.PreferredProvider == "upstash" {
		primary, fallback = up, cf
	}

	svc, err := cache.NewService(cache.Config{
		Primary:       primary,
		Fallback:      fallback,
		MaxFailures:   cfg.Cache.FailureThresholdForFailover,
		L1TTLCap:      cfg.Cache.L1TTLCap,
		ProbeInterval: cfg.Cache.ProbeInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache service: %w", err)
	}

	// The LB lives or dies with its coordination store; a short timeout
	// surfaces misconfiguration early.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer probeCancel()
	if _, err := svc.ListKeys(probeCtx, "instance:"); err != nil {
		logger.Warn("coordination store probe failed", logger.KeyError, err.Error())
	}

	return svc, nil
}
