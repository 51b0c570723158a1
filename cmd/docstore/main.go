// Command docstore serves an in-process document store over HTTP and websockets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/livequery/internal/infra/adapters/memstore"
	"github.com/coachpo/livequery/internal/infra/auth"
	"github.com/coachpo/livequery/internal/infra/config"
	httpserver "github.com/coachpo/livequery/internal/infra/server/http"
	"github.com/coachpo/livequery/internal/infra/telemetry"
)

const (
	defaultConfigPath     = "config/app.yaml"
	docstoreLoggerPrefix  = "docstore "
	devJWTSecret          = "livequery-dev-secret"
	adminTokenTTL         = 24 * time.Hour
	shutdownTimeout       = 30 * time.Second
	serverShutdownTimeout = 5 * time.Second
	socketDrainTimeout    = 5 * time.Second
	lifecycleTimeout      = 10 * time.Second
	telemetryTimeout      = 5 * time.Second
	readHeaderTimeout     = 5 * time.Second
)

type flags struct {
	configPath string
	addr       string
	seed       bool
}

func main() {
	opts := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, docstoreLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.LoadOrDefault(ctx, filepath.Clean(opts.configPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	logger.Printf("configuration initialised: env=%s addr=%s", cfg.Environment, cfg.Server.Addr)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	store := memstore.New(memstore.WithLogger(logger))
	if cfg.Server.Seed || opts.seed {
		if err := memstore.SeedBanking(ctx, store); err != nil {
			logger.Fatalf("seed store: %v", err)
		}
		logger.Printf("seeded demo collections: %v", store.Collections())
	}

	secret := cfg.Server.JWTSecret
	if secret == "" {
		secret = devJWTSecret
		logger.Printf("no jwtSecret configured; using the development secret")
	}
	authority, err := auth.NewAuthority(secret, nil)
	if err != nil {
		logger.Fatalf("initialise token authority: %v", err)
	}
	if cfg.Environment == config.EnvDev {
		if token, err := authority.Issue("docstore-admin", []string{auth.Wildcard}, true, adminTokenTTL); err == nil {
			logger.Printf("development admin token: %s", token)
		}
	}

	server, err := httpserver.New(store, authority, logger)
	if err != nil {
		logger.Fatalf("initialise server: %v", err)
	}
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http server: %v", err)
			cancel()
		}
	})
	logger.Printf("document store listening on %s", cfg.Server.Addr)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	start := time.Now()

	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, stepCancel := context.WithTimeout(shutdownCtx, timeout)
		defer stepCancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	step("stopping http server", serverShutdownTimeout, httpSrv.Shutdown)
	step("closing subscriptions", socketDrainTimeout, server.Close)
	step("waiting for lifecycle goroutines", lifecycleTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})
	step("shutting down telemetry", telemetryTimeout, telemetryProvider.Shutdown)

	logger.Printf("shutdown completed in %v", time.Since(start))
}

func parseFlags() flags {
	var opts flags
	flag.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to application configuration file")
	flag.StringVar(&opts.addr, "addr", "", "Listen address; overrides server.addr")
	flag.BoolVar(&opts.seed, "seed", false, "Load the demo banking collections")
	flag.Parse()
	return opts
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
		telemetryCfg.Enabled = true
	}
	telemetryCfg.ServiceName = cfg.Telemetry.ServiceName + "-docstore"
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}
