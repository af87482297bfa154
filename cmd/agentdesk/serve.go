package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Strob0t/agentdesk/internal/adapter/docker"
	cfhttp "github.com/Strob0t/agentdesk/internal/adapter/http"
	"github.com/Strob0t/agentdesk/internal/adapter/litellm"
	"github.com/Strob0t/agentdesk/internal/adapter/memory"
	cfnats "github.com/Strob0t/agentdesk/internal/adapter/nats"
	"github.com/Strob0t/agentdesk/internal/adapter/natskv"
	cfotel "github.com/Strob0t/agentdesk/internal/adapter/otel"
	"github.com/Strob0t/agentdesk/internal/adapter/playwright"
	"github.com/Strob0t/agentdesk/internal/adapter/postgres"
	"github.com/Strob0t/agentdesk/internal/adapter/ristretto"
	"github.com/Strob0t/agentdesk/internal/adapter/sqlite"
	"github.com/Strob0t/agentdesk/internal/adapter/tiered"
	"github.com/Strob0t/agentdesk/internal/adapter/ws"
	"github.com/Strob0t/agentdesk/internal/config"
	"github.com/Strob0t/agentdesk/internal/domain/session"
	"github.com/Strob0t/agentdesk/internal/logger"
	"github.com/Strob0t/agentdesk/internal/port/aiconnector"
	"github.com/Strob0t/agentdesk/internal/port/cache"
	"github.com/Strob0t/agentdesk/internal/port/display"
	"github.com/Strob0t/agentdesk/internal/port/notifier"
	"github.com/Strob0t/agentdesk/internal/port/sessionstore"
	"github.com/Strob0t/agentdesk/internal/portalloc"
	"github.com/Strob0t/agentdesk/internal/resilience"
	"github.com/Strob0t/agentdesk/internal/service"
)

const (
	notificationBuffer = 256
	defaultSQLitePath  = "data/agentdesk.db"
)

// pinger is implemented by stores that can report their health.
type pinger interface {
	Ping(ctx context.Context) error
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigFile, "path to the YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"max_sessions", cfg.Orchestrator.MaxSessions,
		"connector", cfg.AI.Connector,
		"store", cfg.Store.Driver,
	)

	// --- Observability ---

	otelShutdown, err := cfotel.Setup(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	var metrics *cfotel.Metrics
	if cfg.OTEL.Enabled {
		if metrics, err = cfotel.NewMetrics(); err != nil {
			return fmt.Errorf("otel metrics: %w", err)
		}
	}

	// --- Infrastructure ---

	checks := make(map[string]cfhttp.HealthCheck)

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()
	if p, ok := store.(pinger); ok {
		checks["store"] = p.Ping
	}
	slog.Info("session store ready", "driver", cfg.Store.Driver)

	var bus *cfnats.Bus
	if cfg.NATS.Enabled {
		bus, err = cfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = bus.Close() }()
		checks["nats"] = bus.Ping
	}

	rt := docker.New(cfg.Container.DockerBinary, cfg.Container.MaxConcurrentCalls, cfg.Container.StopGrace)
	if err := rt.EnsureNetwork(ctx, cfg.Container.Network); err != nil {
		return fmt.Errorf("container network: %w", err)
	}

	var allocOpts []portalloc.Option
	if cfg.Ports.ProbeHost != "" {
		allocOpts = append(allocOpts, portalloc.WithProbe(portalloc.ListenProbe(cfg.Ports.ProbeHost)))
	}
	ports := portalloc.New(cfg.Ports.Display, cfg.Ports.Web, allocOpts...)

	// --- AI ---

	conn, err := aiconnector.New(cfg.AI.Connector, aiconnector.Settings{
		APIKey:    cfg.AI.APIKey,
		Model:     cfg.AI.Model,
		BaseURL:   cfg.AI.BaseURL,
		MaxTokens: cfg.AI.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("ai connector: %w", err)
	}
	if lc, ok := conn.(*litellm.Client); ok {
		checks["litellm"] = func(ctx context.Context) error {
			healthy, err := lc.Health(ctx)
			if err != nil {
				return err
			}
			if !healthy {
				return errors.New("proxy unhealthy")
			}
			return nil
		}
	}

	breaker := resilience.NewBreaker(cfg.AI.Breaker.MaxFailures, cfg.AI.Breaker.Timeout)
	decider := service.NewResilientConnector(conn, breaker, service.DeciderConfig{
		MaxAttempts:    cfg.AI.MaxRetries,
		BaseBackoff:    cfg.AI.BaseBackoff,
		MaxBackoff:     cfg.AI.MaxBackoff,
		AttemptTimeout: cfg.AI.AttemptTimeout,
		CallTimeout:    cfg.AI.CallTimeout,
	})
	checks["ai_breaker"] = func(context.Context) error {
		if st := decider.BreakerState(); st == "open" {
			return fmt.Errorf("circuit %s", st)
		}
		return nil
	}

	drv, closeDisplay, err := openDisplay(cfg.Display)
	if err != nil {
		return fmt.Errorf("display: %w", err)
	}
	defer closeDisplay()

	// --- Services ---

	var registry *service.Registry
	hub := ws.NewHub(originPatterns(cfg.Server.CORSOrigin), func() []session.Session {
		return registry.List()
	})
	defer hub.Close()

	notifiers := []notifier.Notifier{hub, service.NewArchiveNotifier(store)}
	if bus != nil {
		notifiers = append(notifiers, cfnats.NewNotifier(bus))
	}
	notifications := service.NewNotificationService(notifiers, notificationBuffer)
	defer notifications.Close()

	registry = service.NewRegistry(notifications.OnChange)

	lifecycle := service.NewLifecycleService(rt, registry, service.LifecycleConfig{
		Image:            cfg.Container.Image,
		Network:          cfg.Container.Network,
		AccessPassword:   cfg.Container.AccessPassword,
		Resolution:       cfg.Container.Resolution,
		PublicHost:       cfg.Server.PublicHost,
		ProvisionTimeout: cfg.Container.ProvisionTimeout,
		StartTimeout:     cfg.Container.StartTimeout,
		PauseTimeout:     cfg.Container.PauseTimeout,
		TerminateTimeout: cfg.Container.TerminateTimeout,
	})
	control := service.NewControlService(registry, decider, drv, service.ControlConfig{
		TickInterval:   cfg.AI.TickInterval,
		ObserveTimeout: cfg.AI.ObserveTimeout,
		ApplyTimeout:   cfg.AI.ApplyTimeout,
		CallTimeout:    cfg.AI.CallTimeout,
	})
	coord := service.NewCoordinator(service.CoordinatorConfig{
		MaxSessions:         cfg.Orchestrator.MaxSessions,
		DefaultObjective:    cfg.AI.DefaultObjective,
		TerminateOnShutdown: cfg.Orchestrator.TerminateOnShutdown,
	}, registry, ports, lifecycle, control, store)

	if metrics != nil {
		lifecycle.SetMetrics(metrics)
		control.SetMetrics(metrics)
		decider.SetMetrics(metrics)
		coord.SetMetrics(metrics)
	}

	if _, err := coord.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	reconciler := service.NewReconciler(registry, rt, coord.HandleCrash, service.ReconcilerConfig{
		Interval:     cfg.Reconcile.Interval,
		Retention:    cfg.Reconcile.Retention,
		CallTimeout:  cfg.Container.TerminateTimeout,
		SweepOrphans: true,
	})
	reconcileCtx, stopReconcile := context.WithCancel(ctx)
	defer stopReconcile()
	go reconciler.Run(reconcileCtx)

	// --- HTTP ---

	idem, closeCache, err := openIdempotencyCache(ctx, cfg, bus)
	if err != nil {
		return fmt.Errorf("idempotency cache: %w", err)
	}
	defer closeCache()

	handlers := &cfhttp.Handlers{
		Sessions: coord,
		Health: cfhttp.HealthConfig{
			Version:     version,
			MaxSessions: cfg.Orchestrator.MaxSessions,
			Connector:   conn.Name(),
			Connectors:  aiconnector.Available(),
			FreePairs:   ports.FreePairs,
			Checks:      checks,
		},
	}
	r := cfhttp.NewRouter(handlers, cfhttp.RouterConfig{
		CORSOrigin:     cfg.Server.CORSOrigin,
		APIKeyHash:     cfg.Server.APIKeyHash,
		Idempotency:    idem,
		IdempotencyTTL: cfg.Idempotency.TTL,
		Tracing:        cfg.OTEL.Enabled,
		ServiceName:    cfg.OTEL.ServiceName,
		WebSocket:      hub.HandleWS,
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Create waits for provisioning, which can take minutes.
		WriteTimeout: cfg.Container.ProvisionTimeout + cfg.Container.StartTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-done:
	case err := <-serveErr:
		slog.Error("server failed", "error", err)
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Container.TerminateTimeout+10*time.Second)
	defer cancel()

	httpErr := srv.Shutdown(shutdownCtx)
	stopReconcile()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		slog.Error("session shutdown incomplete", "error", err)
	}
	return httpErr
}

// openStore returns the session archive selected by cfg.Driver.
func openStore(ctx context.Context, cfg config.Store) (sessionstore.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.NewStore(), nil
	case "sqlite":
		path := cfg.DSN
		if path == "" {
			path = defaultSQLitePath
		}
		return sqlite.Open(ctx, path)
	case "postgres":
		if err := postgres.RunMigrations(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(pool), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// openDisplay returns the browser automation driver selected by cfg.Driver.
func openDisplay(cfg config.Display) (display.Driver, func(), error) {
	switch cfg.Driver {
	case "", "none":
		return display.Nop{}, func() {}, nil
	case "playwright":
		d, err := playwright.New(playwright.Config{CDPPort: cfg.CDPPort, CDPHost: cfg.CDPHost})
		if err != nil {
			return nil, nil, err
		}
		return d, func() {
			if err := d.Close(); err != nil {
				slog.Warn("close playwright", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown display driver %q", cfg.Driver)
	}
}

// openIdempotencyCache builds the replay cache: ristretto in process, backed
// by a NATS KV bucket when NATS is enabled. A nil cache disables replay.
func openIdempotencyCache(ctx context.Context, cfg *config.Config, bus *cfnats.Bus) (cache.Cache, func(), error) {
	if !cfg.Idempotency.Enabled {
		return nil, func() {}, nil
	}

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return nil, nil, err
	}
	if bus == nil {
		return l1, l1.Close, nil
	}

	l2, err := natskv.Open(ctx, bus.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		l1.Close()
		return nil, nil, err
	}
	return tiered.New(l1, l2, cfg.Idempotency.TTL), l1.Close, nil
}

// originPatterns turns the configured CORS origin into the host pattern the
// WebSocket handshake checks against.
func originPatterns(origin string) []string {
	if origin == "" || origin == "*" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return []string{origin}
	}
	return []string{u.Host}
}
