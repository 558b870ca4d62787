// Package app wires configuration, storage, services and the HTTP
// server into a runnable application.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/keystore"
	"keygate/internal/middleware"
	"keygate/internal/services"
	handlers "keygate/internal/transport/http"
)

// Application is the main application container.
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Store         keystore.Store
	KeyService    *services.KeyService
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
}

// NewApplication builds an application from configuration and the
// environment.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("service", infrastructure.ServiceName),
		slog.String("version", infrastructure.ServiceVersion),
		slog.String("store_driver", cfg.Store.Driver))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeStore(); err != nil {
		return nil, err
	}

	metrics, err := infrastructure.CreateBusinessMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create business metrics: %w", err)
	}

	app.KeyService = services.NewKeyService(
		app.Store,
		cfg.Security.ControlSecret,
		logger,
		services.WithMetrics(metrics),
	)

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeStore opens the key store selected by configuration.
func (a *Application) initializeStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Store.Timeout)
	defer cancel()

	switch a.Config.Store.Driver {
	case config.StoreDriverMemory:
		a.Store = keystore.NewMemoryStore()

	case config.StoreDriverPostgres:
		if a.Config.Store.Migrate {
			if err := keystore.MigrateUp(a.Config.Store.DSN, a.Logger); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		pool, err := pgxpool.New(ctx, a.Config.Store.DSN)
		if err != nil {
			return fmt.Errorf("failed to open postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("failed to ping postgres: %w", err)
		}
		a.Store = keystore.NewPostgresStore(pool)

	case config.StoreDriverRedis:
		opts, err := redis.ParseURL(a.Config.Store.DSN)
		if err != nil {
			return fmt.Errorf("failed to parse redis DSN: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		a.Store = keystore.NewRedisStore(client)

	default:
		return fmt.Errorf("unknown store driver %q", a.Config.Store.Driver)
	}

	a.Logger.Info("key store ready", slog.String("driver", a.Config.Store.Driver))
	return nil
}

// setupRouter configures the HTTP router with all routes.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StructuredLogger(a.Logger))
	r.Use(middleware.Recoverer(a.Logger))
	r.Use(middleware.SecurityHeaders)

	if a.Config.Security.EnableCORS {
		r.Use(middleware.CORS(middleware.CORSConfig{
			AllowedOrigins: a.Config.Security.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	if a.Config.Security.RateLimit.Enabled {
		r.Use(middleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
		).Handler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(middleware.Timeout(a.Config.Server.ReadTimeout, a.Logger))

		keyHandler := handlers.NewKeyHandler(a.KeyService, a.Logger)
		r.Mount("/keys", keyHandler.Routes())

		healthHandler := handlers.NewHealthHandler(a.Store, a.Logger)
		r.Mount("/health", healthHandler.Routes())
	})

	// Prometheus scrape endpoint stays outside the API middleware chain.
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// createServer creates the HTTP server.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run serves requests until the process is interrupted, then shuts
// down gracefully.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfoContext(ctx, "http server listening",
			slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.Logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()

		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	})

	err := g.Wait()

	a.shutdownDependencies()
	if err != nil {
		return err
	}
	a.Logger.Info("application shutdown complete")
	return nil
}

// shutdownDependencies releases the store and telemetry providers.
func (a *Application) shutdownDependencies() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error("error closing key store", slog.String("error", err.Error()))
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.Error("error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}
}
