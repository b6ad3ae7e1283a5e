package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	masker "github.com/goliatone/go-masker"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/gatekeys/internal/domain/keys"
	"github.com/xenking/gatekeys/internal/handler"
	"github.com/xenking/gatekeys/internal/sealer"
	"github.com/xenking/gatekeys/internal/storage/gateway"
	"github.com/xenking/gatekeys/internal/storage/postgres"
	"github.com/xenking/gatekeys/pkg/health"
	"github.com/xenking/gatekeys/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.Store.Mode),
		zap.Bool("gateway_enabled", cfg.Gateway.Enabled),
		zap.String("gateway_url", cfg.Gateway.BaseURL),
		zap.String("gateway_master_key", redact(cfg.Gateway.MasterKey)),
	)

	// PostgreSQL pool + migrations. The directory lives here in both modes.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	client, err := gateway.NewClient(gateway.Config{
		Enabled:   cfg.Gateway.Enabled,
		BaseURL:   cfg.Gateway.BaseURL,
		MasterKey: cfg.Gateway.MasterKey,
		Timeout:   cfg.Gateway.Timeout,
	}, m.TracerProvider(), m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create gateway client")
	}

	store, err := newStore(cfg, pool, client)
	if err != nil {
		return err
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	if cfg.Store.Mode == StoreProxy && cfg.Gateway.Enabled {
		// List operations degrade without the gateway, so it never blocks traffic.
		healthSvc.AddReadinessCheck("gateway", cfg.Gateway.Timeout, client.Health, health.NonCritical())
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	directory := postgres.NewDirectory(pool)
	svc := keys.NewService(store, keys.NewPolicy(keys.DefaultAuthorizer), client)
	h := handler.NewHandler(svc)
	securityHandler := handler.NewSecurityHandler(directory, directory, []byte(cfg.TokenPepper))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux, securityHandler)
	routeFinder := httpmiddleware.MakeRouteFinder(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Proxy calls may take the full gateway timeout.
		WriteTimeout:   cfg.Gateway.Timeout + 10*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization"},
				ExposeHeaders:    []string{httpmiddleware.RequestIDHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("gatekeys-api", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newStore returns the single key store for the configured mode.
func newStore(cfg *Config, pool *pgxpool.Pool, client *gateway.Client) (keys.Store, error) {
	switch cfg.Store.Mode {
	case StoreProxy:
		return gateway.NewStore(client), nil
	case StoreLocal:
		s, err := sealer.NewFromHex(cfg.Store.SealKey)
		if err != nil {
			return nil, errors.Wrap(err, "seal key")
		}
		return postgres.NewKeyStore(pool, s), nil
	default:
		return nil, errors.Errorf("unknown store mode %q", cfg.Store.Mode)
	}
}

// redact keeps only the ends of a credential for logging.
func redact(v string) string {
	if v == "" {
		return ""
	}
	if out, err := masker.Default.String("preserveEnds(2,2)", v); err == nil && out != v {
		return out
	}
	return strings.Repeat("*", len(v))
}
