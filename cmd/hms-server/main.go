package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hms/hms/internal/config"
	"github.com/hms/hms/internal/domain/encounter"
	"github.com/hms/hms/internal/domain/identity"
	"github.com/hms/hms/internal/domain/payment"
	"github.com/hms/hms/internal/domain/scheduling"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/gateway"
	"github.com/hms/hms/internal/platform/middleware"
	"github.com/hms/hms/migrations"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hms-server",
		Short: "Hospital payment and reconciliation server",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(reconcileCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the reconciliation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}

// connect loads config and opens the pool for the one-shot CLI commands.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidTenantID(name) {
				return fmt.Errorf("invalid tenant identifier: %s", name)
			}

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaFor(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	cmd.AddCommand(createCmd)

	return cmd
}

// reconcileCmd runs one reconciliation pass outside the server, for
// operators catching up after an outage.
func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass for a tenant and print the batch result",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			withDrift, _ := cmd.Flags().GetBool("drift")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := cfg.Validate(); err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			logger := newLogger(cfg.Env)
			store := payment.NewInMemoryOutcomeStore(cfg.DedupTTL)
			defer store.Stop()
			app := newApp(cfg, pool, store, logger)

			ctx = auth.WithIdentity(ctx, "cli", auth.RoleBilling)
			results := make([]payment.BatchResult, 0, 2)
			res, err := app.scheduler.RunTenant(ctx, tenant, app.poller)
			if err != nil {
				return err
			}
			results = append(results, res)
			if withDrift {
				res, err := app.scheduler.RunTenant(ctx, tenant, app.drift)
				if err != nil {
					return err
				}
				results = append(results, res)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
	cmd.Flags().String("tenant", "", "Tenant to reconcile (defaults to DEFAULT_TENANT)")
	cmd.Flags().Bool("drift", false, "Also import intents missing from the local ledger")
	return cmd
}

// newOutcomeStore picks the shared Redis store when REDIS_URL is set so
// replicas deduplicate against each other; otherwise checkouts are
// deduplicated per process.
func newOutcomeStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (payment.OutcomeStore, func(), error) {
	if cfg.RedisURL == "" {
		store := payment.NewInMemoryOutcomeStore(cfg.DedupTTL)
		return store, store.Stop, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return payment.NewRedisOutcomeStore(client, cfg.DedupTTL, logger), func() { client.Close() }, nil
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		BaseURL:     cfg.GatewayBaseURL,
		ClientID:    cfg.GatewayClientID,
		APIKey:      cfg.GatewayAPIKey,
		ChecksumKey: cfg.GatewayChecksumKey,
		Timeout:     cfg.GatewayTimeout,
	}
}

// app holds the wired services shared by the HTTP server and the CLI.
type app struct {
	identity  *identity.Service
	encounter *encounter.Service
	booking   *scheduling.Service
	payments  *payment.Service
	poller    *payment.Poller
	drift     *payment.DriftImporter
	scheduler *payment.Scheduler
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, store payment.OutcomeStore, logger zerolog.Logger) *app {
	a := &app{
		identity:  identity.NewService(identity.NewPatientRepo(pool), logger),
		encounter: encounter.NewService(encounter.NewRepo(pool)),
		booking:   scheduling.NewService(scheduling.NewAppointmentRepo(pool)),
	}
	gw := gateway.NewClient(gatewayConfig(cfg), gateway.WithLogger(logger))
	repo := payment.NewRepo(pool)
	backfill := payment.NewBackfillResolver(repo, a.encounter, a.booking, logger)

	a.payments = payment.NewService(
		repo,
		gw,
		payment.NewOrderCodeAllocator(repo, gw, cfg.OrderCodeMaxAttempts, logger),
		payment.NewDeduplicator(store, cfg.DedupTTL, checkoutWorkTimeout(cfg)),
		a.identity,
		payment.CheckoutConfig{
			ReturnURL:        cfg.CheckoutReturnURL,
			CancelURL:        cfg.CheckoutCancelURL,
			DescriptionLimit: cfg.GatewayDescriptionLimit,
		},
		logger,
	).UseTenantPool(pool)
	a.poller = payment.NewPoller(repo, gw, backfill, payment.PollerConfig{
		Window:   cfg.ReconcileWindow,
		PageSize: cfg.ReconcilePageSize,
		Pacing:   cfg.ReconcilePacing,
		Budget:   cfg.ReconcileTickBudget,
	}, logger)
	a.drift = payment.NewDriftImporter(repo, gw, backfill, payment.DriftConfig{
		Window:      cfg.ReconcileWindow,
		PageSize:    cfg.DriftPageSize,
		MaxPages:    cfg.DriftMaxPages,
		Probability: cfg.DriftProbability,
		Budget:      cfg.DriftTickBudget,
	}, logger)
	a.scheduler = payment.NewScheduler(pool, a.poller, a.drift, payment.SchedulerConfig{
		Tenants:           cfg.ReconcileTenants,
		ReconcileInterval: cfg.ReconcileInterval,
		DriftInterval:     cfg.DriftInterval,
	}, logger)
	return a
}

// checkoutWorkTimeout bounds one shared checkout: every allocation attempt
// may probe the gateway, then the intent is created.
func checkoutWorkTimeout(cfg *config.Config) time.Duration {
	return cfg.GatewayTimeout * time.Duration(cfg.OrderCodeMaxAttempts+1)
}

// newRouter builds the echo instance. Health endpoints sit outside the auth
// and tenant middleware; everything else lives under /api/v1.
func newRouter(cfg *config.Config, pool *pgxpool.Pool, a *app, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(middleware.BodyLimit("64K"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	var authn echo.MiddlewareFunc
	if cfg.IsDev() {
		authn = auth.DevAuthMiddleware()
	} else {
		authn = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		})
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	chain := []echo.MiddlewareFunc{
		middleware.Audit(logger),
		middleware.RateLimit(rateLimitCfg),
		authn,
		db.TenantMiddleware(pool, cfg.DefaultTenant),
	}
	if cfg.RequestTimeout > 0 {
		chain = append(chain, middleware.RequestTimeout(cfg.RequestTimeout))
	}
	apiV1 := e.Group("/api/v1", chain...)

	identity.NewHandler(a.identity).RegisterRoutes(apiV1)
	encounter.NewHandler(a.encounter).RegisterRoutes(apiV1)
	scheduling.NewHandler(a.booking).RegisterRoutes(apiV1)
	payment.NewHandler(a.payments, a.poller, a.drift).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	store, closeStore, err := newOutcomeStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up checkout dedup store")
	}
	defer closeStore()

	a := newApp(cfg, pool, store, logger)
	e := newRouter(cfg, pool, a, logger)

	schedCtx, stopScheduler := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	if cfg.ReconcileEnabled {
		go func() {
			defer close(schedDone)
			a.scheduler.Run(schedCtx)
		}()
	} else {
		close(schedDone)
		logger.Warn().Msg("reconciliation scheduler disabled")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopScheduler()
	<-schedDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
