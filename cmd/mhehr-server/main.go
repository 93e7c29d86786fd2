package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/mhehr/internal/config"
	"github.com/ehr/mhehr/internal/domain/compensation"
	"github.com/ehr/mhehr/internal/domain/compliance"
	"github.com/ehr/mhehr/internal/domain/sessions"
	"github.com/ehr/mhehr/internal/domain/staff"
	"github.com/ehr/mhehr/internal/platform/auth"
	"github.com/ehr/mhehr/internal/platform/blobstore"
	"github.com/ehr/mhehr/internal/platform/cache"
	"github.com/ehr/mhehr/internal/platform/db"
	"github.com/ehr/mhehr/internal/platform/middleware"
	"github.com/ehr/mhehr/internal/platform/notification"
	"github.com/ehr/mhehr/internal/platform/reporting"
	"github.com/ehr/mhehr/internal/platform/telemetry"
	"github.com/ehr/mhehr/internal/platform/validate"
	"github.com/ehr/mhehr/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mhehr-server",
		Short: "Practice payroll and note compliance API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(payrollCmd())
	rootCmd.AddCommand(notesCmd())
	return rootCmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// connect loads configuration and opens the database pool.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the note deadline enforcer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationFiles returns dir from disk when set, else the embedded schema.
func migrationFiles(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
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
			dir, _ := cmd.Flags().GetString("dir")
			all, _ := cmd.Flags().GetBool("all-tenants")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schemas := []string{schema}
			if schema == "" {
				schemas = []string{db.SchemaName(cfg.DefaultTenant)}
			}
			if all {
				tenants, err := db.ListTenants(ctx, pool)
				if err != nil {
					return err
				}
				schemas = schemas[:0]
				for _, t := range tenants {
					schemas = append(schemas, db.SchemaName(t))
				}
			}

			migrator := db.NewMigrator(pool, migrationFiles(dir))
			for _, s := range schemas {
				fmt.Printf("Running migrations on schema: %s\n", s)
				count, err := migrator.Up(ctx, s)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) to %s.\n", count, s)
			}
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to the default tenant's schema)")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	upCmd.Flags().Bool("all-tenants", false, "Migrate every provisioned tenant schema")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if schema == "" {
				schema = db.SchemaName(cfg.DefaultTenant)
			}

			statuses, err := db.NewMigrator(pool, migrationFiles(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("Migration status for schema: %s\n", schema)
			for _, s := range statuses {
				state := "pending"
				if s.Applied && s.AppliedAt != nil {
					state = "applied " + s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("  %03d  %-40s %s\n", s.Version, s.Name, state)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to the default tenant's schema)")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")

	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a new tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, db.NewMigrator(pool, migrations.FS)); err != nil {
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

// parseDate reads a YYYY-MM-DD flag in loc, defaulting to now.
func parseDate(s string, loc *time.Location, now time.Time) (time.Time, error) {
	if s == "" {
		return now.In(loc), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
	}
	return t, nil
}

// runForTenant builds the application and runs fn against one tenant schema.
func runForTenant(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	tenant, _ := cmd.Flags().GetString("tenant")

	ctx := context.Background()
	cfg, pool, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}

	a, err := buildApp(ctx, cfg, pool, newLogger(cfg.Env), nil)
	if err != nil {
		return err
	}
	return db.WithTenant(ctx, pool, tenant, func(ctx context.Context) error {
		return fn(ctx, a)
	})
}

func payrollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payroll",
		Short: "Calculate and export provider pay",
	}

	calculateCmd := &cobra.Command{
		Use:   "calculate",
		Short: "Calculate draft payments for every active provider in a pay period",
		RunE: func(cmd *cobra.Command, args []string) error {
			date, _ := cmd.Flags().GetString("date")
			return runForTenant(cmd, func(ctx context.Context, a *app) error {
				at, err := parseDate(date, a.loc, time.Now())
				if err != nil {
					return err
				}
				res, err := a.compensation.CalculatePeriod(ctx, at)
				if err != nil {
					return err
				}
				fmt.Printf("Pay period %s: %d calculation(s), %d failure(s)\n",
					res.PayPeriod, len(res.Calculations), len(res.Failures))
				for _, c := range res.Calculations {
					fmt.Printf("  %s  %-13s %10.2f  withheld=%d\n", c.ProviderID, c.CompensationType, c.TotalAmount, c.WithheldCount)
				}
				for _, f := range res.Failures {
					fmt.Printf("  %s  FAILED: %s\n", f.ProviderID, f.Error)
				}
				return nil
			})
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the non-void calculations of a pay period as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			date, _ := cmd.Flags().GetString("date")
			return runForTenant(cmd, func(ctx context.Context, a *app) error {
				if a.cfg.ExportBucket == "" {
					fmt.Println("WARNING: EXPORT_BUCKET is not set; the export is kept in memory and discarded on exit.")
				}
				at, err := parseDate(date, a.loc, time.Now())
				if err != nil {
					return err
				}
				exp, err := a.compensation.ExportPeriod(ctx, at, "cli")
				if err != nil {
					return err
				}
				fmt.Printf("Exported %d calculation(s) totalling %.2f as %s (id %s, sha256 %s)\n",
					exp.CalculationCount, exp.TotalAmount, exp.FileName, exp.ID, exp.Hash)
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{calculateCmd, exportCmd} {
		c.Flags().String("date", "", "Any date in the pay period, YYYY-MM-DD (defaults to today)")
		c.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	}
	cmd.AddCommand(calculateCmd, exportCmd)
	return cmd
}

func notesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "Progress note deadline tooling",
	}

	enforceCmd := &cobra.Command{
		Use:   "enforce",
		Short: "Lock expired notes and send deadline reminders for every tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg.Env)
			a, err := buildApp(ctx, cfg, pool, logger, nil)
			if err != nil {
				return err
			}
			sum, err := a.enforcer.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Tenants: %d  locked: %d  reminders: %d  failures: %d\n",
				sum.Tenants, sum.Locked, sum.Reminders, sum.Failures)
			if sum.Failures > 0 {
				return fmt.Errorf("%d tenant step(s) failed", sum.Failures)
			}
			return nil
		},
	}

	cmd.AddCommand(enforceCmd)
	return cmd
}

// app holds the wired services shared by the server and the CLI commands.
type app struct {
	cfg     *config.Config
	loc     *time.Location
	metrics *telemetry.Provider

	staff        *staff.Service
	sessions     *sessions.Service
	compensation *compensation.Service
	compliance   *compliance.Service
	enforcer     *sessions.Enforcer
	pool         *pgxpool.Pool
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	if cfg.ExportBucket == "" {
		return blobstore.NewInMemoryBlobStore(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return blobstore.NewS3BlobStore(s3.NewFromConfig(awsCfg), cfg.ExportBucket, "payroll-exports"), nil
}

func newEmailSender(cfg *config.Config, logger zerolog.Logger) notification.EmailSender {
	if cfg.SendGridAPIKey == "" {
		return notification.NewLogSender(logger)
	}
	return notification.NewSendGridSender(notification.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.MailFrom,
		FromName:  cfg.MailFromName,
	})
}

func newReportCache(cfg *config.Config, observer cache.LookupObserver, logger zerolog.Logger) (*cache.ReportCache, error) {
	if cfg.RedisURL == "" {
		return cache.New(nil, cfg.ReportCacheTTL, observer, logger), nil
	}
	client, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return cache.New(client, cfg.ReportCacheTTL, observer, logger), nil
}

// tenantRunner visits every provisioned tenant on its own schema-bound connection.
func tenantRunner(pool *pgxpool.Pool) sessions.TenantRunner {
	return func(ctx context.Context, fn func(ctx context.Context, tenant string) error) error {
		tenants, err := db.ListTenants(ctx, pool)
		if err != nil {
			return err
		}
		var errs []error
		for _, t := range tenants {
			tenant := t
			if err := db.WithTenant(ctx, pool, tenant, func(ctx context.Context) error {
				return fn(ctx, tenant)
			}); err != nil {
				errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
			}
		}
		return errors.Join(errs...)
	}
}

// buildApp wires repositories and services. A nil reg uses a private registry.
func buildApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger, reg *prometheus.Registry) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	metrics := telemetry.NewProvider(reg)

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	reports, err := newReportCache(cfg, metrics, logger)
	if err != nil {
		return nil, err
	}
	notifier := notification.NewNotifier(newEmailSender(cfg, logger), notification.NewTemplateEngine(),
		notification.WithRetry(3, 2*time.Second))

	sessionRepo := sessions.NewSessionRepoPG(pool)
	ledger := sessions.NewLedger(sessionRepo)

	compSvc := compensation.NewService(
		compensation.NewConfigRepoPG(pool),
		compensation.NewTimeEntryRepoPG(pool),
		compensation.NewCalculationRepoPG(pool),
		compensation.NewExportRepoPG(pool),
		ledger, blobs, loc,
	)
	compSvc.SetTxRunner(db.RunInTx)
	compSvc.SetMetrics(metrics)
	compSvc.SetLogger(logger.With().Str("component", "compensation").Logger())

	staffSvc := staff.NewService(staff.NewStaffRepoPG(pool), compSvc)
	staffSvc.SetTxRunner(db.RunInTx)
	staffSvc.SetLogger(logger.With().Str("component", "staff").Logger())

	sessionSvc := sessions.NewService(sessionRepo, staffSvc, sessions.Options{
		Location:          loc,
		GracePeriod:       cfg.NoteGracePeriod(),
		OverrideExtension: cfg.OverrideExtension(),
		ReminderWindow:    cfg.ReminderWindow(),
	})
	sessionSvc.SetNotifier(notifier)
	sessionSvc.SetCache(reports)
	sessionSvc.SetMetrics(metrics)
	sessionSvc.SetLogger(logger.With().Str("component", "sessions").Logger())
	ledger.OnChange(sessionSvc.Invalidate)

	complianceSvc := compliance.NewService(sessionRepo, staffSvc, compSvc, reports, loc)
	complianceSvc.SetLogger(logger.With().Str("component", "compliance").Logger())

	enforcer := sessions.NewEnforcer(sessionSvc, tenantRunner(pool), cfg.EnforceInterval,
		logger.With().Str("component", "enforcer").Logger())

	return &app{
		cfg:          cfg,
		loc:          loc,
		metrics:      metrics,
		staff:        staffSvc,
		sessions:     sessionSvc,
		compensation: compSvc,
		compliance:   complianceSvc,
		enforcer:     enforcer,
		pool:         pool,
	}, nil
}

// newRouter builds the echo server with global middleware and every domain's routes.
func newRouter(a *app, logger zerolog.Logger) *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-Staff-ID"},
	}))
	e.Use(telemetry.TracingMiddleware())
	if cfg.MetricsEnabled {
		e.Use(a.metrics.MetricsMiddleware())
		e.GET("/metrics", a.metrics.Handler())
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/api/v1/payroll/exports"))

	e.GET("/health", db.HealthHandler(a.pool))

	jwtAuth := auth.JWTMiddleware(auth.JWTConfig{Issuer: cfg.JWTIssuer, SigningKey: []byte(cfg.JWTSigningKey)})
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(cfg.DefaultTenant))
		if cfg.JWTSigningKey != "" {
			e.Use(jwtAuth)
		}
	} else {
		e.Use(jwtAuth)
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(db.TenantMiddleware(a.pool, cfg.DefaultTenant))
	apiV1.Use(middleware.Audit(logger))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	staff.NewHandler(a.staff, a.loc).RegisterRoutes(apiV1)
	sessions.NewHandler(a.sessions).RegisterRoutes(apiV1)
	compensation.NewHandler(a.compensation).RegisterRoutes(apiV1)
	compliance.NewHandler(a.compliance).RegisterRoutes(apiV1)
	reporting.NewHandler(a.pool, a.loc).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a, err := buildApp(ctx, cfg, pool, logger, reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise services")
	}
	e := newRouter(a, logger)

	enforceCtx, stopEnforcer := context.WithCancel(ctx)
	defer stopEnforcer()
	a.enforcer.Start(enforceCtx)
	logger.Info().Dur("interval", cfg.EnforceInterval).Msg("note deadline enforcer started")

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	a.enforcer.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
