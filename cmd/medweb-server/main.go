package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medweb/medweb/internal/config"
	"github.com/medweb/medweb/internal/domain/feedback"
	"github.com/medweb/medweb/internal/domain/scheduling"
	"github.com/medweb/medweb/internal/platform/auth"
	"github.com/medweb/medweb/internal/platform/db"
	"github.com/medweb/medweb/internal/platform/metrics"
	"github.com/medweb/medweb/internal/platform/middleware"
	"github.com/medweb/medweb/internal/platform/sandbox"
	"github.com/medweb/medweb/internal/platform/websocket"
)

// availabilityCacheTTL bounds staleness when several server processes share
// one database and only see their own window edits.
const availabilityCacheTTL = 5 * time.Minute

func main() {
	rootCmd := &cobra.Command{
		Use:   "medweb-server",
		Short: "MedWeb appointment scheduling API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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

// openPool loads configuration and connects. Callers close the pool.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// migrationTarget resolves the --schema and --dir flags, falling back to
// DB_SCHEMA and MIGRATIONS_DIR.
func migrationTarget(cmd *cobra.Command, cfg *config.Config) (schema, dir string) {
	schema, _ = cmd.Flags().GetString("schema")
	dir, _ = cmd.Flags().GetString("dir")
	if schema == "" {
		schema = cfg.DBSchema
	}
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	return schema, dir
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
			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema, dir := migrationTarget(cmd, cfg)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := db.NewMigrator(pool, dir, schema).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema, dir := migrationTarget(cmd, cfg)
			statuses, err := db.NewMigrator(pool, dir, schema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// seedConfigFromFlags reads the seed command's flags.
func seedConfigFromFlags(cmd *cobra.Command) (sandbox.SeedConfig, error) {
	sc := sandbox.DefaultSeedConfig()
	doctors, _ := cmd.Flags().GetInt("doctors")
	seed, _ := cmd.Flags().GetInt64("seed")
	noDemo, _ := cmd.Flags().GetBool("no-demo")
	if doctors < 0 || doctors > 100 {
		return sc, fmt.Errorf("--doctors must be between 0 and 100, got %d", doctors)
	}
	sc.DoctorCount = doctors
	sc.Seed = seed
	sc.IncludeDemoDoctor = !noDemo
	return sc, nil
}

func seedCmd() *cobra.Command {
	defaults := sandbox.DefaultSeedConfig()
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo doctors with weekly availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := seedConfigFromFlags(cmd)
			if err != nil {
				return err
			}

			if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
				return sandbox.ExportNDJSON(cmd.OutOrStdout(), sandbox.Plan(sc))
			}

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			seeder := sandbox.NewSeeder(
				scheduling.NewDoctorRepoPG(pool),
				scheduling.NewWindowRepoPG(pool),
				scheduling.NewTransactorPG(pool),
				newLogger(cfg.Env),
			)
			result, err := seeder.Seed(ctx, sc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d doctor(s), %d window(s); skipped %d existing in %s.\n",
				result.Doctors, result.Windows, result.Skipped, result.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().Int("doctors", defaults.DoctorCount, "Number of generated doctors")
	cmd.Flags().Int64("seed", defaults.Seed, "Random seed for generated data")
	cmd.Flags().Bool("no-demo", false, "Skip the fixed demo doctor")
	cmd.Flags().Bool("dry-run", false, "Print the plan as NDJSON without touching the database")
	return cmd
}

// devActor is the identity injected for unauthenticated requests in development.
func devActor(cfg *config.Config) (auth.Actor, error) {
	id, err := uuid.Parse(cfg.DevUserID)
	if err != nil {
		return auth.Actor{}, fmt.Errorf("DEV_USER_ID %q: %w", cfg.DevUserID, err)
	}
	role := strings.ToLower(strings.TrimSpace(cfg.DevUserRole))
	return auth.Actor{ID: id, Name: "Dev " + role, Roles: []string{role}}, nil
}

func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if !cfg.IsDev() {
		return auth.JWTMiddleware(jwtCfg), nil
	}
	dev, err := devActor(cfg)
	if err != nil {
		return nil, err
	}
	return auth.DevAuthMiddleware(dev, jwtCfg), nil
}

// server holds what newServer needs beyond configuration.
type server struct {
	logger    zerolog.Logger
	collector *metrics.Collector
	dbHealth  echo.HandlerFunc
	// register mounts domain routes on /api/v1.
	register func(api *echo.Group)
}

func newServer(cfg *config.Config, s server) (*echo.Echo, error) {
	authMW, err := authMiddleware(cfg)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(s.collector.Middleware())
	e.Use(authMW)
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		Skip: func(c echo.Context) bool {
			return auth.IsPublicPath(c.Path())
		},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", s.dbHealth)
	e.GET("/metrics", echo.WrapHandler(s.collector.Handler()))

	apiV1 := e.Group("/api/v1")
	if s.register != nil {
		s.register(apiV1)
	}
	return e, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid clinic timezone")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	poolStats := func() *db.PoolStats { return db.GetPoolStats(pool) }
	collector := metrics.New()
	collector.RegisterPoolStats(poolStats)

	hub := websocket.NewHub(logger)

	doctors := scheduling.NewDoctorRepoPG(pool)
	windows := scheduling.NewWindowRepoPG(pool)
	appts := scheduling.NewAppointmentRepoPG(pool)
	tx := scheduling.NewTransactorPG(pool)

	sched := scheduling.NewScheduler(doctors, windows, appts, tx, scheduling.Options{
		Location:    loc,
		SlotStep:    cfg.SlotDuration(),
		HorizonDays: cfg.BookingHorizonDays,
		IndexTTL:    availabilityCacheTTL,
		Logger:      logger,
		Events:      hub,
		Metrics:     collector,
	})
	schedSvc := scheduling.NewService(doctors, windows, appts, tx, sched)
	feedbackSvc := feedback.NewService(feedback.NewRepoPG(pool))

	e, err := newServer(cfg, server{
		logger:    logger,
		collector: collector,
		dbHealth:  db.HealthHandler(pool, poolStats),
		register: func(api *echo.Group) {
			scheduling.NewHandler(schedSvc, sched, logger).RegisterRoutes(api)
			feedback.NewHandler(feedbackSvc, logger).RegisterRoutes(api)
			websocket.NewHandler(hub, logger, cfg.CORSOrigins).RegisterRoutes(api)

			if cfg.IsDev() {
				seeder := sandbox.NewSeeder(doctors, windows, tx, logger)
				sandbox.NewSeedHandler(seeder).RegisterRoutes(api.Group("/sandbox"), auth.RequireRole(auth.RoleAdmin))
				logger.Info().Msg("sandbox seeding routes enabled")
			}
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("timezone", loc.String()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
