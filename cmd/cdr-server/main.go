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

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cdr/cdr/internal/api"
	"github.com/cdr/cdr/internal/cache"
	"github.com/cdr/cdr/internal/config"
	"github.com/cdr/cdr/internal/discovery"
	"github.com/cdr/cdr/internal/fetch"
	"github.com/cdr/cdr/internal/gateway"
	"github.com/cdr/cdr/internal/heading"
	"github.com/cdr/cdr/internal/platform/db"
	"github.com/cdr/cdr/internal/platform/kvstore"
	"github.com/cdr/cdr/internal/platform/middleware"
	"github.com/cdr/cdr/internal/platform/token"
	"github.com/cdr/cdr/internal/session"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cdr-server",
		Short: "Clinical record aggregator",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(cacheCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregator API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

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
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile a batch of source-registry items into a destination registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _ := cmd.Flags().GetString("host")
			patientID, _ := cmd.Flags().GetString("patient")
			category, _ := cmd.Flags().GetString("category")
			file, _ := cmd.Flags().GetString("file")
			if host == "" || patientID == "" || category == "" || file == "" {
				return fmt.Errorf("--host, --patient, --category and --file are required")
			}

			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var items []discovery.SourceItem
			if err := json.Unmarshal(raw, &items); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := kvstore.NewPostgresStore(pool)
			tokens := token.NewService(cfg.TokenSecret, cfg.TokenTTL())
			gw := gateway.NewClient(cfg.DiscoveryURL, cfg.OpenEHRHosts, tokens, logger)
			reconciler := discovery.NewReconciler(gw, discovery.NewMappingStore(store), heading.NewIndex(store), logger)

			merged, err := reconciler.MergeAll(ctx, host, patientID, category, items)
			if err != nil {
				return err
			}
			fmt.Printf("Reconciled %d item(s); new merges: %v\n", len(items), merged)
			return nil
		},
	}
	cmd.Flags().String("host", "", "Destination registry host name")
	cmd.Flags().String("patient", "", "Patient id in the destination registry")
	cmd.Flags().String("category", "", "Heading category")
	cmd.Flags().String("file", "", "JSON file with the source items")
	return cmd
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the resource cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Invalidate patient bindings, associations and fetch markers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("parse redis url: %w", err)
			}
			rdb := redis.NewClient(opts)
			defer rdb.Close()

			c := cache.New(kvstore.NewPostgresStore(pool), cache.NewRedisMarkerStore(rdb))
			if err := c.InvalidateAll(ctx); err != nil {
				return err
			}
			fmt.Println("Cache invalidated. Resource payloads are retained; bindings will be refetched.")
			return nil
		},
	})

	return cmd
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis url")
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	logger.Info().Msg("connected to redis")

	// Collaborators
	store := kvstore.NewPostgresStore(pool)
	markers := cache.NewRedisMarkerStore(rdb)
	resourceCache := cache.New(store, markers)
	tokens := token.NewService(cfg.TokenSecret, cfg.TokenTTL())
	gw := gateway.NewClient(cfg.DiscoveryURL, cfg.OpenEHRHosts, tokens, logger)
	sessions := session.NewPool(rdb, gw, cfg.SessionTTL(), logger)
	coordinator := fetch.NewCoordinator(gw, resourceCache, logger)
	headings := heading.NewIndex(store)
	reconciler := discovery.NewReconciler(gw, discovery.NewMappingStore(store), headings, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	apiV1 := e.Group("/api/v1")
	handler := api.NewHandler(coordinator, resourceCache, reconciler, headings, sessions, gw, logger)
	handler.RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
