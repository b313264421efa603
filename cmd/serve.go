package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/config"
	"github.com/ekaya-inc/ekaya-builder/pkg/database"
	"github.com/ekaya-inc/ekaya-builder/pkg/handlers"
	"github.com/ekaya-inc/ekaya-builder/pkg/logging"
	"github.com/ekaya-inc/ekaya-builder/pkg/middleware"
)

const shutdownTimeout = 30 * time.Second

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations at startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.String("redis", cfg.Redis.Host),
		zap.String("default_provider", cfg.Sandbox.DefaultProvider))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !skipMigrations {
		if err := migrate(cfg, logger); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	mux := http.NewServeMux()
	tenant := handlers.TenantMiddleware(database.WithTenantContext(a.db, logger))
	unscoped := handlers.TenantMiddleware(database.WithoutTenantContext(a.db, logger))

	handlers.NewHealthHandler(cfg, a.registry.Names(), a.db, logger).RegisterRoutes(mux)
	handlers.NewProjectsHandler(a.projects, logger).RegisterRoutes(mux, unscoped, tenant)
	handlers.NewSandboxHandler(a.sandboxes, a.selector, a.deploys, logger).RegisterRoutes(mux, tenant)
	handlers.NewFragmentsHandler(a.fragments, a.projects, logger).RegisterRoutes(mux, tenant)
	handlers.NewEditsHandler(a.edits, logger).RegisterRoutes(mux, tenant)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-builder",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version),
			zap.Any("providers", a.registry.Names()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// migrate applies the embedded migrations over a database/sql handle, which
// golang-migrate requires. The handle is closed by the migrator.
func migrate(cfg *config.Config, logger *zap.Logger) error {
	db, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	if err := database.RunMigrations(db, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
