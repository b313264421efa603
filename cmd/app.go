package cmd

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/config"
	"github.com/ekaya-inc/ekaya-builder/pkg/database"
	"github.com/ekaya-inc/ekaya-builder/pkg/logging"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
	"github.com/ekaya-inc/ekaya-builder/pkg/repositories"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox/daytona"
	"github.com/ekaya-inc/ekaya-builder/pkg/sandbox/e2b"
	"github.com/ekaya-inc/ekaya-builder/pkg/services"
	"github.com/ekaya-inc/ekaya-builder/pkg/templates"
	"github.com/ekaya-inc/ekaya-builder/pkg/validation"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *database.DB
	redis  *redis.Client

	registry  *sandbox.Registry
	projects  services.ProjectService
	selector  services.ProviderSelector
	sandboxes services.SandboxService
	fragments services.FragmentService
	edits     services.VisualEditService
	deploys   services.DeployService
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadFile(configPath, rootCmd.Version)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func databaseConfig(cfg *config.Config) *database.Config {
	return &database.Config{
		URL:              cfg.Database.ConnectionString(),
		MaxConnections:   cfg.Database.MaxConnections,
		ApplicationName:  "ekaya-builder/" + cfg.Version,
		StatementTimeout: cfg.Database.StatementTimeout,
	}
}

// newRegistry configures a client for every provider that has credentials.
func newRegistry(cfg *config.Config, logger *zap.Logger) (*sandbox.Registry, error) {
	deploy := sandbox.DeployConfig{
		Domain:       cfg.Deploy.Domain,
		BuildCommand: cfg.Deploy.BuildCommand,
		Timeout:      cfg.Deploy.Timeout,
	}

	var providers []sandbox.Provider
	if cfg.E2B.APIKey != "" {
		providers = append(providers, e2b.New(e2b.Config{
			APIKey:         cfg.E2B.APIKey,
			APIURL:         cfg.E2B.APIURL,
			Domain:         cfg.E2B.Domain,
			WorkDir:        cfg.E2B.WorkDir,
			SandboxTimeout: cfg.E2B.SandboxTimeout,
			Deploy:         deploy,
		}, logger))
	}
	if cfg.Daytona.APIKey != "" {
		providers = append(providers, daytona.New(daytona.Config{
			APIKey:          cfg.Daytona.APIKey,
			APIURL:          cfg.Daytona.APIURL,
			Target:          cfg.Daytona.Target,
			WorkDir:         cfg.Daytona.WorkDir,
			AutoStopMinutes: cfg.Daytona.AutoStopMinutes,
			GitBranch:       cfg.Daytona.GitBranch,
			Deploy:          deploy,
		}, logger))
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no sandbox provider configured: set E2B_API_KEY or DAYTONA_API_KEY")
	}

	registry := sandbox.NewRegistry(providers...)
	if _, err := registry.Get(models.SandboxProvider(cfg.Sandbox.DefaultProvider)); err != nil {
		return nil, fmt.Errorf("default provider: %w", err)
	}
	return registry, nil
}

func loadCatalog(cfg *config.Config) (*templates.Catalog, error) {
	if cfg.Sandbox.TemplatesFile != "" {
		return templates.LoadFile(cfg.Sandbox.TemplatesFile)
	}
	return templates.Default()
}

// newApp connects to PostgreSQL and Redis and wires the services.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	registry, err := newRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	if _, err := catalog.Get(cfg.Sandbox.DefaultTemplate); err != nil {
		return nil, fmt.Errorf("default template: %w", err)
	}

	db, err := database.NewConnection(ctx, databaseConfig(cfg))
	if err != nil {
		return nil, err
	}

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}
	var lease services.CreationLease
	if redisClient != nil {
		lease = services.NewCreationLease(redisClient, cfg.Sandbox.LeaseTTL)
	} else {
		logger.Info("Redis not configured, creation lease disabled")
	}

	projectRepo := repositories.NewProjectRepository()
	fragmentRepo := repositories.NewFragmentRepository()
	gitFragmentRepo := repositories.NewGitFragmentRepository()
	editRepo := repositories.NewComponentEditRepository()

	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		redis:    redisClient,
		registry: registry,
	}
	a.projects = services.NewProjectService(projectRepo, logger)
	a.selector = services.NewProviderSelector(projectRepo, registry, models.SandboxProvider(cfg.Sandbox.DefaultProvider), logger)
	a.sandboxes = services.NewSandboxService(projectRepo, fragmentRepo, a.selector, catalog, lease, cfg.Sandbox, logger)
	a.fragments = services.NewFragmentService(projectRepo, fragmentRepo, gitFragmentRepo, a.sandboxes, a.selector, cfg.Edits.FileParallelism, logger)
	a.edits = services.NewVisualEditService(projectRepo, fragmentRepo, editRepo, a.sandboxes, a.selector, a.fragments, validation.Structural{}, cfg.Edits, logger)
	a.deploys = services.NewDeployService(projectRepo, a.sandboxes, a.selector, logger)

	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	a.db.Close()
	_ = a.logger.Sync()
}
