package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Provider names accepted in configuration. They mirror models.SandboxProvider
// without importing it so config stays a leaf package.
const (
	ProviderE2B     = "e2b"
	ProviderDaytona = "daytona"
)

// Config holds all configuration for ekaya-builder.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, API keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis is optional. When Host is empty the creation lease is disabled
	// and only the database claim guards concurrent sandbox creation.
	Redis RedisConfig `yaml:"redis"`

	Sandbox SandboxConfig `yaml:"sandbox"`
	E2B     E2BConfig     `yaml:"e2b"`
	Daytona DaytonaConfig `yaml:"daytona"`
	Edits   EditsConfig   `yaml:"edits"`
	Deploy  DeployConfig  `yaml:"deploy"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host             string        `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port             int           `yaml:"port" env:"PGPORT" env-default:"5432"`
	User             string        `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password         string        `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database         string        `yaml:"database" env:"PGDATABASE" env-default:"ekaya_builder"`
	MaxConnections   int32         `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode          string        `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	StatementTimeout time.Duration `yaml:"statement_timeout" env:"PGSTATEMENT_TIMEOUT" env-default:"30s"` // 0 disables
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// SandboxConfig controls the sandbox lifecycle orchestrator.
type SandboxConfig struct {
	// DefaultProvider is bound to projects that have no provider yet.
	DefaultProvider string `yaml:"default_provider" env:"SANDBOX_DEFAULT_PROVIDER" env-default:"e2b"`
	// DefaultTemplate is used when a project has no active fragment.
	DefaultTemplate string `yaml:"default_template" env:"SANDBOX_DEFAULT_TEMPLATE" env-default:"blank"`
	// TemplatesFile points at a TOML template catalog. Empty uses the built-in catalog.
	TemplatesFile string `yaml:"templates_file" env:"SANDBOX_TEMPLATES_FILE" env-default:""`

	ProbeTimeout   time.Duration `yaml:"probe_timeout" env:"SANDBOX_PROBE_TIMEOUT" env-default:"10s"`
	CreateTimeout  time.Duration `yaml:"create_timeout" env:"SANDBOX_CREATE_TIMEOUT" env-default:"120s"`
	ClaimTxTimeout time.Duration `yaml:"claim_tx_timeout" env:"SANDBOX_CLAIM_TX_TIMEOUT" env-default:"5s"`
	CleanupTimeout time.Duration `yaml:"cleanup_timeout" env:"SANDBOX_CLEANUP_TIMEOUT" env-default:"15s"`

	// LeaseTTL bounds how long a creation lease is held in Redis.
	LeaseTTL time.Duration `yaml:"lease_ttl" env:"SANDBOX_LEASE_TTL" env-default:"150s"`
	// LeaseWait is how long a request waits for another instance's creation to land.
	LeaseWait time.Duration `yaml:"lease_wait" env:"SANDBOX_LEASE_WAIT" env-default:"30s"`
}

// E2BConfig configures the ephemeral, URL-addressable provider.
type E2BConfig struct {
	APIKey         string        `yaml:"-" env:"E2B_API_KEY"` // Secret - not in YAML
	APIURL         string        `yaml:"api_url" env:"E2B_API_URL" env-default:"https://api.e2b.dev"`
	Domain         string        `yaml:"domain" env:"E2B_DOMAIN" env-default:"e2b.app"`
	WorkDir        string        `yaml:"work_dir" env:"E2B_WORK_DIR" env-default:"/home/user/app"`
	SandboxTimeout time.Duration `yaml:"sandbox_timeout" env:"E2B_SANDBOX_TIMEOUT" env-default:"1h"`
}

// DaytonaConfig configures the persistent, git-capable provider.
type DaytonaConfig struct {
	APIKey          string `yaml:"-" env:"DAYTONA_API_KEY"` // Secret - not in YAML
	APIURL          string `yaml:"api_url" env:"DAYTONA_API_URL" env-default:"https://app.daytona.io/api"`
	Target          string `yaml:"target" env:"DAYTONA_TARGET" env-default:"us"`
	WorkDir         string `yaml:"work_dir" env:"DAYTONA_WORK_DIR" env-default:"/home/daytona/app"`
	AutoStopMinutes int    `yaml:"auto_stop_minutes" env:"DAYTONA_AUTO_STOP_MINUTES" env-default:"30"`
	GitBranch       string `yaml:"git_branch" env:"DAYTONA_GIT_BRANCH" env-default:"main"`
}

// EditsConfig controls the visual edit engine.
type EditsConfig struct {
	// ContextLines is the number of lines kept on each side of an edit's line
	// in before/after snapshots.
	ContextLines int `yaml:"context_lines" env:"EDITS_CONTEXT_LINES" env-default:"10"`
	// VerifyWrites re-reads a file after writing it and logs mismatches.
	VerifyWrites bool `yaml:"verify_writes" env:"EDITS_VERIFY_WRITES" env-default:"true"`
	// FileParallelism bounds concurrent per-file work in batch edits and fragment restores.
	FileParallelism int `yaml:"file_parallelism" env:"EDITS_FILE_PARALLELISM" env-default:"4"`
}

// DeployConfig controls deployments run from a sandbox.
type DeployConfig struct {
	Domain       string        `yaml:"domain" env:"DEPLOY_DOMAIN" env-default:"apps.ekaya.dev"`
	BuildCommand string        `yaml:"build_command" env:"DEPLOY_BUILD_COMMAND" env-default:"npm run build"`
	Timeout      time.Duration `yaml:"timeout" env:"DEPLOY_TIMEOUT" env-default:"5m"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFile("config.yaml", version)
}

// LoadFile is Load with an explicit path.
func LoadFile(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// validate checks cross-field constraints that struct tags cannot express.
func (c *Config) validate() error {
	switch c.Sandbox.DefaultProvider {
	case ProviderE2B, ProviderDaytona:
	default:
		return fmt.Errorf("unknown sandbox.default_provider %q", c.Sandbox.DefaultProvider)
	}

	if c.Sandbox.ProbeTimeout <= 0 || c.Sandbox.CreateTimeout <= 0 || c.Sandbox.ClaimTxTimeout <= 0 {
		return fmt.Errorf("sandbox timeouts must be positive")
	}

	// The claim transaction does no remote I/O and must stay short.
	if c.Sandbox.ClaimTxTimeout >= c.Sandbox.CreateTimeout {
		return fmt.Errorf("sandbox.claim_tx_timeout (%s) must be shorter than sandbox.create_timeout (%s)",
			c.Sandbox.ClaimTxTimeout, c.Sandbox.CreateTimeout)
	}
	if c.Sandbox.ClaimTxTimeout > time.Minute {
		return fmt.Errorf("sandbox.claim_tx_timeout must be seconds-scale, got %s", c.Sandbox.ClaimTxTimeout)
	}

	if c.Edits.ContextLines < 0 {
		return fmt.Errorf("edits.context_lines must not be negative")
	}
	if c.Edits.FileParallelism <= 0 {
		c.Edits.FileParallelism = 1
	}

	return nil
}

// ConnectionString returns a PostgreSQL connection URL.
func (c *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port),
		Path:   "/" + c.Database,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the host:port address for Redis.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port)
}
