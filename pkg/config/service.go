package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/envrun/pkg/telemetry"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "ENVRUN_"

// ServiceConfig is the envrun service configuration file.
type ServiceConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Variables VariablesConfig `yaml:"variables"`
	Locks     LocksConfig     `yaml:"locks"`
	Policy    PolicyConfig    `yaml:"policy"`
	Executor  ExecutorConfig  `yaml:"executor"`

	Telemetry telemetry.Config `yaml:"telemetry"`

	// Schedules are cascades started by cron.
	Schedules []ScheduleConfig `yaml:"schedules" validate:"dive"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// JWTSecret signs and verifies bearer tokens (HS256). Empty disables auth.
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`

	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// SchedulerConfig configures run execution.
type SchedulerConfig struct {
	// MaxParallel caps concurrently executing module runs; 0 means unlimited.
	MaxParallel int `yaml:"max_parallel" validate:"gte=0"`

	// RunTimeout bounds one execution phase; 0 disables the timeout.
	RunTimeout time.Duration `yaml:"run_timeout" validate:"gte=0"`

	LayeringPolicy string `yaml:"layering_policy" validate:"oneof=lenient strict"`
}

// VariablesConfig configures variable resolution.
type VariablesConfig struct {
	BindingMode string `yaml:"binding_mode" validate:"oneof=replace merge"`
}

// LocksConfig configures the module execution lock backend.
type LocksConfig struct {
	Backend string        `yaml:"backend" validate:"oneof=memory redis"`
	TTL     time.Duration `yaml:"ttl" validate:"gte=0"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the Redis lock backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

// PolicyConfig configures the auto-confirm plan gate.
type PolicyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths"`

	// Watch reloads policies when files under Paths change.
	Watch bool `yaml:"watch"`
}

// ExecutorConfig configures how phases are executed.
type ExecutorConfig struct {
	// DryRun simulates every phase instead of running a binary.
	DryRun bool `yaml:"dry_run"`

	// Binary is the IaC CLI. Empty picks tofu, then terraform.
	Binary    string        `yaml:"binary"`
	WorkRoot  string        `yaml:"work_root"`
	KillGrace time.Duration `yaml:"kill_grace" validate:"gte=0"`
	SkipInit  bool          `yaml:"skip_init"`
}

// ScheduleConfig starts a cascade on a cron schedule.
type ScheduleConfig struct {
	Name          string `yaml:"name" validate:"required"`
	Cron          string `yaml:"cron" validate:"required"`
	EnvironmentID string `yaml:"environment_id" validate:"required"`
	Operation     string `yaml:"operation" validate:"oneof=plan-all apply-all destroy-all"`
	AutoConfirm   bool   `yaml:"auto_confirm"`
}

// DefaultServiceConfig returns the configuration used when no file is given.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			JWTIssuer:       "envrun",
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Path:            "envrun.db",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Hour,
		},
		Scheduler: SchedulerConfig{
			MaxParallel:    4,
			RunTimeout:     time.Hour,
			LayeringPolicy: "lenient",
		},
		Variables: VariablesConfig{BindingMode: "replace"},
		Locks: LocksConfig{
			Backend: "memory",
			TTL:     2 * time.Hour,
			Redis:   RedisConfig{Addr: "127.0.0.1:6379", Prefix: "envrun:lock:"},
		},
		Executor: ExecutorConfig{
			WorkRoot:  "modules",
			KillGrace: 10 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// LoadDotEnv loads KEY=value files into the process environment without
// overriding variables that are already set. With no files, ./.env is
// loaded when present.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// LoadServiceConfig reads path over the defaults, applies ENVRUN_*
// overrides, and validates the result. An empty path uses only defaults
// and the environment.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ENVRUN_* variables found through lookup.
func (c *ServiceConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("SERVER_ADDR", &c.Server.Addr)
	str("JWT_SECRET", &c.Server.JWTSecret)
	str("STORE_PATH", &c.Store.Path)
	num("MAX_PARALLEL", &c.Scheduler.MaxParallel)
	dur("RUN_TIMEOUT", &c.Scheduler.RunTimeout)
	str("LAYERING_POLICY", &c.Scheduler.LayeringPolicy)
	str("BINDING_MODE", &c.Variables.BindingMode)
	str("LOCK_BACKEND", &c.Locks.Backend)
	dur("LOCK_TTL", &c.Locks.TTL)
	str("REDIS_ADDR", &c.Locks.Redis.Addr)
	str("REDIS_PASSWORD", &c.Locks.Redis.Password)
	num("REDIS_DB", &c.Locks.Redis.DB)
	flag("POLICY_ENABLED", &c.Policy.Enabled)
	flag("DRY_RUN", &c.Executor.DryRun)
	str("BINARY", &c.Executor.Binary)
	str("WORK_ROOT", &c.Executor.WorkRoot)
	str("LOG_LEVEL", &c.Telemetry.Logging.Level)
	str("LOG_FORMAT", &c.Telemetry.Logging.Format)

	if v, ok := lookup(EnvPrefix + "POLICY_PATHS"); ok {
		c.Policy.Paths = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Policy.Paths = append(c.Policy.Paths, p)
			}
		}
	}

	return errors.Join(errs...)
}

// Validate checks struct tags and cross-field rules.
func (c *ServiceConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Locks.Backend == "redis" && c.Locks.Redis.Addr == "" {
		return fmt.Errorf("invalid configuration: locks.redis.addr is required for the redis backend")
	}
	if c.Policy.Enabled && len(c.Policy.Paths) == 0 && c.Policy.Watch {
		return fmt.Errorf("invalid configuration: policy.watch needs policy.paths")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
