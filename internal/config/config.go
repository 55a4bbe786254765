// Package config loads the service configuration.
//
// Sources, lowest precedence first:
//  1. built-in defaults (SetDefault below)
//  2. a config file: coderunner.yaml in . or $HOME/.coderunner, or --config
//  3. environment variables: CODERUNNER_SERVER_PORT overrides server.port, and
//     so on. PORT, DB_PATH and JWT_SECRET are honoured for older deployments.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/executor/docker"
	"github.com/sakif/coderunner/internal/executor/pool"
	"github.com/sakif/coderunner/internal/language"
)

const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text, json or console
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"` // requests per second per client IP, 0 disables
	RateBurst       int           `mapstructure:"rate_burst"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// APIKeys maps a client name to the bcrypt hash of its key.
	APIKeys map[string]string `mapstructure:"api_keys"`
}

// Enabled reports whether requests must carry a token.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

type DockerConfig struct {
	MemoryLimitMB int           `mapstructure:"memory_limit_mb"`
	CPULimit      float64       `mapstructure:"cpu_limit"`
	User          string        `mapstructure:"user"`
	TmpfsSize     string        `mapstructure:"tmpfs_size"`
	PullTimeout   time.Duration `mapstructure:"pull_timeout"`
}

type ExecutorConfig struct {
	Backend string       `mapstructure:"backend"`
	Docker  DockerConfig `mapstructure:"docker"`
}

// DefaultsConfig holds the limits applied when a request sends none.
type DefaultsConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxTimeout    time.Duration `mapstructure:"max_timeout"`
	MemoryLimitMB int           `mapstructure:"memory_limit_mb"`
}

type LanguageConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Aliases           []string      `mapstructure:"aliases"`
	Interpreter       string        `mapstructure:"interpreter"`
	Image             string        `mapstructure:"image"`
	MinWorkers        int           `mapstructure:"min_workers"`
	MaxWorkers        int           `mapstructure:"max_workers"`
	MaxQueueSize      int           `mapstructure:"max_queue_size"`
	WorkerIdleTimeout time.Duration `mapstructure:"worker_idle_timeout"`
	RecycleOnTimeout  bool          `mapstructure:"recycle_on_timeout"`
}

type Config struct {
	Log       LogConfig                 `mapstructure:"log"`
	Server    ServerConfig              `mapstructure:"server"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Auth      AuthConfig                `mapstructure:"auth"`
	Executor  ExecutorConfig            `mapstructure:"executor"`
	Defaults  DefaultsConfig            `mapstructure:"defaults"`
	Languages map[string]LanguageConfig `mapstructure:"languages"`
}

// Load reads the configuration. An empty path searches the default
// locations and is happy to find nothing; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CODERUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range map[string]string{
		"server.port":     "PORT",
		"storage.db_path": "DB_PATH",
		"auth.jwt_secret": "JWT_SECRET",
	} {
		envKey := "CODERUNNER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("binding %s: %w", legacy, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coderunner")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.coderunner")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("storage.db_path", "data/coderunner.db")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.api_keys", map[string]string{})

	dc := docker.DefaultConfig()
	v.SetDefault("executor.backend", BackendProcess)
	v.SetDefault("executor.docker.memory_limit_mb", dc.MemoryLimit/(1024*1024))
	v.SetDefault("executor.docker.cpu_limit", dc.CPULimit)
	v.SetDefault("executor.docker.user", dc.User)
	v.SetDefault("executor.docker.tmpfs_size", dc.TmpfsSize)
	v.SetDefault("executor.docker.pull_timeout", dc.PullTimeout)

	eo := executor.DefaultExecOptions()
	v.SetDefault("defaults.timeout", eo.Timeout)
	v.SetDefault("defaults.max_timeout", 30*time.Second)
	v.SetDefault("defaults.memory_limit_mb", eo.MemoryLimitMB)

	pc := pool.DefaultConfig()
	for _, def := range language.Builtin() {
		prefix := "languages." + def.Name + "."
		v.SetDefault(prefix+"enabled", true)
		v.SetDefault(prefix+"aliases", def.Aliases)
		v.SetDefault(prefix+"interpreter", def.Command.Path)
		v.SetDefault(prefix+"image", def.Image)
		v.SetDefault(prefix+"min_workers", pc.MinWorkers)
		v.SetDefault(prefix+"max_workers", pc.MaxWorkers)
		v.SetDefault(prefix+"max_queue_size", pc.MaxQueueSize)
		v.SetDefault(prefix+"worker_idle_timeout", pc.WorkerIdleTimeout)
		v.SetDefault(prefix+"recycle_on_timeout", false)
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("storage.db_path is required"))
	}
	if c.Auth.Enabled() && c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if !slices.Contains([]string{BackendProcess, BackendDocker}, c.Executor.Backend) {
		errs = append(errs, fmt.Errorf("executor.backend must be %q or %q, got %q", BackendProcess, BackendDocker, c.Executor.Backend))
	}
	if c.Defaults.Timeout <= 0 {
		errs = append(errs, errors.New("defaults.timeout must be positive"))
	}
	if c.Defaults.MaxTimeout < c.Defaults.Timeout {
		errs = append(errs, errors.New("defaults.max_timeout must not be below defaults.timeout"))
	}
	if c.Defaults.MemoryLimitMB <= 0 {
		errs = append(errs, errors.New("defaults.memory_limit_mb must be positive"))
	}

	enabled := 0
	for name, lc := range c.Languages {
		if !lc.Enabled {
			continue
		}
		enabled++
		if _, ok := language.Lookup(name); !ok {
			errs = append(errs, fmt.Errorf("languages.%s: unknown language", name))
			continue
		}
		if err := lc.PoolConfig().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("languages.%s: %w", name, err))
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("no language is enabled"))
	}
	return errors.Join(errs...)
}

// EnabledLanguages returns the enabled language names in sorted order.
func (c *Config) EnabledLanguages() []string {
	var names []string
	for name, lc := range c.Languages {
		if lc.Enabled {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// ExecOptions returns the limits used when a request sends none.
func (c *Config) ExecOptions() executor.ExecOptions {
	return executor.ExecOptions{
		Timeout:       c.Defaults.Timeout,
		MemoryLimitMB: c.Defaults.MemoryLimitMB,
	}
}

// PoolConfig translates the per-language settings. Timing knobs not exposed
// here keep the pool defaults.
func (l LanguageConfig) PoolConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.MinWorkers = l.MinWorkers
	cfg.MaxWorkers = l.MaxWorkers
	cfg.MaxQueueSize = l.MaxQueueSize
	if l.WorkerIdleTimeout > 0 {
		cfg.WorkerIdleTimeout = l.WorkerIdleTimeout
	}
	cfg.RecycleOnTimeout = l.RecycleOnTimeout
	return cfg
}

// DockerConfig translates the container limits.
func (e ExecutorConfig) DockerConfig() docker.Config {
	return docker.Config{
		MemoryLimit: int64(e.Docker.MemoryLimitMB) * 1024 * 1024,
		CPULimit:    e.Docker.CPULimit,
		User:        e.Docker.User,
		TmpfsSize:   e.Docker.TmpfsSize,
		PullTimeout: e.Docker.PullTimeout,
	}
}
