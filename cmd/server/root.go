package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/sakif/coderunner/internal/config"
	"github.com/sakif/coderunner/internal/executor/docker"
	"github.com/sakif/coderunner/internal/executor/pool"
	"github.com/sakif/coderunner/internal/executor/worker"
	"github.com/sakif/coderunner/internal/language"
	"github.com/sakif/coderunner/internal/registry"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "coderunner",
	Short: "Run untrusted Python and JavaScript on pools of warm interpreters",
	Long: `coderunner keeps a pool of long-lived interpreter processes per language
and runs submitted programs on them, so a request never pays for interpreter
start-up.

COMMANDS
  serve      Start the HTTP API
  run        Execute one file and print the result
  hash-key   Hash an API key for auth.api_keys

CONFIGURATION
  coderunner.yaml in . or $HOME/.coderunner, or --config <file>.
  Every key can be overridden with CODERUNNER_<SECTION>_<KEY>, e.g.
  CODERUNNER_SERVER_PORT=9000. A .env file in the working directory is
  loaded first.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./coderunner.yaml)")
}

// loadConfig reads .env, then the config file and environment, and
// validates the result.
func loadConfig() (*config.Config, error) {
	// A missing .env is the normal case outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. "console" is colored output for a
// terminal, "json" is for log shippers, anything else is plain text.
func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "console":
		h = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h), nil
}

// launchers hands out the worker.Launcher for each language image.
type launchers struct {
	docker *docker.Client // nil for the process backend
}

func (l launchers) forImage(img string) worker.Launcher {
	if l.docker == nil {
		return worker.ProcessLauncher{}
	}
	return l.docker.Launcher(img)
}

func (l launchers) Close() error {
	if l.docker == nil {
		return nil
	}
	return l.docker.Close()
}

// newLaunchers connects to Docker when the docker backend is selected,
// pulling every image the given languages need.
func newLaunchers(ctx context.Context, cfg *config.Config, langs []string, logger *slog.Logger) (launchers, error) {
	if cfg.Executor.Backend != config.BackendDocker {
		return launchers{}, nil
	}
	var images []string
	for _, name := range langs {
		images = append(images, cfg.Languages[name].Image)
	}
	client, err := docker.New(ctx, cfg.Executor.DockerConfig(), images, logger)
	if err != nil {
		return launchers{}, err
	}
	return launchers{docker: client}, nil
}

// buildRegistry creates one pool per language and initializes them. The
// pools are not started if creating any of them fails.
//
// tune, when non-nil, adjusts each pool config before the pool is created.
func buildRegistry(ctx context.Context, cfg *config.Config, langs []string, l launchers, logger *slog.Logger, tune func(*pool.Config)) (*registry.Registry, error) {
	reg := registry.New(logger)
	for _, name := range langs {
		lc := cfg.Languages[name]
		def, ok := language.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown language %q", name)
		}
		def = def.WithInterpreter(lc.Interpreter)

		pc := lc.PoolConfig()
		if tune != nil {
			tune(&pc)
		}
		p, err := pool.New(pc, pool.Options{
			Language:   def.Name,
			Command:    def.Command,
			Launcher:   l.forImage(lc.Image),
			Validator:  def.Validator,
			WarmupCode: def.WarmupCode,
			Logger:     logger,
		})
		if err != nil {
			_ = reg.Shutdown(ctx)
			return nil, err
		}
		if err := reg.Add(def.Name, lc.Aliases, p); err != nil {
			_ = p.Shutdown(ctx)
			_ = reg.Shutdown(ctx)
			return nil, err
		}
	}

	if err := reg.Initialize(ctx); err != nil {
		_ = reg.Shutdown(ctx)
		return nil, err
	}
	return reg, nil
}
