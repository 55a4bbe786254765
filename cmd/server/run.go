package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/config"
	"github.com/sakif/coderunner/internal/executor/pool"
	"github.com/sakif/coderunner/internal/model"
	"github.com/sakif/coderunner/internal/service"
)

var runFlags struct {
	language string
	timeout  time.Duration
	output   string
}

var runCmd = &cobra.Command{
	Use:   "run <file|->",
	Short: "Execute one file and print the result",
	Long: `Execute one file on a single warm worker and print the outcome.

The language is taken from --language or guessed from the file extension.
Pass "-" to read the program from stdin (then --language is required).
The exit status is 0 when the program succeeded, 1 when it failed and 2
when it was rejected before running.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFlags.language, "language", "l", "", "language or alias (default: from file extension)")
	runCmd.Flags().DurationVarP(&runFlags.timeout, "timeout", "t", 0, "execution timeout (default: defaults.timeout)")
	runCmd.Flags().StringVarP(&runFlags.output, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(runCmd)
}

// runOutput is what `run` prints in json and yaml mode.
type runOutput struct {
	Language      string `json:"language" yaml:"language"`
	Status        string `json:"status" yaml:"status"`
	Output        string `json:"output" yaml:"output"`
	Error         string `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorKind     string `json:"errorKind,omitempty" yaml:"error_kind,omitempty"`
	ExitCode      int    `json:"exitCode" yaml:"exit_code"`
	ExecutionTime string `json:"executionTime" yaml:"execution_time"`
}

func runRun(cmd *cobra.Command, args []string) error {
	switch runFlags.output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", runFlags.output)
	}

	code, err := readProgram(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}
	lang := runFlags.language
	if lang == "" {
		if lang = languageForFile(args[0]); lang == "" {
			return errors.New("cannot tell the language, pass --language")
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Diagnostics go to stderr so stdout carries only the result.
	logger, err := newLogger(cmd.ErrOrStderr(), config.LogConfig{Level: "warn", Format: cfg.Log.Format})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	name, err := enabledLanguage(cfg, lang)
	if err != nil {
		return err
	}
	l, err := newLaunchers(ctx, cfg, []string{name}, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	// One worker is all a single execution needs.
	reg, err := buildRegistry(ctx, cfg, []string{name}, l, logger, func(pc *pool.Config) {
		pc.MinWorkers, pc.MaxWorkers, pc.MaxQueueSize = 1, 1, 0
	})
	if err != nil {
		return err
	}
	defer reg.Shutdown(context.Background())

	svc := service.NewExecutionService(reg, nil, service.Limits{
		Defaults:   cfg.ExecOptions(),
		MaxTimeout: cfg.Defaults.MaxTimeout,
	}, logger)

	rec, runErr := svc.Execute(ctx, service.ExecuteInput{
		Language: lang,
		Code:     code,
		Timeout:  runFlags.timeout,
		Client:   "cli",
	})
	if runErr != nil {
		rec = &model.Execution{
			Language:  reg.Normalize(lang),
			Status:    service.StatusFor(runErr),
			Error:     runErr.Error(),
			ErrorKind: apperror.Kind(runErr),
		}
	}

	if err := printExecution(cmd.OutOrStdout(), rec, runFlags.output); err != nil {
		return err
	}

	switch rec.Status {
	case model.StatusSuccess:
		return nil
	case model.StatusFailed:
		return exitError(1)
	default:
		return exitError(2)
	}
}

func readProgram(stdin io.Reader, path string) (string, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading program: %w", err)
	}
	return string(b), nil
}

var extensions = map[string]string{
	".py":  "python",
	".js":  "javascript",
	".mjs": "javascript",
	".cjs": "javascript",
}

func languageForFile(path string) string {
	return extensions[strings.ToLower(filepath.Ext(path))]
}

// enabledLanguage maps a name or alias to the configured language key.
func enabledLanguage(cfg *config.Config, lang string) (string, error) {
	want := strings.ToLower(strings.TrimSpace(lang))
	for _, name := range cfg.EnabledLanguages() {
		if name == want {
			return name, nil
		}
		for _, alias := range cfg.Languages[name].Aliases {
			if strings.ToLower(alias) == want {
				return name, nil
			}
		}
	}
	return "", apperror.UnsupportedLanguage(lang, cfg.EnabledLanguages())
}

func printExecution(w io.Writer, rec *model.Execution, format string) error {
	out := runOutput{
		Language:      rec.Language,
		Status:        string(rec.Status),
		Output:        rec.Output,
		Error:         rec.Error,
		ErrorKind:     rec.ErrorKind,
		ExitCode:      rec.ExitCode,
		ExecutionTime: rec.ExecutionTime.String(),
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	}

	if out.Output != "" {
		fmt.Fprintln(w, strings.TrimRight(out.Output, "\n"))
	}
	if out.Error != "" {
		fmt.Fprintln(w, out.Error)
	}
	return nil
}
