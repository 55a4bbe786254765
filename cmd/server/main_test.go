package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/sakif/coderunner/internal/config"
	"github.com/sakif/coderunner/internal/model"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json", "console"} {
		var buf bytes.Buffer
		logger, err := newLogger(&buf, config.LogConfig{Level: "warn", Format: format})
		require.NoError(t, err, format)

		logger.Info("hidden")
		logger.Warn("shown")
		assert.NotContains(t, buf.String(), "hidden", format)
		assert.Contains(t, buf.String(), "shown", format)
	}

	_, err := newLogger(&bytes.Buffer{}, config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestLanguageForFile(t *testing.T) {
	assert.Equal(t, "python", languageForFile("examples/fib.py"))
	assert.Equal(t, "javascript", languageForFile("app.MJS"))
	assert.Empty(t, languageForFile("main.go"))
}

func TestEnabledLanguage(t *testing.T) {
	cfg := &config.Config{Languages: map[string]config.LanguageConfig{
		"python":     {Enabled: true, Aliases: []string{"py"}},
		"javascript": {Enabled: false, Aliases: []string{"js"}},
	}}

	name, err := enabledLanguage(cfg, " PY ")
	require.NoError(t, err)
	assert.Equal(t, "python", name)

	_, err = enabledLanguage(cfg, "js")
	assert.ErrorContains(t, err, "python", "error lists what is enabled")
}

func TestPrintExecution(t *testing.T) {
	rec := &model.Execution{
		Language:      "python",
		Status:        model.StatusFailed,
		Output:        "partial\n",
		Error:         "ZeroDivisionError: division by zero",
		ExitCode:      1,
		ExecutionTime: 1500 * time.Microsecond,
	}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printExecution(&buf, rec, "json"))
		var out runOutput
		require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
		assert.Equal(t, "failed", out.Status)
		assert.Equal(t, "1.5ms", out.ExecutionTime)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printExecution(&buf, rec, "yaml"))
		var out runOutput
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
		assert.Equal(t, 1, out.ExitCode)
		assert.Contains(t, buf.String(), "exit_code: 1")
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printExecution(&buf, rec, "text"))
		assert.Equal(t, "partial\nZeroDivisionError: division by zero\n", buf.String())
	})
}

func TestHashKeyCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader("stdin-key-0123456789\n"))
	rootCmd.SetArgs([]string{"hash-key"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("stdin-key-0123456789")))
}
