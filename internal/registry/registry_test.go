package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/executor/pool"
	"github.com/sakif/coderunner/internal/executor/worker"
	"github.com/sakif/coderunner/internal/executor/worker/workertest"
)

type fakeRunner struct {
	language    string
	initErr     error
	shutdownErr error
	available   atomic.Bool
	warmed      atomic.Bool
	shutdowns   atomic.Int32
}

func newFake(language string) *fakeRunner {
	return &fakeRunner{language: language}
}

func (f *fakeRunner) Language() string { return f.language }

func (f *fakeRunner) Initialize(context.Context) error {
	if f.initErr != nil {
		return f.initErr
	}
	f.available.Store(true)
	return nil
}

func (f *fakeRunner) Run(_ context.Context, code string, _ executor.ExecOptions) (*executor.ExecResult, error) {
	return &executor.ExecResult{Success: true, Output: code}, nil
}

func (f *fakeRunner) IsAvailable() bool               { return f.available.Load() }
func (f *fakeRunner) Metrics() executor.RunnerMetrics { return executor.RunnerMetrics{} }
func (f *fakeRunner) Warmup(context.Context)          { f.warmed.Store(true) }

func (f *fakeRunner) Stats() executor.PoolStats {
	return executor.PoolStats{Language: f.language, Initialized: f.available.Load()}
}

func (f *fakeRunner) Shutdown(context.Context) error {
	f.shutdowns.Add(1)
	f.available.Store(false)
	return f.shutdownErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddAndNormalize(t *testing.T) {
	r := New(discardLogger())
	require.NoError(t, r.Add("Python", []string{"py", "PYTHON3", "python"}, newFake("python")))
	require.NoError(t, r.Add("javascript", []string{"js", "node"}, newFake("javascript")))

	assert.Error(t, r.Add("python", nil, newFake("python")), "duplicate")
	assert.Error(t, r.Add("  ", nil, newFake("blank")))

	tests := []struct{ in, want string }{
		{"python", "python"},
		{" PY ", "python"},
		{"python3", "python"},
		{"Node", "javascript"},
		{"Ruby", "ruby"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Normalize(tt.in), tt.in)
	}
	assert.Equal(t, []string{"javascript", "python"}, r.Languages())
}

func TestRunnerLookup(t *testing.T) {
	r := New(discardLogger())
	py := newFake("python")
	require.NoError(t, r.Add("python", []string{"py"}, py))

	_, err := r.Runner("ruby")
	assert.ErrorIs(t, err, apperror.ErrUnsupportedLanguage)
	assert.ErrorContains(t, err, "python")

	_, err = r.Runner("py")
	assert.ErrorIs(t, err, apperror.ErrRunnerUnavailable, "not initialized yet")

	require.NoError(t, r.Initialize(context.Background()))
	got, err := r.Runner("PY")
	require.NoError(t, err)
	assert.Same(t, executor.Runner(py), got)
}

func TestInitializeDropsFailedRunners(t *testing.T) {
	r := New(discardLogger())
	py := newFake("python")
	js := newFake("javascript")
	js.initErr = errors.New("node not found")
	require.NoError(t, r.Add("python", []string{"py"}, py))
	require.NoError(t, r.Add("javascript", []string{"js"}, js))

	require.NoError(t, r.Initialize(context.Background()))

	assert.Equal(t, []string{"python"}, r.Languages())
	assert.True(t, py.warmed.Load())
	assert.False(t, js.warmed.Load())
	assert.Equal(t, int32(1), js.shutdowns.Load(), "failed runner is shut down")
	assert.Equal(t, "js", r.Normalize("js"), "aliases of a dropped runner are gone")

	_, err := r.Runner("javascript")
	assert.ErrorIs(t, err, apperror.ErrUnsupportedLanguage)
}

func TestInitializeAllFailed(t *testing.T) {
	r := New(discardLogger())
	py := newFake("python")
	py.initErr = errors.New("boom")
	require.NoError(t, r.Add("python", nil, py))

	assert.ErrorIs(t, r.Initialize(context.Background()), ErrNoRunners)
	assert.Empty(t, r.Languages())
}

func TestStatusAndAvailable(t *testing.T) {
	r := New(discardLogger())
	py := newFake("python")
	js := newFake("javascript")
	require.NoError(t, r.Add("python", []string{"py"}, py))
	require.NoError(t, r.Add("javascript", nil, js))
	require.NoError(t, r.Initialize(context.Background()))

	js.available.Store(false)

	st := r.Status()
	require.Len(t, st, 2)
	assert.Equal(t, "javascript", st[0].Language)
	assert.False(t, st[0].Available)
	assert.Equal(t, "python", st[1].Language)
	assert.True(t, st[1].Available)
	assert.Equal(t, []string{"py"}, st[1].Aliases)

	assert.Equal(t, []string{"python"}, r.Available())
}

func TestShutdownContinuesPastFailures(t *testing.T) {
	r := New(discardLogger())
	py := newFake("python")
	js := newFake("javascript")
	py.shutdownErr = errors.New("stuck")
	require.NoError(t, r.Add("python", nil, py))
	require.NoError(t, r.Add("javascript", nil, js))

	err := r.Shutdown(context.Background())
	assert.ErrorContains(t, err, "python: stuck")
	assert.Equal(t, int32(1), py.shutdowns.Load())
	assert.Equal(t, int32(1), js.shutdowns.Load())
	assert.Empty(t, r.Languages())

	assert.NoError(t, r.Shutdown(context.Background()), "second shutdown has nothing to do")
}

func TestRegistryWithPool(t *testing.T) {
	launcher := &workertest.Launcher{}
	cfg := pool.DefaultConfig()
	cfg.MinWorkers, cfg.MaxWorkers, cfg.MaxQueueSize = 1, 2, 2
	cfg.ShutdownGrace = 100 * time.Millisecond

	p, err := pool.New(cfg, pool.Options{
		Language:   "python",
		Command:    worker.Command{Path: "fake"},
		Launcher:   launcher,
		WarmupCode: "echo warm",
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	r := New(discardLogger())
	require.NoError(t, r.Add("python", []string{"py"}, p))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Initialize(ctx))

	runner, err := r.Runner("py")
	require.NoError(t, err)
	res, err := runner.Run(ctx, "echo hi", executor.ExecOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Output)
	assert.Contains(t, launcher.Executed(), "echo warm")

	require.NoError(t, r.Shutdown(ctx))
	assert.Empty(t, launcher.Alive())
}
