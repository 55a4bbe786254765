package docker_test

import (
	"context"
	"testing"
	"time"

	"log/slog"
	"os"

	"github.com/sakif/coderunner/internal/executor/docker"
	"github.com/sakif/coderunner/internal/executor/ipc"
	"github.com/sakif/coderunner/internal/executor/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testImage = "alpine:3.20"

// A protocol-speaking worker written in plain sh, so the test image needs no
// interpreter beyond busybox.
const shWorker = `
echo '{"type":"ready"}'
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"requestId":"\([^"]*\)".*/\1/p')
  printf '{"type":"result","requestId":"%s","success":true,"output":"%s","exitCode":0}\n' "$id" "$(id -un)"
done
`

func TestDefaultConfig(t *testing.T) {
	cfg := docker.DefaultConfig()
	assert.Equal(t, int64(128*1024*1024), cfg.MemoryLimit)
	assert.Equal(t, 0.5, cfg.CPULimit)
	assert.Equal(t, "nobody", cfg.User)
}

func TestContainerWorker(t *testing.T) {
	// Skip in CI environments if docker is not available
	if os.Getenv("CI") != "" {
		t.Skip("Skipping docker test in CI environment")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	cli, err := docker.New(ctx, docker.DefaultConfig(), []string{testImage}, logger)
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	defer cli.Close()

	results := make(chan *ipc.Result, 1)
	exited := make(chan error, 1)

	w, err := worker.Start(ctx, worker.Options{
		Language:     "sh",
		Command:      worker.Command{Path: "/bin/sh", Args: []string{"-c", shWorker}},
		Launcher:     cli.Launcher(testImage),
		ReadyTimeout: 30 * time.Second,
		Logger:       logger,
		OnResult:     func(_ *worker.Worker, r *ipc.Result) { results <- r },
		OnExit:       func(_ *worker.Worker, err error) { exited <- err },
	})
	require.NoError(t, err, "worker container should start and send ready")

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, w.Send(ipc.Execute{RequestID: "req-1", Code: "whoami"}))
		select {
		case res := <-results:
			assert.Equal(t, "req-1", res.RequestID)
			assert.True(t, res.Success)
			assert.Equal(t, "nobody", res.Output, "worker runs unprivileged")
		case <-time.After(10 * time.Second):
			t.Fatal("no result from container worker")
		}
	})

	t.Run("terminate", func(t *testing.T) {
		w.Terminate(5 * time.Second)
		assert.True(t, w.Exited())
		select {
		case <-exited:
		case <-time.After(10 * time.Second):
			t.Fatal("exit not reported")
		}
	})
}
