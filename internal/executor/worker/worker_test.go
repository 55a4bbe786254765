package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor/ipc"
	"github.com/sakif/coderunner/internal/executor/worker"
	"github.com/sakif/coderunner/internal/executor/worker/workertest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects callbacks from a worker's goroutines.
type recorder struct {
	results chan *ipc.Result
	exits   chan error
}

func newRecorder() *recorder {
	return &recorder{
		results: make(chan *ipc.Result, 16),
		exits:   make(chan error, 1),
	}
}

func (r *recorder) options(l worker.Launcher) worker.Options {
	return worker.Options{
		Language:     "python",
		Launcher:     l,
		ReadyTimeout: time.Second,
		Logger:       discardLogger(),
		OnResult:     func(_ *worker.Worker, res *ipc.Result) { r.results <- res },
		OnExit:       func(_ *worker.Worker, err error) { r.exits <- err },
	}
}

func (r *recorder) nextResult(t *testing.T) *ipc.Result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a result")
		return nil
	}
}

func TestStartAndExecute(t *testing.T) {
	l := &workertest.Launcher{}
	rec := newRecorder()

	w, err := worker.Start(context.Background(), rec.options(l))
	require.NoError(t, err)
	t.Cleanup(w.Kill)

	assert.Contains(t, w.ID, "python-")
	assert.Equal(t, "python", w.Language)
	assert.False(t, w.Exited())

	require.NoError(t, w.Send(ipc.Execute{RequestID: "r1", Code: "echo hello"}))
	res := rec.nextResult(t)
	assert.Equal(t, "r1", res.RequestID)
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Output)

	require.NoError(t, w.Send(ipc.Execute{RequestID: "r2", Code: "fail boom"}))
	res = rec.nextResult(t)
	assert.Equal(t, "r2", res.RequestID)
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)
	assert.Equal(t, 1, res.ExitCode)
}

func TestStartUsesGivenID(t *testing.T) {
	rec := newRecorder()
	opts := rec.options(&workertest.Launcher{})
	opts.ID = "fixed-id"

	w, err := worker.Start(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(w.Kill)

	assert.Equal(t, "fixed-id", w.ID)
}

func TestStartLaunchFailure(t *testing.T) {
	cause := errors.New("executable file not found")
	rec := newRecorder()

	w, err := worker.Start(context.Background(), rec.options(&workertest.Launcher{LaunchErr: cause}))
	assert.Nil(t, w)
	assert.ErrorIs(t, err, apperror.ErrWorkerSpawn)
	assert.ErrorIs(t, err, cause)
}

func TestStartReadyTimeout(t *testing.T) {
	l := &workertest.Launcher{NoReady: true}
	rec := newRecorder()
	opts := rec.options(l)
	opts.ReadyTimeout = 50 * time.Millisecond

	start := time.Now()
	w, err := worker.Start(context.Background(), opts)
	assert.Nil(t, w)
	assert.ErrorIs(t, err, apperror.ErrWorkerStartupTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// The abandoned process is killed, and OnExit is never reported for a
	// worker that was never handed out.
	require.Eventually(t, func() bool { return len(l.Alive()) == 0 }, time.Second, 5*time.Millisecond)
	select {
	case <-rec.exits:
		t.Fatal("OnExit fired for a worker that never started")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartDeathBeforeReady(t *testing.T) {
	l := &workertest.Launcher{ReadyDelay: time.Second}
	rec := newRecorder()

	go func() {
		for l.Launched() == 0 {
			time.Sleep(time.Millisecond)
		}
		l.Processes()[0].Crash()
	}()

	w, err := worker.Start(context.Background(), rec.options(l))
	assert.Nil(t, w)
	assert.ErrorIs(t, err, apperror.ErrWorkerSpawn)
}

func TestStartContextCancelled(t *testing.T) {
	l := &workertest.Launcher{NoReady: true}
	rec := newRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	w, err := worker.Start(ctx, rec.options(l))
	assert.Nil(t, w)
	assert.ErrorIs(t, err, apperror.ErrWorkerSpawn)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCrashReportsExit(t *testing.T) {
	l := &workertest.Launcher{}
	rec := newRecorder()

	w, err := worker.Start(context.Background(), rec.options(l))
	require.NoError(t, err)

	require.NoError(t, w.Send(ipc.Execute{RequestID: "r1", Code: "crash"}))

	select {
	case err := <-rec.exits:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnExit not called")
	}
	assert.True(t, w.Exited())
	assert.ErrorIs(t, w.Send(ipc.Execute{RequestID: "r2", Code: "echo x"}), worker.ErrExited)
}

func TestMalformedLinesAreIgnored(t *testing.T) {
	rec := newRecorder()
	w, err := worker.Start(context.Background(), rec.options(&workertest.Launcher{}))
	require.NoError(t, err)
	t.Cleanup(w.Kill)

	require.NoError(t, w.Send(ipc.Execute{RequestID: "r1", Code: "garbage"}))
	res := rec.nextResult(t)
	assert.Equal(t, "r1", res.RequestID)
	assert.Equal(t, "ok", res.Output)
	assert.False(t, w.Exited())
}

func TestTerminate(t *testing.T) {
	t.Run("graceful", func(t *testing.T) {
		l := &workertest.Launcher{}
		rec := newRecorder()
		w, err := worker.Start(context.Background(), rec.options(l))
		require.NoError(t, err)

		w.Terminate(time.Second)
		assert.True(t, w.Exited())
		assert.NoError(t, <-rec.exits)
	})

	t.Run("escalates to kill", func(t *testing.T) {
		l := &workertest.Launcher{IgnoreTerm: true}
		rec := newRecorder()
		w, err := worker.Start(context.Background(), rec.options(l))
		require.NoError(t, err)

		start := time.Now()
		w.Terminate(50 * time.Millisecond)
		assert.True(t, w.Exited())
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		assert.ErrorIs(t, <-rec.exits, workertest.ErrKilled)
	})

	t.Run("already exited", func(t *testing.T) {
		rec := newRecorder()
		w, err := worker.Start(context.Background(), rec.options(&workertest.Launcher{}))
		require.NoError(t, err)
		w.Kill()
		<-w.Done()

		w.Terminate(time.Second)
		assert.True(t, w.Exited())
	})
}

func TestConcurrentSendsAreSerialized(t *testing.T) {
	l := &workertest.Launcher{}
	rec := newRecorder()
	w, err := worker.Start(context.Background(), rec.options(l))
	require.NoError(t, err)
	t.Cleanup(w.Kill)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Send(ipc.Execute{RequestID: id, Code: "echo " + id}))
		}()
	}
	wg.Wait()

	got := map[string]string{}
	for range 4 {
		res := rec.nextResult(t)
		got[res.RequestID] = res.Output
	}
	assert.Equal(t, map[string]string{"a": "a", "b": "b", "c": "c", "d": "d"}, got)
}
