// Package worker owns a single long-lived interpreter process and its
// line-delimited JSON conversation with the pool.
//
// A Worker is created by Start, which returns only after the process has sent
// its ready handshake. From then on three goroutines serve it: one writes
// queued execute messages to stdin, one decodes stdout into results, and one
// logs stderr. When stdout reaches EOF the process is reaped, Done() is
// closed and OnExit fires.
//
// The pool coordinator owns the bookkeeping fields (Busy, LastUsed, counters);
// the Worker itself never touches them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor/ipc"
)

const (
	DefaultReadyTimeout = 30 * time.Second
	outboxSize          = 8
)

var (
	ErrExited     = errors.New("worker: process has exited")
	ErrOutboxFull = errors.New("worker: outbox full")
)

// Options configure Start.
type Options struct {
	ID           string // generated from Language when empty
	Language     string
	Command      Command
	Launcher     Launcher
	ReadyTimeout time.Duration
	Logger       *slog.Logger

	// OnResult and OnExit are called from the worker's own goroutines.
	OnResult func(w *Worker, res *ipc.Result)
	OnExit   func(w *Worker, err error)
}

// Worker is one running interpreter process.
type Worker struct {
	ID        string
	Language  string
	CreatedAt time.Time

	// Owned by the pool coordinator.
	Busy            bool
	Current         string // request id in flight, "" when idle
	LastUsed        time.Time
	TotalExecutions int64
	FailureCount    int64

	proc   Process
	logger *slog.Logger
	outbox chan []byte

	ready     chan struct{}
	readyOnce sync.Once
	started   atomic.Bool
	done      chan struct{}
	exitErr   error

	onResult func(*Worker, *ipc.Result)
	onExit   func(*Worker, error)
}

// Start launches a worker and blocks until it is ready, it dies, or the
// ready timeout passes.
func Start(ctx context.Context, opts Options) (*Worker, error) {
	id := opts.ID
	if id == "" {
		id = fmt.Sprintf("%s-%s", opts.Language, xid.New().String())
	}
	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("worker", id))

	cmd := opts.Command
	cmd.Env = append(append([]string{}, cmd.Env...),
		"WORKER_ID="+id,
		"WORKER_LANGUAGE="+opts.Language,
	)

	proc, err := opts.Launcher.Launch(ctx, cmd)
	if err != nil {
		return nil, apperror.WorkerSpawn(id, err)
	}

	now := time.Now()
	w := &Worker{
		ID:        id,
		Language:  opts.Language,
		CreatedAt: now,
		LastUsed:  now,
		proc:      proc,
		logger:    logger,
		outbox:    make(chan []byte, outboxSize),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		onResult:  opts.OnResult,
		onExit:    opts.OnExit,
	}

	stderrDone := make(chan struct{})
	go w.logStderr(stderrDone)
	go w.readLoop(stderrDone)
	go w.writeLoop()

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
	case <-w.done:
		return nil, apperror.WorkerSpawn(id, fmt.Errorf("exited before ready: %v", w.exitErr))
	case <-timer.C:
		w.Kill()
		return nil, apperror.WorkerStartupTimeout(id, readyTimeout)
	case <-ctx.Done():
		w.Kill()
		return nil, apperror.WorkerSpawn(id, ctx.Err())
	}

	w.started.Store(true)
	// The process may have died between the handshake and now; if so OnExit
	// may or may not have seen started, so report the failure here as well.
	select {
	case <-w.done:
		return nil, apperror.WorkerSpawn(id, fmt.Errorf("exited right after ready: %v", w.exitErr))
	default:
	}

	logger.Debug("worker ready", slog.String("pid", proc.ID()))
	return w, nil
}

// Done is closed once the process has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Exited reports whether the process is gone.
func (w *Worker) Exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Send queues an execute message without blocking. A worker that cannot
// accept it is killed, and the failure surfaces through OnExit.
func (w *Worker) Send(msg ipc.Execute) error {
	line, err := ipc.EncodeExecute(msg)
	if err != nil {
		return err
	}
	if w.Exited() {
		return ErrExited
	}
	select {
	case w.outbox <- line:
		return nil
	default:
		w.logger.Error("worker outbox full, killing worker")
		w.Kill()
		return ErrOutboxFull
	}
}

// Kill stops the process immediately.
func (w *Worker) Kill() {
	if err := w.proc.Kill(); err != nil && !w.Exited() {
		w.logger.Warn("failed to kill worker", slog.String("error", err.Error()))
	}
}

// Terminate asks the worker to exit and escalates to a kill after grace.
// It returns once the process is gone or the kill has also timed out.
func (w *Worker) Terminate(grace time.Duration) {
	if w.Exited() {
		return
	}
	if err := w.proc.Signal(syscall.SIGTERM); err != nil {
		w.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-w.done:
		return
	case <-timer.C:
	}

	w.logger.Warn("worker ignored SIGTERM, killing", slog.Duration("grace", grace))
	w.Kill()
	select {
	case <-w.done:
	case <-time.After(grace):
		w.logger.Error("worker did not exit after SIGKILL")
	}
}

func (w *Worker) writeLoop() {
	stdin := w.proc.Stdin()
	defer stdin.Close()
	for {
		select {
		case line := <-w.outbox:
			if _, err := stdin.Write(line); err != nil {
				w.logger.Error("failed to write to worker", slog.String("error", err.Error()))
				w.Kill()
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *Worker) readLoop(stderrDone <-chan struct{}) {
	sc := ipc.NewScanner(w.proc.Stdout())
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		w.handleLine(line)
	}
	if err := sc.Err(); err != nil {
		// An over-long or unreadable line leaves the stream unframeable.
		w.logger.Error("worker stdout desynchronized", slog.String("error", err.Error()))
		w.Kill()
	}

	<-stderrDone
	w.exitErr = w.proc.Wait()
	close(w.done)

	if w.exitErr != nil {
		w.logger.Info("worker exited", slog.String("error", w.exitErr.Error()))
	} else {
		w.logger.Info("worker exited")
	}
	if w.started.Load() && w.onExit != nil {
		w.onExit(w, w.exitErr)
	}
}

func (w *Worker) handleLine(line []byte) {
	msg, err := ipc.Decode(line)
	if err != nil {
		w.logger.Warn("discarding worker output",
			slog.String("error", err.Error()),
			slog.String("line", truncate(string(line), 200)),
		)
		return
	}

	switch m := msg.(type) {
	case *ipc.Ready:
		w.readyOnce.Do(func() { close(w.ready) })
	case *ipc.Result:
		if !w.started.Load() {
			w.logger.Warn("result before ready handshake", slog.String("requestId", m.RequestID))
			return
		}
		if w.onResult != nil {
			w.onResult(w, m)
		}
	}
}

func (w *Worker) logStderr(done chan<- struct{}) {
	defer close(done)
	sc := ipc.NewScanner(w.proc.Stderr())
	for sc.Scan() {
		if text := sc.Text(); text != "" {
			w.logger.Debug("worker stderr", slog.String("line", truncate(text, 500)))
		}
	}
	// Keep draining so a chatty worker never blocks on a full stderr pipe.
	_, _ = io.Copy(io.Discard, w.proc.Stderr())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
