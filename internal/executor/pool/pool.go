// Package pool runs code on a set of long-lived worker processes for one
// language.
//
// WHY A COORDINATOR GOROUTINE?
// A pool has three tables that must change together: the workers, the
// requests in flight, and the queue. Results, process exits, deadlines, idle
// sweeps and new requests all arrive concurrently. Instead of guarding the
// tables with a mutex, every event is turned into a closure and handed to a
// single goroutine (the coordinator) which runs them one at a time. Nothing
// else ever touches pool state, so a request can be removed from the pending
// table and resolved in one uninterrupted step, and "resolved exactly once"
// follows from the request's own state field.
//
// The coordinator never blocks: it does not write to workers (each worker has
// its own writer goroutine), never waits for a spawn, and never posts to
// itself.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/executor/metrics"
	"github.com/sakif/coderunner/internal/executor/worker"
)

// Options wire a Pool to its language.
type Options struct {
	Language   string
	Command    worker.Command
	Launcher   worker.Launcher
	Validator  executor.Validator // optional
	WarmupCode string             // optional, used by Warmup
	Logger     *slog.Logger
}

// Pool implements executor.Runner on top of daemonized workers.
type Pool struct {
	language  string
	cfg       Config
	command   worker.Command
	launcher  worker.Launcher
	validator executor.Validator
	warmup    string
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time

	tasks chan func()
	quit  chan struct{} // closed by the coordinator's last task

	ctx    context.Context // cancelled on shutdown, aborts in-flight spawns
	cancel context.CancelFunc

	initMu       sync.Mutex
	initialized  atomic.Bool
	shutdownOnce sync.Once
	terminated   chan struct{}
	spawns       sync.WaitGroup

	// Coordinator state.
	workers            map[string]*worker.Worker
	starting           int
	pending            map[string]*request
	queue              queue
	replenishScheduled bool
}

var _ executor.Runner = (*Pool)(nil)

// New creates a pool and starts its coordinator. No workers exist until
// Initialize or the first Run.
func New(cfg Config, opts Options) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool %s: invalid config: %w", opts.Language, err)
	}
	if opts.Launcher == nil {
		return nil, fmt.Errorf("pool %s: no launcher", opts.Language)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		language:   opts.Language,
		cfg:        cfg.withDefaults(),
		command:    opts.Command,
		launcher:   opts.Launcher,
		validator:  opts.Validator,
		warmup:     opts.WarmupCode,
		logger:     logger.With(slog.String("language", opts.Language)),
		metrics:    metrics.NewRecorder(),
		now:        time.Now,
		tasks:      make(chan func()),
		quit:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		terminated: make(chan struct{}),
		workers:    make(map[string]*worker.Worker),
		pending:    make(map[string]*request),
	}

	go p.loop()
	go p.sweepLoop()
	return p, nil
}

func (p *Pool) loop() {
	for {
		select {
		case fn := <-p.tasks:
			fn()
		case <-p.quit:
			return
		}
	}
}

// post hands fn to the coordinator. The channel is unbuffered, so true
// means the coordinator has taken fn and will run it.
func (p *Pool) post(fn func()) bool {
	select {
	case p.tasks <- fn:
		return true
	case <-p.quit:
		return false
	}
}

// call runs fn on the coordinator and waits for it to finish.
func (p *Pool) call(fn func()) bool {
	done := make(chan struct{})
	if !p.post(func() { fn(); close(done) }) {
		return false
	}
	<-done
	return true
}

func (p *Pool) Language() string { return p.language }

// Initialize spawns MinWorkers workers concurrently. Only a launch failure is
// fatal; a worker that misses its ready deadline is logged and replaced
// later. Calling Initialize again after success is a no-op.
func (p *Pool) Initialize(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.initialized.Load() {
		return nil
	}

	// Spawns end with either the caller's ctx or the pool, so a Shutdown
	// during initialization does not wait out the ready timeout.
	spawnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	start := time.Now()
	n := p.cfg.MinWorkers
	results := make(chan spawnResult, n)
	if !p.call(func() {
		for range n {
			p.grow(spawnCtx, results)
		}
	}) {
		return apperror.PoolShuttingDown(p.language)
	}

	var started []*worker.Worker
	var fatal error
	for range n {
		r := <-results
		switch {
		case r.err == nil:
			started = append(started, r.worker)
		case errors.Is(r.err, apperror.ErrWorkerStartupTimeout):
			p.logger.Warn("worker missed ready deadline during initialization", slog.String("error", r.err.Error()))
		default:
			p.logger.Error("worker failed to launch", slog.String("error", r.err.Error()))
			if fatal == nil {
				fatal = r.err
			}
		}
	}

	if fatal != nil {
		p.call(func() {
			for _, w := range started {
				if p.workers[w.ID] == w {
					delete(p.workers, w.ID)
				}
			}
		})
		terminateAll(started, p.cfg.ShutdownGrace)
		return fmt.Errorf("pool %s: initialize: %w", p.language, fatal)
	}

	p.initialized.Store(true)
	p.post(p.replenishIfNeeded)
	p.logger.Info("pool initialized",
		slog.Int("workers", len(started)),
		slog.Int("minWorkers", p.cfg.MinWorkers),
		slog.Int("maxWorkers", p.cfg.MaxWorkers),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

// Run executes code on a worker and returns its result. Invalid input and a
// full queue are reported without touching a worker. If ctx ends while the
// request is still queued it is withdrawn; once dispatched it runs to
// completion and only the caller stops waiting.
func (p *Pool) Run(ctx context.Context, code string, opts executor.ExecOptions) (*executor.ExecResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, apperror.InvalidInput("code", "code must not be empty")
	}
	if p.validator != nil {
		if err := p.validator.Validate(code); err != nil {
			if !errors.Is(err, apperror.ErrInvalidInput) {
				err = apperror.InvalidInput("code", err.Error())
			}
			return nil, err
		}
	}

	defaults := executor.DefaultExecOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.MemoryLimitMB <= 0 {
		opts.MemoryLimitMB = defaults.MemoryLimitMB
	}

	req := newRequest(p.language+"-"+xid.New().String(), code, opts, p.now())
	if !p.post(func() { p.admit(req) }) {
		return nil, apperror.PoolShuttingDown(p.language)
	}

	select {
	case out := <-req.done:
		return out.result, out.err
	case <-ctx.Done():
		p.post(func() { p.withdraw(req, ctx.Err()) })
		return nil, ctx.Err()
	}
}

// IsAvailable reports whether the pool is initialized and has at least one
// live worker.
func (p *Pool) IsAvailable() bool {
	if !p.initialized.Load() {
		return false
	}
	var ok bool
	p.call(func() { ok = len(p.workers) > 0 })
	return ok
}

// Metrics returns a copy of the rolling counters.
func (p *Pool) Metrics() executor.RunnerMetrics {
	return p.metrics.Snapshot()
}

func (p *Pool) Stats() executor.PoolStats {
	st := executor.PoolStats{
		Language:     p.language,
		MinWorkers:   p.cfg.MinWorkers,
		MaxWorkers:   p.cfg.MaxWorkers,
		MaxQueueSize: p.cfg.MaxQueueSize,
		Metrics:      p.metrics.Snapshot(),
	}
	p.call(func() {
		st.Initialized = p.initialized.Load()
		st.TotalWorkers = len(p.workers)
		for _, w := range p.workers {
			if w.Busy {
				st.BusyWorkers++
			}
		}
		st.IdleWorkers = st.TotalWorkers - st.BusyWorkers
		st.StartingWorkers = p.starting
		st.QueueLength = p.queue.len()
		st.PendingRequests = len(p.pending)
	})
	return st
}

// Warmup runs the language's trivial program once per idle worker so that
// interpreter caches are hot before real traffic. Failures are ignored.
func (p *Pool) Warmup(ctx context.Context) {
	if p.warmup == "" {
		return
	}
	var idle int
	if !p.call(func() { idle = len(p.workers) - len(p.pending) }) {
		return
	}

	var wg sync.WaitGroup
	for range idle {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Run(ctx, p.warmup, executor.ExecOptions{Timeout: time.Second, MemoryLimitMB: 64})
			if err != nil {
				p.logger.Debug("warmup run failed", slog.String("error", err.Error()))
			}
		}()
	}
	wg.Wait()
	p.logger.Debug("pool warmed up", slog.Int("workers", idle))
}

// Shutdown rejects every pending and queued request, then terminates all
// workers (SIGTERM, SIGKILL after ShutdownGrace). It is safe to call more
// than once and from several goroutines; every caller returns once the
// workers are gone or ctx ends.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		go p.shutdown()
	})
	select {
	case <-p.terminated:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool %s: shutdown: %w", p.language, ctx.Err())
	}
}

func (p *Pool) shutdown() {
	defer close(p.terminated)
	p.logger.Info("shutting down pool")

	var workers []*worker.Worker
	p.call(func() {
		workers = p.closeTables()
		close(p.quit)
	})
	p.cancel()

	terminateAll(workers, p.cfg.ShutdownGrace)
	// A spawn that was still starting kills its own worker once it sees quit.
	p.spawns.Wait()
	p.logger.Info("pool shut down", slog.Int("workers", len(workers)))
}

// closeTables runs as the coordinator's final task.
func (p *Pool) closeTables() []*worker.Worker {
	rejected := 0
	for id, req := range p.pending {
		delete(p.pending, id)
		if req.resolve(nil, apperror.PoolShuttingDown(p.language)) {
			rejected++
		}
	}
	for _, req := range p.queue.takeAll() {
		if req.resolve(nil, apperror.PoolShuttingDown(p.language)) {
			rejected++
		}
	}

	workers := make([]*worker.Worker, 0, len(p.workers))
	for id, w := range p.workers {
		workers = append(workers, w)
		delete(p.workers, id)
	}
	if rejected > 0 {
		p.logger.Warn("rejected requests on shutdown", slog.Int("count", rejected))
	}
	return workers
}

func terminateAll(workers []*worker.Worker, grace time.Duration) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Terminate(grace)
		}()
	}
	wg.Wait()
}
