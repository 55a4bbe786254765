package pool

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor/ipc"
	"github.com/sakif/coderunner/internal/executor/worker"
)

type spawnResult struct {
	worker *worker.Worker
	err    error
}

// grow reserves a slot and starts one worker in the background. notify, if
// set, receives the outcome after the coordinator has seen it.
// Coordinator only.
func (p *Pool) grow(ctx context.Context, notify chan<- spawnResult) {
	p.starting++
	p.spawns.Add(1)
	go p.spawn(ctx, notify)
}

func (p *Pool) spawn(ctx context.Context, notify chan<- spawnResult) {
	defer p.spawns.Done()

	w, err := worker.Start(ctx, worker.Options{
		Language:     p.language,
		Command:      p.command,
		Launcher:     p.launcher,
		ReadyTimeout: p.cfg.ReadyTimeout,
		Logger:       p.logger,
		OnResult: func(w *worker.Worker, res *ipc.Result) {
			p.post(func() { p.onResult(w, res) })
		},
		OnExit: func(w *worker.Worker, err error) {
			p.post(func() { p.onExit(w, err) })
		},
	})

	if !p.post(func() { p.onSpawned(w, err) }) && w != nil {
		// The pool shut down while this worker was starting.
		w.Kill()
	}
	if notify != nil {
		notify <- spawnResult{worker: w, err: err}
	}
}

func (p *Pool) onSpawned(w *worker.Worker, err error) {
	p.starting--
	if err != nil {
		p.logger.Error("failed to start worker", slog.String("error", err.Error()))
		p.replenishIfNeeded()
		return
	}
	if w.Exited() {
		p.logger.Warn("worker exited right after starting", slog.String("worker", w.ID))
		p.replenishIfNeeded()
		return
	}

	p.workers[w.ID] = w
	p.logger.Info("worker started",
		slog.String("worker", w.ID),
		slog.Int("workers", len(p.workers)),
	)
	p.drain()
}

// onExit handles a worker process that is gone, whether it crashed or was
// killed for a desync. Workers the pool already let go of are ignored.
func (p *Pool) onExit(w *worker.Worker, exitErr error) {
	if p.workers[w.ID] != w {
		return
	}
	delete(p.workers, w.ID)

	attrs := []any{slog.String("worker", w.ID), slog.Int("workers", len(p.workers))}
	if exitErr != nil {
		attrs = append(attrs, slog.String("error", exitErr.Error()))
	}
	p.logger.Warn("worker died", attrs...)

	if req, ok := p.pending[w.Current]; ok && req.worker == w {
		delete(p.pending, req.id)
		p.metrics.Record(p.now().Sub(req.dispatchedAt), false)
		req.resolve(nil, apperror.WorkerCrashed(p.language, w.ID))
	}
	w.Busy = false
	w.Current = ""

	p.replenishIfNeeded()
	p.drain()
}

// discard removes a live worker from the pool and stops it.
func (p *Pool) discard(w *worker.Worker) {
	delete(p.workers, w.ID)
	go w.Terminate(p.cfg.ShutdownGrace)
	p.replenishIfNeeded()
}

// replenishIfNeeded schedules a replacement spawn after the backoff when the
// pool is under its floor or queued requests have nobody to run them. At
// most one replacement round is pending at a time, which keeps a crashing
// interpreter from turning into a spawn storm.
func (p *Pool) replenishIfNeeded() {
	if !p.initialized.Load() || p.replenishScheduled {
		return
	}
	if p.size() >= p.cfg.MinWorkers && p.queue.len() == 0 {
		return
	}
	p.replenishScheduled = true
	time.AfterFunc(p.cfg.ReplaceBackoff, func() {
		p.post(p.replenish)
	})
}

func (p *Pool) replenish() {
	p.replenishScheduled = false
	for p.size() < p.cfg.MinWorkers {
		p.grow(p.ctx, nil)
	}
	p.growForQueue()
}

// growForQueue starts at most one spawn per queued request.
func (p *Pool) growForQueue() {
	for p.starting < p.queue.len() && p.size() < p.cfg.MaxWorkers {
		p.grow(p.ctx, nil)
	}
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !p.post(p.evictIdle) {
				return
			}
		case <-p.quit:
			return
		}
	}
}

// evictIdle stops workers that have been idle longer than WorkerIdleTimeout,
// longest-idle first, without going below MinWorkers.
func (p *Pool) evictIdle() {
	now := p.now()
	var stale []*worker.Worker
	for _, w := range p.workers {
		if !w.Busy && now.Sub(w.LastUsed) > p.cfg.WorkerIdleTimeout {
			stale = append(stale, w)
		}
	}
	slices.SortFunc(stale, func(a, b *worker.Worker) int {
		return cmp.Compare(a.LastUsed.UnixNano(), b.LastUsed.UnixNano())
	})

	excess := len(p.workers) - p.cfg.MinWorkers
	for _, w := range stale {
		if excess <= 0 {
			break
		}
		delete(p.workers, w.ID)
		go w.Terminate(p.cfg.ShutdownGrace)
		excess--
		p.logger.Info("evicted idle worker",
			slog.String("worker", w.ID),
			slog.Duration("idle", now.Sub(w.LastUsed)),
			slog.Int("workers", len(p.workers)),
		)
	}
}
