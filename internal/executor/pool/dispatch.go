package pool

import (
	"context"
	"log/slog"
	"time"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/executor/ipc"
	"github.com/sakif/coderunner/internal/executor/worker"
)

// Everything in this file runs on the coordinator goroutine.

// admit is the entry point for a new request: run it now, queue it, or
// turn it away.
func (p *Pool) admit(req *request) {
	if w := p.idleWorker(); w != nil {
		p.dispatch(w, req, req.opts.Timeout)
		return
	}

	// Growth never blocks this request; it is queued behind the spawn.
	if p.size() < p.cfg.MaxWorkers {
		p.grow(p.ctx, nil)
	}

	if p.queue.len() >= p.cfg.MaxQueueSize {
		p.logger.Warn("queue full, rejecting request",
			slog.String("requestId", req.id),
			slog.Int("maxQueueSize", p.cfg.MaxQueueSize),
		)
		req.resolve(nil, apperror.QueueFull(p.language, p.cfg.MaxQueueSize))
		return
	}

	p.queue.push(req)
	// A request that waits its whole timeout could never be dispatched, so
	// it is expired without waiting for a worker to free up.
	req.timer = time.AfterFunc(req.opts.Timeout, func() {
		p.post(func() { p.expireQueued(req) })
	})
}

// dispatch binds req to an idle worker.
func (p *Pool) dispatch(w *worker.Worker, req *request, budget time.Duration) {
	if req.timer != nil {
		req.timer.Stop()
	}

	w.Busy = true
	w.Current = req.id
	req.state = stateDispatched
	req.worker = w
	req.budget = budget
	req.dispatchedAt = p.now()
	p.pending[req.id] = req

	req.timer = time.AfterFunc(budget+p.cfg.TimeoutGrace, func() {
		p.post(func() { p.onDeadline(req) })
	})

	err := w.Send(ipc.Execute{
		RequestID: req.id,
		Code:      req.code,
		Options: ipc.Options{
			TimeoutMS:     budget.Milliseconds(),
			MemoryLimitMB: req.opts.MemoryLimitMB,
		},
	})
	if err != nil {
		// The worker is dying; its exit resolves the request as crashed.
		p.logger.Warn("failed to hand request to worker",
			slog.String("worker", w.ID),
			slog.String("requestId", req.id),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) onResult(w *worker.Worker, res *ipc.Result) {
	req, ok := p.pending[res.RequestID]
	if !ok || req.worker != w {
		p.logger.Warn("discarding result for unknown request",
			slog.String("worker", w.ID),
			slog.String("requestId", res.RequestID),
		)
		return
	}

	delete(p.pending, req.id)
	now := p.now()
	w.Busy = false
	w.Current = ""
	w.LastUsed = now
	w.TotalExecutions++

	elapsed := res.ExecutionTime
	if elapsed <= 0 {
		elapsed = now.Sub(req.dispatchedAt)
	}
	p.metrics.Record(elapsed, res.Success)

	req.resolve(&executor.ExecResult{
		Success:       res.Success,
		Output:        res.Output,
		Error:         res.Error,
		ExecutionTime: elapsed,
		ExitCode:      res.ExitCode,
	}, nil)
	p.drain()
}

// onDeadline fires when a dispatched request has had its budget plus grace.
// The worker is not interrupted; if it answers later the result no longer
// matches a pending request and is dropped.
func (p *Pool) onDeadline(req *request) {
	if req.state != stateDispatched {
		return
	}
	w := req.worker
	delete(p.pending, req.id)
	w.FailureCount++
	p.metrics.Record(p.now().Sub(req.dispatchedAt), false)

	if p.cfg.RecycleOnTimeout {
		p.logger.Warn("request timed out, recycling worker",
			slog.String("worker", w.ID),
			slog.String("requestId", req.id),
		)
		p.discard(w)
	} else {
		p.logger.Warn("request timed out",
			slog.String("worker", w.ID),
			slog.String("requestId", req.id),
			slog.Duration("budget", req.budget),
		)
		w.Busy = false
		w.Current = ""
		w.LastUsed = p.now()
	}

	p.drain()
	req.resolve(nil, apperror.Timeout(p.language, req.budget))
}

// drain hands queued requests, oldest first, to idle workers. Each request
// is checked against the time it has left; one that can no longer finish is
// rejected and the next one is considered.
func (p *Pool) drain() {
	for p.queue.len() > 0 {
		w := p.idleWorker()
		if w == nil {
			break
		}
		req := p.queue.pop()

		waited := p.now().Sub(req.enqueuedAt)
		remaining := req.opts.Timeout - waited
		warming := len(p.workers) < p.cfg.MinWorkers
		floor := p.cfg.HotFloor
		if warming {
			floor = p.cfg.WarmFloor
		}

		if remaining < floor {
			p.logger.Warn("queued request ran out of time",
				slog.String("requestId", req.id),
				slog.Duration("waited", waited),
				slog.Bool("warming", warming),
			)
			req.resolve(nil, apperror.QueueTimeout(p.language, waited, warming))
			continue
		}
		p.dispatch(w, req, remaining)
	}
	p.growForQueue()
}

func (p *Pool) expireQueued(req *request) {
	if req.state != stateQueued || !p.queue.remove(req) {
		return
	}
	waited := p.now().Sub(req.enqueuedAt)
	p.logger.Warn("queued request expired before a worker was free",
		slog.String("requestId", req.id),
		slog.Duration("waited", waited),
	)
	req.resolve(nil, apperror.QueueTimeout(p.language, waited, len(p.workers) < p.cfg.MinWorkers))
}

// withdraw drops a request whose caller went away. Dispatched requests are
// left alone: the worker is already running them.
func (p *Pool) withdraw(req *request, cause error) {
	if req.state != stateQueued || !p.queue.remove(req) {
		return
	}
	if cause == nil {
		cause = context.Canceled
	}
	req.resolve(nil, cause)
}

// idleWorker picks the most recently used idle worker so that the others
// age toward eviction.
func (p *Pool) idleWorker() *worker.Worker {
	var best *worker.Worker
	for _, w := range p.workers {
		if w.Busy {
			continue
		}
		if best == nil || w.LastUsed.After(best.LastUsed) {
			best = w
		}
	}
	return best
}

// size counts live workers plus spawns in flight.
func (p *Pool) size() int {
	return len(p.workers) + p.starting
}
