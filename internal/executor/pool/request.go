package pool

import (
	"slices"
	"time"

	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/executor/worker"
)

type requestState int

const (
	stateQueued requestState = iota
	stateDispatched
	stateResolved
)

func (s requestState) String() string {
	switch s {
	case stateQueued:
		return "queued"
	case stateDispatched:
		return "dispatched"
	case stateResolved:
		return "resolved"
	}
	return "unknown"
}

type outcome struct {
	result *executor.ExecResult
	err    error
}

// request is one Run call. Every field is owned by the coordinator; the
// caller only ever reads done.
type request struct {
	id         string
	code       string
	opts       executor.ExecOptions
	enqueuedAt time.Time

	state        requestState
	worker       *worker.Worker
	budget       time.Duration // timeout actually given to the worker
	dispatchedAt time.Time
	timer        *time.Timer

	done chan outcome // buffered, receives exactly one value
}

func newRequest(id, code string, opts executor.ExecOptions, now time.Time) *request {
	return &request{
		id:         id,
		code:       code,
		opts:       opts,
		enqueuedAt: now,
		done:       make(chan outcome, 1),
	}
}

// resolve delivers the outcome unless one was already delivered, and
// reports whether this call won.
func (r *request) resolve(res *executor.ExecResult, err error) bool {
	if r.state == stateResolved {
		return false
	}
	r.state = stateResolved
	r.worker = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.done <- outcome{result: res, err: err}
	return true
}

// queue is the FIFO of requests waiting for a worker.
type queue struct {
	items []*request
}

func (q *queue) len() int { return len(q.items) }

func (q *queue) push(r *request) {
	q.items = append(q.items, r)
}

func (q *queue) pop() *request {
	if len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return r
}

// remove drops r wherever it sits in the queue.
func (q *queue) remove(r *request) bool {
	i := slices.Index(q.items, r)
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	return true
}

// takeAll empties the queue, oldest first.
func (q *queue) takeAll() []*request {
	items := q.items
	q.items = nil
	return items
}
