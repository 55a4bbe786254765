// Package metrics keeps the rolling execution counters of one pool.
package metrics

import (
	"sync"
	"time"

	"github.com/sakif/coderunner/internal/executor"
)

// WindowSize is the number of recent durations averaged.
const WindowSize = 100

// Recorder is written by the pool coordinator only, but snapshots may be
// taken from any goroutine.
type Recorder struct {
	mu sync.Mutex

	window [WindowSize]time.Duration
	next   int // slot the next sample overwrites
	filled int
	sum    time.Duration

	total     int64
	successes int64
	last      time.Time

	now func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Record adds one resolved request. The oldest sample is dropped once the
// window is full, keeping the average O(1).
func (r *Recorder) Record(d time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled == WindowSize {
		r.sum -= r.window[r.next]
	} else {
		r.filled++
	}
	r.window[r.next] = d
	r.sum += d
	r.next = (r.next + 1) % WindowSize

	r.total++
	if success {
		r.successes++
	}
	r.last = r.now()
}

// Snapshot returns a copy. Success rate is 100 until something is recorded.
func (r *Recorder) Snapshot() executor.RunnerMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := executor.RunnerMetrics{
		TotalExecutions: r.total,
		SuccessRate:     100,
		LastExecution:   r.last,
	}
	if r.filled > 0 {
		m.AverageExecutionTime = r.sum / time.Duration(r.filled)
	}
	if r.total > 0 {
		m.SuccessRate = float64(r.successes) / float64(r.total) * 100
	}
	return m
}
