// Package executor defines the contract between language runners and the
// rest of the service. The daemonized worker pool in executor/pool is the
// only production implementation.
package executor

import (
	"context"
	"encoding/json"
	"time"
)

// ExecOptions are the per-request limits. They are immutable once a request
// is submitted; the pool derives a shrunk copy for requests released from
// its queue.
type ExecOptions struct {
	Timeout       time.Duration `json:"timeout"`
	MemoryLimitMB int           `json:"memoryLimit"`
}

// DefaultExecOptions mirrors the limits used when a caller sends none.
func DefaultExecOptions() ExecOptions {
	return ExecOptions{
		Timeout:       5 * time.Second,
		MemoryLimitMB: 128,
	}
}

// ExecResult is returned exactly once per request. Success=false with a nil
// Go error means the program ran and failed (syntax error, exception, its own
// time or memory limit); pool-level failures come back as errors instead.
type ExecResult struct {
	Success       bool          `json:"success"`
	Output        string        `json:"output"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"executionTime"`
	ExitCode      int           `json:"exitCode"`
}

// RunnerMetrics is a copy of a pool's rolling counters.
type RunnerMetrics struct {
	TotalExecutions      int64         `json:"totalExecutions"`
	AverageExecutionTime time.Duration `json:"averageExecutionTime"`
	SuccessRate          float64       `json:"successRate"`
	LastExecution        time.Time     `json:"lastExecution"`
}

// MarshalJSON renders the average in milliseconds, like every other duration
// on the API.
func (m RunnerMetrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TotalExecutions      int64     `json:"totalExecutions"`
		AverageExecutionTime float64   `json:"averageExecutionTime"` // ms
		SuccessRate          float64   `json:"successRate"`
		LastExecution        time.Time `json:"lastExecution"`
	}{
		TotalExecutions:      m.TotalExecutions,
		AverageExecutionTime: float64(m.AverageExecutionTime) / float64(time.Millisecond),
		SuccessRate:          m.SuccessRate,
		LastExecution:        m.LastExecution,
	})
}

// PoolStats is a point-in-time view of one pool.
type PoolStats struct {
	Language        string        `json:"language"`
	Initialized     bool          `json:"initialized"`
	TotalWorkers    int           `json:"totalWorkers"`
	BusyWorkers     int           `json:"busyWorkers"`
	IdleWorkers     int           `json:"idleWorkers"`
	StartingWorkers int           `json:"startingWorkers"`
	QueueLength     int           `json:"queueLength"`
	PendingRequests int           `json:"pendingRequests"`
	MinWorkers      int           `json:"minWorkers"`
	MaxWorkers      int           `json:"maxWorkers"`
	MaxQueueSize    int           `json:"maxQueueSize"`
	Metrics         RunnerMetrics `json:"metrics"`
}

// Runner executes code for a single language.
type Runner interface {
	Language() string
	Initialize(ctx context.Context) error
	Run(ctx context.Context, code string, opts ExecOptions) (*ExecResult, error)
	IsAvailable() bool
	Metrics() RunnerMetrics
	Stats() PoolStats
	Warmup(ctx context.Context)
	Shutdown(ctx context.Context) error
}

// Validator is the language-specific static check run before a request
// touches the pool.
type Validator interface {
	Validate(code string) error
}

// ValidatorFunc adapts a plain function to Validator.
type ValidatorFunc func(code string) error

func (f ValidatorFunc) Validate(code string) error {
	return f(code)
}
