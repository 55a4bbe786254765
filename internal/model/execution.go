// Package model defines the records persisted by the service.
package model

import "time"

// ExecutionStatus summarises how a request ended.
type ExecutionStatus string

const (
	// StatusSuccess: the program ran and exited cleanly.
	StatusSuccess ExecutionStatus = "success"
	// StatusFailed: the program ran and failed (exception, its own limits),
	// or the pool gave up on it (timeout, worker crash).
	StatusFailed ExecutionStatus = "failed"
	// StatusRejected: the request never reached a worker (invalid input,
	// unsupported language, full queue, shutdown).
	StatusRejected ExecutionStatus = "rejected"
)

// Execution is one entry in the execution history.
//
// ErrorKind holds the apperror sentinel text for pool-level failures
// ("queue full", "execution timeout") so the history can be filtered without
// parsing messages. It is empty when the request reached a worker and came
// back.
type Execution struct {
	ID            string          `json:"id"`
	Language      string          `json:"language"`
	Code          string          `json:"code"`
	Status        ExecutionStatus `json:"status"`
	Output        string          `json:"output"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     string          `json:"errorKind,omitempty"`
	ExitCode      int             `json:"exitCode"`
	ExecutionTime time.Duration   `json:"executionTime"`
	Client        string          `json:"client,omitempty"` // token subject, empty when auth is off
	CreatedAt     time.Time       `json:"createdAt"`
}
