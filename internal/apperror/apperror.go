// Package apperror defines the error taxonomy shared by the execution engine,
// the service layer and the HTTP surface.
//
// Every failure a caller can observe is an *AppError wrapping one of the
// sentinel errors below. Callers branch with errors.Is(err, apperror.ErrQueueFull)
// and read the human-readable text from AppError.Message. Raw process or
// parsing errors never leave the pool; they are translated into this taxonomy.
package apperror

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")

	// Registry level.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrRunnerUnavailable   = errors.New("runner unavailable")

	// Admission control and dispatch.
	ErrQueueFull        = errors.New("queue full")
	ErrQueueTimeout     = errors.New("queue timeout")
	ErrTimeout          = errors.New("execution timeout")
	ErrWorkerCrashed    = errors.New("worker crashed")
	ErrPoolShuttingDown = errors.New("pool shutting down")

	// Worker lifecycle.
	ErrWorkerStartupTimeout = errors.New("worker startup timeout")
	ErrWorkerSpawn          = errors.New("worker spawn failure")
)

type AppError struct {
	Err     error  // sentinel from the list above
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

// InvalidInput reports code or options the caller must fix before retrying.
func InvalidInput(field, message string) *AppError {
	return &AppError{
		Err:     ErrInvalidInput,
		Message: message,
		Field:   field,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

func RateLimited(retryAfter time.Duration) *AppError {
	return &AppError{
		Err:     ErrRateLimited,
		Message: fmt.Sprintf("too many requests, retry after %s", retryAfter.Round(time.Second)),
	}
}

func UnsupportedLanguage(language string, available []string) *AppError {
	msg := fmt.Sprintf("language '%s' is not supported", language)
	if len(available) > 0 {
		msg = fmt.Sprintf("%s. Available: %s", msg, strings.Join(available, ", "))
	}
	return &AppError{
		Err:     ErrUnsupportedLanguage,
		Message: msg,
		Field:   "language",
	}
}

func RunnerUnavailable(language string) *AppError {
	return &AppError{
		Err:     ErrRunnerUnavailable,
		Message: fmt.Sprintf("%s runner is not available", language),
	}
}

// QueueFull is the backpressure rejection. Callers may retry with backoff.
func QueueFull(language string, size int) *AppError {
	return &AppError{
		Err:     ErrQueueFull,
		Message: fmt.Sprintf("%s execution queue is full (%d waiting)", language, size),
	}
}

func QueueTimeout(language string, waited time.Duration, warming bool) *AppError {
	msg := fmt.Sprintf("%s request timed out in queue (waited %s)", language, waited.Round(time.Millisecond))
	if warming {
		msg = fmt.Sprintf("%s runner still initializing (waited %s)", language, waited.Round(time.Millisecond))
	}
	return &AppError{
		Err:     ErrQueueTimeout,
		Message: msg,
	}
}

func Timeout(language string, budget time.Duration) *AppError {
	return &AppError{
		Err:     ErrTimeout,
		Message: fmt.Sprintf("%s execution timeout after %s", language, budget),
	}
}

func WorkerCrashed(language, workerID string) *AppError {
	return &AppError{
		Err:     ErrWorkerCrashed,
		Message: fmt.Sprintf("%s worker %s exited while executing the request", language, workerID),
	}
}

func PoolShuttingDown(language string) *AppError {
	return &AppError{
		Err:     ErrPoolShuttingDown,
		Message: fmt.Sprintf("%s pool is shutting down", language),
	}
}

func WorkerStartupTimeout(workerID string, after time.Duration) *AppError {
	return &AppError{
		Err:     ErrWorkerStartupTimeout,
		Message: fmt.Sprintf("worker %s did not become ready within %s", workerID, after),
	}
}

// WorkerSpawn wraps a process launch failure. The result matches both
// ErrWorkerSpawn and the launch cause.
func WorkerSpawn(workerID string, cause error) error {
	return fmt.Errorf("%w: %w", &AppError{
		Err:     ErrWorkerSpawn,
		Message: fmt.Sprintf("failed to start worker %s", workerID),
	}, cause)
}

// Kind returns the text of the sentinel behind err, e.g. "queue full", or ""
// when err carries no *AppError.
func Kind(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Err != nil {
		return appErr.Err.Error()
	}
	return ""
}
