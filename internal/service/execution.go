// Package service contains the business logic between the HTTP handlers and
// the execution engine.
//
// THE THREE-LAYER ARCHITECTURE:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (Business layer) → applies limits, picks a runner, records history
//	Registry / Repository    → runs code / reads and writes the database
//
// The service never sees HTTP and never sees SQL. It takes its collaborators
// as interfaces so tests can hand it a fake runner and an in-memory store.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/model"
	"github.com/sakif/coderunner/internal/repository"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Runners resolves a language to the runner serving it. *registry.Registry
// satisfies it.
type Runners interface {
	Runner(language string) (executor.Runner, error)
	Normalize(language string) string
}

// Limits bound what a caller may ask for.
type Limits struct {
	Defaults   executor.ExecOptions
	MaxTimeout time.Duration
}

// ExecuteInput is one caller request. A zero Timeout means the default.
type ExecuteInput struct {
	Language string
	Code     string
	Timeout  time.Duration
	Client   string
}

type ExecutionService struct {
	runners Runners
	repo    repository.ExecutionRepository
	limits  Limits
	logger  *slog.Logger
}

// NewExecutionService wires the service. repo may be nil, in which case no
// history is kept (the one-shot CLI does this).
func NewExecutionService(runners Runners, repo repository.ExecutionRepository, limits Limits, logger *slog.Logger) *ExecutionService {
	return &ExecutionService{
		runners: runners,
		repo:    repo,
		limits:  limits,
		logger:  logger,
	}
}

// Execute runs code and records the outcome.
//
// The returned record is non-nil whenever the request got as far as a
// runner, including when the program itself failed (Status == failed with a
// nil error). A non-nil error means the request was rejected or the pool gave
// up on it; the record is still written to history.
func (s *ExecutionService) Execute(ctx context.Context, in ExecuteInput) (*model.Execution, error) {
	language := s.runners.Normalize(in.Language)
	rec := &model.Execution{
		Language: language,
		Code:     in.Code,
		Client:   in.Client,
	}

	if language == "" {
		err := apperror.InvalidInput("language", "language is required")
		s.record(ctx, rec, nil, err)
		return nil, err
	}

	opts, err := s.options(in.Timeout)
	if err != nil {
		s.record(ctx, rec, nil, err)
		return nil, err
	}

	runner, err := s.runners.Runner(language)
	if err != nil {
		s.record(ctx, rec, nil, err)
		return nil, err
	}

	res, err := runner.Run(ctx, in.Code, opts)
	s.record(ctx, rec, res, err)
	if err != nil {
		s.logger.Info("execution rejected",
			slog.String("language", language),
			slog.String("kind", apperror.Kind(err)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("execution finished",
		slog.String("id", rec.ID),
		slog.String("language", language),
		slog.Bool("success", res.Success),
		slog.Duration("execution_time", res.ExecutionTime),
	)
	return rec, nil
}

// options clamps the requested timeout into (0, MaxTimeout].
func (s *ExecutionService) options(timeout time.Duration) (executor.ExecOptions, error) {
	opts := s.limits.Defaults
	switch {
	case timeout < 0:
		return opts, apperror.InvalidInput("timeout", "timeout must not be negative")
	case timeout == 0:
	case s.limits.MaxTimeout > 0 && timeout > s.limits.MaxTimeout:
		opts.Timeout = s.limits.MaxTimeout
	default:
		opts.Timeout = timeout
	}
	return opts, nil
}

// record fills rec from the outcome and stores it. Storage problems are
// logged and swallowed: losing a history row must not fail an execution.
func (s *ExecutionService) record(ctx context.Context, rec *model.Execution, res *executor.ExecResult, runErr error) {
	switch {
	case runErr != nil:
		rec.Status = StatusFor(runErr)
		rec.Error = runErr.Error()
		rec.ErrorKind = apperror.Kind(runErr)
	case res.Success:
		rec.Status = model.StatusSuccess
	default:
		rec.Status = model.StatusFailed
	}
	if res != nil {
		rec.Output = res.Output
		if res.Error != "" {
			rec.Error = res.Error
		}
		rec.ExitCode = res.ExitCode
		rec.ExecutionTime = res.ExecutionTime
	}

	if s.repo == nil {
		return
	}
	// The caller may have gone away; the record should still land.
	ctx = context.WithoutCancel(ctx)
	if err := s.repo.Create(ctx, rec); err != nil {
		s.logger.Error("failed to record execution",
			slog.String("language", rec.Language),
			slog.String("error", err.Error()),
		)
	}
}

// StatusFor separates requests that never reached a worker from those a
// worker took and lost.
func StatusFor(err error) model.ExecutionStatus {
	if errors.Is(err, apperror.ErrTimeout) || errors.Is(err, apperror.ErrWorkerCrashed) {
		return model.StatusFailed
	}
	return model.StatusRejected
}

func (s *ExecutionService) Get(ctx context.Context, id string) (*model.Execution, error) {
	if s.repo == nil {
		return nil, apperror.NotFound("execution", id)
	}
	return s.repo.GetByID(ctx, id)
}

// List pages through history, newest first. An unknown language filter is
// passed through and simply matches nothing.
func (s *ExecutionService) List(ctx context.Context, language string, limit, offset int) ([]model.Execution, error) {
	if s.repo == nil {
		return []model.Execution{}, nil
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		return nil, apperror.InvalidInput("offset", "offset must not be negative")
	}
	if language != "" {
		language = s.runners.Normalize(language)
	}
	return s.repo.List(ctx, repository.ListOptions{
		Limit:    limit,
		Offset:   offset,
		Language: language,
	})
}
