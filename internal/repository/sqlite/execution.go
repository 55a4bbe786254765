package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/model"
	"github.com/sakif/coderunner/internal/repository"
)

var _ repository.ExecutionRepository = (*DB)(nil)

const executionColumns = `id, language, code, status, output, error, error_kind,
	exit_code, execution_time_us, client, created_at`

// Create inserts exec, assigning its ID and CreatedAt. xid ids sort by
// creation time, which keeps the primary key index append-mostly.
func (db *DB) Create(ctx context.Context, exec *model.Execution) error {
	exec.ID = xid.New().String()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.Language,
		exec.Code,
		string(exec.Status),
		exec.Output,
		exec.Error,
		exec.ErrorKind,
		exec.ExitCode,
		exec.ExecutionTime.Microseconds(),
		exec.Client,
		exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating execution: %w", err)
	}
	return nil
}

func (db *DB) GetByID(ctx context.Context, id string) (*model.Execution, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`,
		id,
	)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("execution", id)
		}
		return nil, fmt.Errorf("sqlite: getting execution %s: %w", id, err)
	}
	return exec, nil
}

// List returns executions newest first. Limit defaults to 20 and is capped
// at 100.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.Execution, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := max(opts.Offset, 0)

	query := `SELECT ` + executionColumns + ` FROM executions`
	args := []any{}
	if opts.Language != "" {
		query += ` WHERE language = ?`
		args = append(args, opts.Language)
	}
	// id breaks ties between records created within the same clock tick.
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing executions: %w", err)
	}
	defer rows.Close()

	execs := make([]model.Execution, 0, limit)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution row: %w", err)
		}
		execs = append(execs, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating executions: %w", err)
	}
	return execs, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*model.Execution, error) {
	var (
		exec   model.Execution
		status string
		micros int64
	)
	err := s.Scan(
		&exec.ID,
		&exec.Language,
		&exec.Code,
		&status,
		&exec.Output,
		&exec.Error,
		&exec.ErrorKind,
		&exec.ExitCode,
		&micros,
		&exec.Client,
		&exec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	exec.Status = model.ExecutionStatus(status)
	exec.ExecutionTime = time.Duration(micros) * time.Microsecond
	return &exec, nil
}
