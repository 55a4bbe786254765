// Package repository declares the storage contracts the service layer
// depends on. Implementations live in subpackages.
package repository

import (
	"context"

	"github.com/sakif/coderunner/internal/model"
)

type ListOptions struct {
	Limit    int
	Offset   int
	Language string // optional filter, canonical language name
}

// ExecutionRepository stores the execution history. Records are append-only.
type ExecutionRepository interface {
	Create(ctx context.Context, exec *model.Execution) error
	GetByID(ctx context.Context, id string) (*model.Execution, error)
	List(ctx context.Context, opts ListOptions) ([]model.Execution, error)
}
