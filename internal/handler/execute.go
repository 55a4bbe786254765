package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/auth"
	"github.com/sakif/coderunner/internal/model"
	"github.com/sakif/coderunner/internal/service"
)

// maxExecuteBody leaves room for the largest accepted program plus JSON
// escaping overhead.
const maxExecuteBody = 256 << 10

// ExecutionService is the part of service.ExecutionService the handlers use.
type ExecutionService interface {
	Execute(ctx context.Context, in service.ExecuteInput) (*model.Execution, error)
	Get(ctx context.Context, id string) (*model.Execution, error)
	List(ctx context.Context, language string, limit, offset int) ([]model.Execution, error)
}

type ExecuteHandler struct {
	svc    ExecutionService
	logger *slog.Logger
}

func NewExecuteHandler(svc ExecutionService, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{svc: svc, logger: logger}
}

// ExecuteRequest is the body of POST /api/v1/execute. Timeout is in
// milliseconds; zero means the server default.
type ExecuteRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Timeout  int64  `json:"timeout,omitempty"`
}

// ExecutionResponse is one execution as the API shows it. Durations are
// whole milliseconds.
type ExecutionResponse struct {
	ID            string    `json:"id,omitempty"`
	Language      string    `json:"language"`
	Status        string    `json:"status"`
	Success       bool      `json:"success"`
	Output        string    `json:"output"`
	Error         string    `json:"error,omitempty"`
	ErrorKind     string    `json:"errorKind,omitempty"`
	ExitCode      int       `json:"exitCode"`
	ExecutionTime int64     `json:"executionTime"`
	Code          string    `json:"code,omitempty"`
	Client        string    `json:"client,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func newExecutionResponse(e *model.Execution, withCode bool) ExecutionResponse {
	resp := ExecutionResponse{
		ID:            e.ID,
		Language:      e.Language,
		Status:        string(e.Status),
		Success:       e.Status == model.StatusSuccess,
		Output:        e.Output,
		Error:         e.Error,
		ErrorKind:     e.ErrorKind,
		ExitCode:      e.ExitCode,
		ExecutionTime: e.ExecutionTime.Milliseconds(),
		Client:        e.Client,
		CreatedAt:     e.CreatedAt,
	}
	if withCode {
		resp.Code = e.Code
	}
	return resp
}

// HandleExecute runs code and returns the result.
//
// HTTP: POST /api/v1/execute
//
// A program that fails (exception, non-zero exit, its own timeout) is still a
// 200 with success=false: the request itself succeeded. Non-2xx statuses are
// reserved for requests the service could not carry out.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeJSON(w, r, maxExecuteBody, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Code == "" {
		WriteError(w, apperror.InvalidInput("code", "code must not be empty"))
		return
	}
	if req.Language == "" {
		WriteError(w, apperror.InvalidInput("language", "missing required field: language"))
		return
	}

	client, _ := auth.ClientFromContext(r.Context())
	h.logger.Debug("execute request",
		slog.String("language", req.Language),
		slog.Int("code_length", len(req.Code)),
		slog.String("client", client),
	)

	rec, err := h.svc.Execute(r.Context(), service.ExecuteInput{
		Language: req.Language,
		Code:     req.Code,
		Timeout:  time.Duration(req.Timeout) * time.Millisecond,
		Client:   client,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newExecutionResponse(rec, false))
}

// HandleList pages through history.
//
// HTTP: GET /api/v1/executions?language=python&limit=20&offset=0
func (h *ExecuteHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", service.DefaultListLimit)
	if err != nil {
		WriteError(w, err)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		WriteError(w, err)
		return
	}

	execs, err := h.svc.List(r.Context(), r.URL.Query().Get("language"), limit, offset)
	if err != nil {
		WriteError(w, err)
		return
	}

	out := make([]ExecutionResponse, len(execs))
	for i := range execs {
		out[i] = newExecutionResponse(&execs[i], false)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": out,
		"limit":      limit,
		"offset":     offset,
	})
}

// HandleGet returns one execution including its code.
//
// HTTP: GET /api/v1/executions/{id}
func (h *ExecuteHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newExecutionResponse(rec, true))
}
