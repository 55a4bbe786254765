package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/auth"
	"github.com/sakif/coderunner/internal/handler"
	"github.com/sakif/coderunner/internal/model"
	"github.com/sakif/coderunner/internal/service"
)

// mockService records what the handler passed and answers with fixed values.
type mockService struct {
	captured service.ExecuteInput
	rec      *model.Execution
	err      error

	listLang          string
	listLimit, listOf int
	list              []model.Execution
}

func (m *mockService) Execute(_ context.Context, in service.ExecuteInput) (*model.Execution, error) {
	m.captured = in
	return m.rec, m.err
}

func (m *mockService) Get(_ context.Context, id string) (*model.Execution, error) {
	if m.rec != nil && m.rec.ID == id {
		return m.rec, nil
	}
	return nil, apperror.NotFound("execution", id)
}

func (m *mockService) List(_ context.Context, language string, limit, offset int) ([]model.Execution, error) {
	m.listLang, m.listLimit, m.listOf = language, limit, offset
	return m.list, m.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func postExecute(ctx context.Context, t *testing.T, h *handler.ExecuteHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequestWithContext(ctx, http.MethodPost, "/api/v1/execute", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.HandleExecute(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) handler.ErrorResponse {
	t.Helper()
	var body handler.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

func TestHandleExecute(t *testing.T) {
	t.Run("valid execution", func(t *testing.T) {
		svc := &mockService{rec: &model.Execution{
			ID:            "cv37rs3pp9olc6atsptg",
			Language:      "python",
			Status:        model.StatusSuccess,
			Output:        "Hello World",
			ExecutionTime: 12 * time.Millisecond,
			CreatedAt:     time.Now(),
		}}
		h := handler.NewExecuteHandler(svc, discardLogger())

		ctx := auth.WithClient(context.Background(), "ci")
		rr := postExecute(ctx, t, h, `{"language":"py","code":"print('Hello World')","timeout":2500}`)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var res handler.ExecutionResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
		assert.True(t, res.Success)
		assert.Equal(t, "Hello World", res.Output)
		assert.Equal(t, int64(12), res.ExecutionTime)
		assert.Equal(t, "cv37rs3pp9olc6atsptg", res.ID)
		assert.Empty(t, res.Code, "execute response does not echo code")

		assert.Equal(t, "py", svc.captured.Language)
		assert.Equal(t, 2500*time.Millisecond, svc.captured.Timeout)
		assert.Equal(t, "ci", svc.captured.Client)
	})

	t.Run("program failure is still 200", func(t *testing.T) {
		svc := &mockService{rec: &model.Execution{
			Language: "python",
			Status:   model.StatusFailed,
			Error:    "ZeroDivisionError: division by zero",
			ExitCode: 1,
		}}
		h := handler.NewExecuteHandler(svc, discardLogger())

		rr := postExecute(context.Background(), t, h, `{"language":"python","code":"1/0"}`)
		assert.Equal(t, http.StatusOK, rr.Code)

		var res handler.ExecutionResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
		assert.False(t, res.Success)
		assert.Equal(t, 1, res.ExitCode)
		assert.Contains(t, res.Error, "ZeroDivisionError")
	})

	t.Run("bad requests", func(t *testing.T) {
		tests := []struct {
			name  string
			body  string
			field string
		}{
			{"invalid json", `{"code":`, "body"},
			{"empty code", `{"language":"python","code":""}`, "code"},
			{"missing language", `{"code":"print(1)"}`, "language"},
			{"too large", `{"language":"python","code":"` + strings.Repeat("x", 300<<10) + `"}`, "body"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				h := handler.NewExecuteHandler(&mockService{}, discardLogger())
				rr := postExecute(context.Background(), t, h, tt.body)

				assert.Equal(t, http.StatusBadRequest, rr.Code)
				body := decodeError(t, rr)
				assert.Equal(t, "invalid_input", body.Error)
				assert.Equal(t, tt.field, body.Field)
			})
		}
	})
}

func TestHandleExecuteErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
		retryAfter string
	}{
		{"invalid input", apperror.InvalidInput("code", "code contains potentially dangerous operations"), 400, "invalid_input", ""},
		{"unsupported", apperror.UnsupportedLanguage("ruby", []string{"python"}), 400, "unsupported_language", ""},
		{"timeout", apperror.Timeout("python", time.Second), 408, "timeout", ""},
		{"queue timeout", apperror.QueueTimeout("python", time.Second, false), 408, "queue_timeout", ""},
		{"crash", apperror.WorkerCrashed("python", "w1"), 502, "worker_crashed", ""},
		{"queue full", apperror.QueueFull("python", 100), 503, "queue_full", "1"},
		{"unavailable", apperror.RunnerUnavailable("python"), 503, "runner_unavailable", ""},
		{"shutting down", apperror.PoolShuttingDown("python"), 503, "shutting_down", ""},
		{"unknown", io.ErrUnexpectedEOF, 500, "internal_error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := handler.NewExecuteHandler(&mockService{err: tt.err}, discardLogger())
			rr := postExecute(context.Background(), t, h, `{"language":"python","code":"x"}`)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.retryAfter, rr.Header().Get("Retry-After"))
			body := decodeError(t, rr)
			assert.Equal(t, tt.wantError, body.Error)
			if tt.wantStatus != 500 {
				assert.Equal(t, tt.err.Error(), body.Message)
			} else {
				assert.NotContains(t, body.Message, "unexpected EOF", "internal details stay internal")
			}
		})
	}
}

func TestHandleExecutions(t *testing.T) {
	rec := &model.Execution{ID: "abc", Language: "python", Code: "print(1)", Status: model.StatusSuccess, Output: "1"}
	svc := &mockService{rec: rec, list: []model.Execution{*rec}}
	h := handler.NewExecuteHandler(svc, discardLogger())

	r := chi.NewRouter()
	r.Get("/executions", h.HandleList)
	r.Get("/executions/{id}", h.HandleGet)

	t.Run("list", func(t *testing.T) {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/executions?language=py&limit=5&offset=10", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var body struct {
			Executions []handler.ExecutionResponse `json:"executions"`
			Limit      int                         `json:"limit"`
		}
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		require.Len(t, body.Executions, 1)
		assert.Empty(t, body.Executions[0].Code)
		assert.Equal(t, 5, body.Limit)
		assert.Equal(t, "py", svc.listLang)
		assert.Equal(t, 10, svc.listOf)
	})

	t.Run("bad limit", func(t *testing.T) {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/executions?limit=-1", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("get", func(t *testing.T) {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/executions/abc", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var res handler.ExecutionResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
		assert.Equal(t, "print(1)", res.Code)
	})

	t.Run("not found", func(t *testing.T) {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/executions/nope", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "not_found", decodeError(t, rr).Error)
	})
}

func TestRateLimitedResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	handler.RateLimited(rr, httptest.NewRequest(http.MethodPost, "/", nil), 1500*time.Millisecond)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, rr).Error)
}
