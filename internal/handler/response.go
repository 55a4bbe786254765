package handler

// RESPONSE HELPERS:
// Every handler writes through writeJSON / WriteError so the API has one
// success shape (the payload itself) and one error shape:
//
//	{"error": "queue_full", "message": "python execution queue is full (100 waiting)"}
//
// Clients branch on "error" and show "message".

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sakif/coderunner/internal/apperror"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`           // machine-readable, e.g. "queue_full"
	Message string `json:"message"`         // human-readable
	Field   string `json:"field,omitempty"` // set for invalid input
}

// writeJSON sets headers and status before the body; anything set after the
// first Write is silently dropped.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are gone already; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorMapping pairs a sentinel with its HTTP status and wire name.
type errorMapping struct {
	target error
	status int
	name   string
}

// ERROR MAPPING:
// This table is the only place sentinels meet HTTP. The service layer and the
// pool never know about status codes. Order matters only in that the first
// match wins.
var errorMappings = []errorMapping{
	{apperror.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{apperror.ErrUnsupportedLanguage, http.StatusBadRequest, "unsupported_language"},
	{apperror.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{apperror.ErrNotFound, http.StatusNotFound, "not_found"},
	{apperror.ErrTimeout, http.StatusRequestTimeout, "timeout"},
	{apperror.ErrQueueTimeout, http.StatusRequestTimeout, "queue_timeout"},
	{apperror.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{apperror.ErrWorkerCrashed, http.StatusBadGateway, "worker_crashed"},
	{apperror.ErrQueueFull, http.StatusServiceUnavailable, "queue_full"},
	{apperror.ErrRunnerUnavailable, http.StatusServiceUnavailable, "runner_unavailable"},
	{apperror.ErrPoolShuttingDown, http.StatusServiceUnavailable, "shutting_down"},
}

// WriteError maps a domain error to its status code and writes it. Errors
// without an *apperror.AppError become a generic 500 so internal details
// (paths, SQL) never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		for _, m := range errorMappings {
			if errors.Is(err, m.target) {
				if m.target == apperror.ErrQueueFull {
					w.Header().Set("Retry-After", "1")
				}
				writeJSON(w, m.status, ErrorResponse{
					Error:   m.name,
					Message: appErr.Message,
					Field:   appErr.Field,
				})
				return
			}
		}
	}

	slog.Error("unhandled error", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}

// Unauthorized is the failure callback for auth.RequireAuth.
func Unauthorized(w http.ResponseWriter, _ *http.Request, _ error) {
	WriteError(w, apperror.Unauthorized("valid bearer token required"))
}

// RateLimited is the rejection callback for middleware.RateLimiter.
func RateLimited(w http.ResponseWriter, _ *http.Request, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	WriteError(w, apperror.RateLimited(retryAfter))
}

// decodeJSON reads a request body of at most maxBytes into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.InvalidInput("body", "request body is too large")
		}
		return apperror.InvalidInput("body", "request body must be a JSON object")
	}
	return nil
}

// intQuery reads a non-negative integer query parameter, def when absent.
func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.InvalidInput(name, name+" must be a non-negative integer")
	}
	return n, nil
}
