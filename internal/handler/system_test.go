package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/coderunner/internal/auth"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/handler"
	"github.com/sakif/coderunner/internal/registry"
)

type fakeRunners struct {
	statuses []registry.Status
}

func (f fakeRunners) Languages() []string {
	var out []string
	for _, st := range f.statuses {
		out = append(out, st.Language)
	}
	return out
}

func (f fakeRunners) Available() []string {
	var out []string
	for _, st := range f.statuses {
		if st.Available {
			out = append(out, st.Language)
		}
	}
	return out
}

func (f fakeRunners) Status() []registry.Status { return f.statuses }

func status(lang string, available bool) registry.Status {
	return registry.Status{
		Language:  lang,
		Available: available,
		Stats:     executor.PoolStats{Language: lang, Initialized: true, TotalWorkers: 2, IdleWorkers: 2},
	}
}

func TestHandleLanguages(t *testing.T) {
	h := handler.NewSystemHandler(fakeRunners{statuses: []registry.Status{
		{Language: "javascript", Aliases: []string{"js", "node"}, Available: false},
		{Language: "python", Aliases: []string{"py"}, Available: true},
	}})

	rr := httptest.NewRecorder()
	h.HandleLanguages(rr, httptest.NewRequest(http.MethodGet, "/api/v1/languages", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Languages []handler.LanguageInfo `json:"languages"`
		Available []string               `json:"available"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Len(t, body.Languages, 2)
	assert.Equal(t, []string{"js", "node"}, body.Languages[0].Aliases)
	assert.Equal(t, []string{"python"}, body.Available)
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []registry.Status
		wantCode   int
		wantStatus string
	}{
		{"all up", []registry.Status{status("python", true), status("javascript", true)}, 200, "ok"},
		{"one down", []registry.Status{status("python", true), status("javascript", false)}, 200, "degraded"},
		{"all down", []registry.Status{status("python", false)}, 503, "unavailable"},
		{"nothing configured", nil, 503, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := handler.NewSystemHandler(fakeRunners{statuses: tt.statuses})
			rr := httptest.NewRecorder()
			h.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

			assert.Equal(t, tt.wantCode, rr.Code)
			var body handler.HealthResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, "coderunner", body.Service)
			assert.Len(t, body.Runners, len(tt.statuses))
			assert.GreaterOrEqual(t, body.Uptime, 0.0)
		})
	}
}

func TestHandleToken(t *testing.T) {
	hash, err := auth.NewKeyService(nil).WithCost(bcrypt.MinCost).Hash("ci-key-0123456789")
	require.NoError(t, err)
	keys := auth.NewKeyService(map[string]string{"ci": hash})
	tokens, err := auth.NewTokenService("test-secret-at-least-16-chars!!", time.Hour)
	require.NoError(t, err)
	h := handler.NewTokenHandler(keys, tokens, discardLogger())

	t.Run("valid key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
		req.Header.Set("X-API-Key", "ci-key-0123456789")
		rr := httptest.NewRecorder()
		h.HandleToken(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		var body handler.TokenResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		assert.Equal(t, "Bearer", body.TokenType)
		assert.Equal(t, 2, strings.Count(body.Token, "."))

		client, err := tokens.Validate(body.Token)
		require.NoError(t, err)
		assert.Equal(t, "ci", client)
	})

	t.Run("wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
		req.Header.Set("X-API-Key", "not-the-key-0123456")
		rr := httptest.NewRecorder()
		h.HandleToken(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "unauthorized", decodeError(t, rr).Error)
	})

	t.Run("missing key", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.HandleToken(rr, httptest.NewRequest(http.MethodPost, "/auth/token", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestHandleHealthDurationsInMilliseconds(t *testing.T) {
	st := status("python", true)
	st.Stats.Metrics = executor.RunnerMetrics{
		TotalExecutions:      4,
		AverageExecutionTime: 1500 * time.Microsecond,
		SuccessRate:          75,
	}
	h := handler.NewSystemHandler(fakeRunners{statuses: []registry.Status{st}})

	rr := httptest.NewRecorder()
	h.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Runners []struct {
			Stats struct {
				Metrics map[string]any `json:"metrics"`
			} `json:"stats"`
		} `json:"runners"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Len(t, body.Runners, 1)
	assert.Equal(t, 1.5, body.Runners[0].Stats.Metrics["averageExecutionTime"])
	assert.Equal(t, 4.0, body.Runners[0].Stats.Metrics["totalExecutions"])
}
