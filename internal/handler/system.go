package handler

import (
	"net/http"
	"time"

	"github.com/sakif/coderunner/internal/registry"
)

// Runners is the read side of the runner registry.
type Runners interface {
	Languages() []string
	Available() []string
	Status() []registry.Status
}

// SystemHandler serves the language list and the health report.
type SystemHandler struct {
	runners Runners
	started time.Time
	now     func() time.Time
}

func NewSystemHandler(runners Runners) *SystemHandler {
	return &SystemHandler{runners: runners, started: time.Now(), now: time.Now}
}

type LanguageInfo struct {
	Name      string   `json:"name"`
	Aliases   []string `json:"aliases,omitempty"`
	Available bool     `json:"available"`
}

// HandleLanguages lists every configured language and whether it can take
// work right now.
//
// HTTP: GET /api/v1/languages
func (h *SystemHandler) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	statuses := h.runners.Status()
	langs := make([]LanguageInfo, len(statuses))
	for i, st := range statuses {
		langs[i] = LanguageInfo{Name: st.Language, Aliases: st.Aliases, Available: st.Available}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"languages": langs,
		"available": nonNil(h.runners.Available()),
	})
}

type HealthResponse struct {
	Status    string            `json:"status"` // ok, degraded or unavailable
	Service   string            `json:"service"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    float64           `json:"uptime"` // seconds
	Runners   []registry.Status `json:"runners"`
}

// HandleHealth reports per-language pool statistics.
//
// HTTP: GET /api/v1/health
//
// The status is "degraded" when some language has no healthy worker and
// "unavailable" (with a 503, so load balancers take the node out) when none
// has.
func (h *SystemHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := h.runners.Status()
	available := 0
	for _, st := range statuses {
		if st.Available {
			available++
		}
	}

	resp := HealthResponse{
		Status:    "ok",
		Service:   "coderunner",
		Timestamp: h.now().UTC(),
		Uptime:    h.now().Sub(h.started).Seconds(),
		Runners:   nonNil(statuses),
	}
	code := http.StatusOK
	switch {
	case available == 0:
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	case available < len(statuses):
		resp.Status = "degraded"
	}
	writeJSON(w, code, resp)
}

// nonNil keeps empty lists as [] rather than null on the wire.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
