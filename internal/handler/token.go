package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/auth"
)

// TokenHandler trades an API key for a bearer token.
type TokenHandler struct {
	keys   *auth.KeyService
	tokens *auth.TokenService
	logger *slog.Logger
}

func NewTokenHandler(keys *auth.KeyService, tokens *auth.TokenService, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{keys: keys, tokens: tokens, logger: logger}
}

type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HandleToken issues a token for the client owning the X-API-Key header.
//
// HTTP: POST /auth/token
func (h *TokenHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	client, err := h.keys.Authenticate(r.Header.Get("X-API-Key"))
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidKey) {
			h.logger.Error("api key check failed", slog.String("error", err.Error()))
		}
		WriteError(w, apperror.Unauthorized("invalid API key"))
		return
	}

	token, expires, err := h.tokens.Issue(client)
	if err != nil {
		WriteError(w, err)
		return
	}

	h.logger.Info("token issued", slog.String("client", client), slog.Time("expires_at", expires))
	writeJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: expires.UTC(),
	})
}
