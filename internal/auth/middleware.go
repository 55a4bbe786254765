package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// contextKey is unexported so only this package can set or read the client.
type contextKey string

const clientKey contextKey = "client"

// RequireAuth rejects requests without a valid bearer token and stores the
// token subject in the request context.
//
// onFailure writes the 401; the handler package supplies its JSON error
// writer so auth failures look like every other API error.
func RequireAuth(tokens *TokenService, onFailure func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, err := clientFromRequest(r, tokens)
			if err != nil {
				onFailure(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), clientKey, client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientFromContext returns the authenticated client, or ("", false) when
// auth is disabled.
func ClientFromContext(ctx context.Context) (string, bool) {
	client, ok := ctx.Value(clientKey).(string)
	return client, ok && client != ""
}

// WithClient is for tests that bypass RequireAuth.
func WithClient(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

var errMissingBearer = errors.New("auth: missing bearer token")

func clientFromRequest(r *http.Request, tokens *TokenService) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errMissingBearer
	}
	return tokens.Validate(strings.TrimSpace(token))
}
