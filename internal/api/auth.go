package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/storage"
)

// TokenHeader carries the caller token on API requests.
const TokenHeader = "X-API-Token"

// TokenValidator resolves a caller token value.
type TokenValidator interface {
	ValidateCallerToken(value string) (storage.CallerToken, error)
}

// UsageRecorder accepts usage events without blocking.
type UsageRecorder interface {
	Record(tokenID, ip string) bool
}

type callerKey struct{}

// CallerFrom returns the caller token stored by CallerAuth.
func CallerFrom(ctx context.Context) (storage.CallerToken, bool) {
	t, ok := ctx.Value(callerKey{}).(storage.CallerToken)
	return t, ok
}

func withCaller(ctx context.Context, t storage.CallerToken) context.Context {
	return context.WithValue(ctx, callerKey{}, t)
}

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if token == "" || !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CallerAuth validates the X-API-Token header and stores the caller token
// in the request context. Every accepted call is reported to usage.
func CallerAuth(tokens TokenValidator, usage UsageRecorder, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			value := r.Header.Get(TokenHeader)
			if value == "" {
				httpError(w, http.StatusUnauthorized, "authentication_error",
					"authentication token is required in the %s header", TokenHeader)
				return
			}

			tok, err := tokens.ValidateCallerToken(value)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				logger.Debug("unknown caller token", logging.Path(r.URL.Path))
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid authentication token")
				return
			case errors.Is(err, storage.ErrExpired):
				logger.Debug("expired caller token", logging.TokenID(tok.ID))
				httpError(w, http.StatusUnauthorized, "authentication_error", "authentication token has expired")
				return
			case err != nil:
				logger.Error("validating caller token", zap.Error(err))
				httpError(w, http.StatusInternalServerError, "api_error", "failed to validate token")
				return
			}

			if usage != nil {
				usage.Record(tok.ID, clientIP(r))
			}
			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), tok)))
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
