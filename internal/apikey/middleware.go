package apikey

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/logger"
)

type contextKey string

const keyInfoKey contextKey = "api_key_info"

// Require returns middleware that demands a valid key on every non-GET
// request whose path starts with one of prefixes. Other requests pass
// through untouched, so ranking and lookups stay open.
//
// Keys are read from "Authorization: Bearer <key>" or the X-API-Key header.
func Require(v Validator, prefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !protected(r, prefixes) {
				next.ServeHTTP(w, r)
				return
			}

			key := extractKey(r)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}
			info, err := v.Validate(r.Context(), key)
			switch {
			case errors.Is(err, ErrInvalidKey):
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			case errors.Is(err, ErrExpiredKey):
				writeError(w, http.StatusUnauthorized, "expired api key")
				return
			case err != nil:
				logger.FromContext(r.Context()).Error("api key validation failed", "error", err)
				writeError(w, http.StatusInternalServerError, "authentication error")
				return
			}

			logger.FromContext(r.Context()).Info("admin request authorized",
				"operator", info.Name,
				"method", r.Method,
				"path", r.URL.Path,
			)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyInfoKey, info)))
		})
	}
}

// FromContext returns the key that authorized the request, if any.
func FromContext(ctx context.Context) *KeyInfo {
	info, _ := ctx.Value(keyInfoKey).(*KeyInfo)
	return info
}

func protected(r *http.Request, prefixes []string) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	for _, p := range prefixes {
		if strings.HasPrefix(r.URL.Path, p) {
			return true
		}
	}
	return false
}

func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
