// Package auth provides the bearer-token middleware for the HTTP edge.
// Request tokens are HS256 JWTs; admin access uses a separate static
// bearer recognized from configuration.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const (
	ctxSubject ctxKey = "sub"
	ctxAdmin   ctxKey = "admin"
)

// Config holds authentication configuration.
type Config struct {
	HS256Secret string // HMAC secret for request JWTs
	AdminToken  string // static bearer granting admin access
	DevMode     bool   // allow X-Debug-Sub header (local dev only)
}

// Optional attaches the caller identity when a valid credential is
// present but never rejects. Endpoints with optional auth use this.
func Optional(cfg Config) func(http.Handler) http.Handler {
	return middleware(cfg, false, false)
}

// Required rejects requests without a valid credential.
func Required(cfg Config) func(http.Handler) http.Handler {
	return middleware(cfg, true, false)
}

// AdminRequired rejects requests that do not carry the admin bearer.
func AdminRequired(cfg Config) func(http.Handler) http.Handler {
	return middleware(cfg, true, true)
}

func middleware(cfg Config, required, admin bool) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass token authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r)

			if cfg.AdminToken != "" && tok != "" &&
				subtle.ConstantTimeCompare([]byte(tok), []byte(cfg.AdminToken)) == 1 {
				ctx := context.WithValue(r.Context(), ctxSubject, "admin")
				ctx = context.WithValue(ctx, ctxAdmin, true)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			if admin {
				// No credential at all is 401; a credential that is not
				// the admin bearer is 403.
				if tok == "" && (!cfg.DevMode || r.Header.Get("X-Debug-Sub") == "") {
					writeAuthError(w, http.StatusUnauthorized, "authentication required")
					return
				}
				writeAuthError(w, http.StatusForbidden, "admin access required")
				return
			}

			sub := ""
			if cfg.DevMode && tok == "" {
				sub = r.Header.Get("X-Debug-Sub")
				if sub != "" {
					log.Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")
				}
			}

			if tok != "" {
				claims := jwt.MapClaims{}
				t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, jwt.ErrSignatureInvalid
					}
					return []byte(cfg.HS256Secret), nil
				})
				if err != nil || !t.Valid {
					log.Warn().Err(err).Msg("jwt validation failed")
					writeAuthError(w, http.StatusUnauthorized, "invalid token")
					return
				}
				if s, ok := claims["sub"].(string); ok {
					sub = s
				}
			}

			if required && sub == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			ctx := r.Context()
			if sub != "" {
				ctx = context.WithValue(ctx, ctxSubject, sub)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return h[len("Bearer "):]
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"detail":"` + detail + `"}`))
}

// Subject returns the authenticated caller identity, or "" when the
// request was anonymous.
func Subject(ctx context.Context) string {
	if s, ok := ctx.Value(ctxSubject).(string); ok {
		return s
	}
	return ""
}

// IsAdmin reports whether the request carried the admin bearer.
func IsAdmin(ctx context.Context) bool {
	v, _ := ctx.Value(ctxAdmin).(bool)
	return v
}
