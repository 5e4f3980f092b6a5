package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// HeaderJWT is accepted alongside Authorization for clients that cannot
// set a bearer scheme.
const HeaderJWT = "JWT"

// Middleware attaches the caller's identity to the request context when a
// valid token is presented in the Authorization header, the JWT header, or
// the named cookie. Requests without a valid token pass through
// unauthenticated; handlers decide whether an identity is required.
func Middleware(v *Verifier, cookieName string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r, cookieName)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			id, err := v.Verify(token)
			if err != nil {
				logger.DebugContext(r.Context(), "rejected bearer token",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}

func tokenFromRequest(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && (strings.EqualFold(scheme, "Bearer") || strings.EqualFold(scheme, "JWT")) {
			return strings.TrimSpace(token)
		}
	}
	if h := r.Header.Get(HeaderJWT); h != "" {
		return strings.TrimSpace(h)
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			return c.Value
		}
	}
	return ""
}
