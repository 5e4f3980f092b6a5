package middleware

import (
	"net/http"
	"slices"
	"strings"
)

var (
	corsMethods = strings.Join([]string{
		http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions,
	}, ", ")
	// JWT is the header the account service's clients send tokens in.
	corsHeaders = strings.Join([]string{
		"Accept", "Authorization", "Content-Type", "JWT", "Range", RequestIDHeader,
	}, ", ")
	corsExposed = strings.Join([]string{"Content-Length", RequestIDHeader}, ", ")
)

const corsMaxAge = "86400"

// CORS allows cross-origin players to call the API and fetch streams.
// With no origins, or "*", any origin is allowed without credentials.
// An explicit origin list also allows credentials, so the token cookie is
// sent by browser players.
func CORS(origins ...string) func(http.Handler) http.Handler {
	wildcard := len(origins) == 0 || slices.Contains(origins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			origin := r.Header.Get("Origin")

			switch {
			case origin == "":
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
				h.Set("Access-Control-Expose-Headers", corsExposed)
			case slices.Contains(origins, origin):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Expose-Headers", corsExposed)
				h.Add("Vary", "Origin")
			}

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
