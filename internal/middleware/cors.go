// Package middleware provides HTTP middleware for the proxy's HTTP surface.
package middleware

import (
	"log/slog"
	"net/http"
)

// CORS returns middleware that answers cross-origin requests against the
// configured allow list. A "*" entry admits any origin but never grants
// credentials; credentials are offered only for origins the operator
// named explicitly, since pairing them with a wildcard-echoed origin
// enables CSRF.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	named := make(map[string]struct{}, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		named[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				w.Header().Add("Vary", "Origin")

				_, explicit := named[origin]
				if explicit || wildcard {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
					if explicit {
						w.Header().Set("Access-Control-Allow-Credentials", "true")
					}
				} else {
					slog.Debug("Rejected cross-origin request",
						"origin", origin, "path", r.URL.Path)
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
