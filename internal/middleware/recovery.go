package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Recovery returns middleware that recovers from panics, logs the stack
// trace, and returns a W3C-shaped 500 response. Mounted after Logging so
// the request id is available.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic recovered",
					"request_id", chimw.GetReqID(r.Context()),
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
					"value": map[string]string{
						"error":   "unknown error",
						"message": "internal error",
					},
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}
