// Package recovery turns handler panics into JSON 500 responses.
package recovery

import (
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/api/respond"
)

// New returns middleware that logs a recovered panic with the matched route
// and stack, counts it per route and replies with the standard error body.
// http.ErrAbortHandler is re-raised so the server still aborts the response.
func New(log zerolog.Logger) mux.MiddlewareFunc {
	log = log.With().Str("component", "recovery").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				route := routeOf(r)
				panicsTotal.WithLabelValues(route).Inc()
				log.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("route", route).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				respond.WriteInternalError(w, "internal error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func routeOf(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
