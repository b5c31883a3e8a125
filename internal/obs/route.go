package obs

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RouteLabel returns the chi pattern matched for r, or fallback when the
// request never reached a route. chi fills the pattern in while routing, so
// middleware must call this after the next handler returned.
func RouteLabel(r *http.Request, fallback string) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return fallback
}
