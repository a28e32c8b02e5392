package server

import (
	"net/http"
	"strings"
)

// ScoringHTTP is the surface the router needs from the scoring orchestrator.
type ScoringHTTP interface {
	ServeScore(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
}

// NewHandler dispatches the service routes onto the orchestrator. The metrics
// handler is passed separately so the orchestrator stays free of registry
// plumbing; pass nil to disable the /metrics route.
func NewHandler(o ScoringHTTP, metricsHandler http.Handler) http.Handler {
	if o == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.ToLower(strings.Trim(r.URL.Path, "/")) {
		case "score":
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			o.ServeScore(w, r)
		case "health", "healthz":
			if r.Method != http.MethodGet {
				w.Header().Set("Allow", http.MethodGet)
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			o.ServeHealth(w, r)
		case "metrics":
			if metricsHandler == nil {
				http.NotFound(w, r)
				return
			}
			metricsHandler.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}
