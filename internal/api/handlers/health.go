package handlers

import (
	"context"
	"net/http"

	"github.com/drfirst/go-opd/pkg/circuitbreaker"
)

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse reports service and breaker health
type HealthResponse struct {
	Status   string                        `json:"status"`
	Service  string                        `json:"service"`
	Version  string                        `json:"version"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers,omitempty"`
}

// Health returns a liveness handler. The service is degraded while any
// breaker is open but still answers 200 so it is not restarted.
func Health(service, version string, breakers *circuitbreaker.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "healthy", Service: service, Version: version}
		if breakers != nil {
			resp.Breakers = breakers.Health()
			for _, b := range resp.Breakers {
				if !b.Healthy {
					resp.Status = "degraded"
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Ready returns a readiness handler that pings db
func Ready(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}
