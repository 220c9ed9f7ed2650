package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Status is the JSON body served by the health/readiness/liveness handlers.
type Status struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

var version = "dev"

// SetVersion sets the version reported by health handlers.
func SetVersion(v string) { version = v }

// HealthHandler reports basic process health.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "healthy")
	}
}

// ReadinessHandler reports readiness. mountReady is consulted so the
// daemon only reports ready once the manifest is loaded and the mount is live.
func ReadinessHandler(mountReady func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mountReady != nil {
			if err := mountReady(r.Context()); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, "not_ready")
				return
			}
		}
		writeStatus(w, http.StatusOK, "ready")
	}
}

// LivenessHandler reports liveness.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "alive")
	}
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(Status{Status: status, Timestamp: time.Now(), Version: version})
}
