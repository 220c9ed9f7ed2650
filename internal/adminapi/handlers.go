// Package adminapi serves the mount daemon's health, readiness,
// metrics, and stats HTTP surface.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/WorkingRobot/egvmount/internal/bulk"
	"github.com/WorkingRobot/egvmount/internal/manifest"
	"github.com/WorkingRobot/egvmount/internal/telemetry"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// poolStats is the minimal surface /stats needs from a storage.Engine.
type poolStats interface {
	PoolLen() int
}

// Handler serves the admin HTTP surface for a running mount daemon.
type Handler struct {
	manifest *manifest.Manifest
	pool     poolStats
	metrics  *telemetry.Metrics
	logger   *logrus.Logger
	ready    func(context.Context) error
}

// NewHandler builds a Handler. ready reports whether the mount is live
// and is consulted by /readyz.
func NewHandler(m *manifest.Manifest, pool poolStats, metrics *telemetry.Metrics, logger *logrus.Logger, ready func(context.Context) error) *Handler {
	return &Handler{manifest: m, pool: pool, metrics: metrics, logger: logger, ready: ready}
}

// RegisterRoutes registers the admin routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.handleHealth).Methods("GET")
	r.HandleFunc("/readyz", h.handleReady).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	r.HandleFunc("/stats", h.handleStats).Methods("GET")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	telemetry.HealthHandler().ServeHTTP(w, r)
	h.logger.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("health check")
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	telemetry.ReadinessHandler(h.ready).ServeHTTP(w, r)
	h.logger.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("readiness check")
}

// statsResponse is the JSON body served by /stats.
type statsResponse struct {
	FileCount    int    `json:"file_count"`
	ChunkCount   int    `json:"chunk_count"`
	InstallSize  uint64 `json:"install_size_bytes"`
	DownloadSize uint64 `json:"download_size_bytes"`
	PoolEntries  int    `json:"pool_entries"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := statsResponse{
		FileCount:    len(h.manifest.Files),
		ChunkCount:   len(h.manifest.Chunks),
		InstallSize:  h.manifest.InstallSize(),
		DownloadSize: h.manifest.DownloadSize(),
	}
	if h.pool != nil {
		stats.PoolEntries = h.pool.PoolLen()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		h.logger.WithError(err).Error("failed to encode stats response")
	}
}

// BulkHandler exposes the C9 preload and verify operations over HTTP
// for operators that prefer an API surface to the chunkctl CLI. Purge is
// not exposed over HTTP.
type BulkHandler struct {
	engine      bulk.Engine
	manifest    *manifest.Manifest
	metrics     *telemetry.Metrics
	logger      *logrus.Logger
	threadCount int
}

// NewBulkHandler builds a BulkHandler.
func NewBulkHandler(engine bulk.Engine, m *manifest.Manifest, metrics *telemetry.Metrics, logger *logrus.Logger, threadCount int) *BulkHandler {
	if threadCount <= 0 {
		threadCount = 4
	}
	return &BulkHandler{engine: engine, manifest: m, metrics: metrics, logger: logger, threadCount: threadCount}
}

// RegisterRoutes registers the bulk-operation routes on r.
func (b *BulkHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/preload", b.handlePreload).Methods("POST")
	r.HandleFunc("/v1/verify", b.handleVerify).Methods("POST")
}

func (b *BulkHandler) handlePreload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	summary := bulk.PreloadAll(r.Context(), b.engine, b.manifest, b.threadCount, nil)
	if b.metrics != nil {
		b.metrics.ObserveBulkOperation("preload", time.Since(start))
	}
	writeSummary(w, summary)
}

func (b *BulkHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	summary := bulk.VerifyAll(r.Context(), b.engine, b.manifest, b.threadCount, nil)
	if b.metrics != nil {
		b.metrics.ObserveBulkOperation("verify", time.Since(start))
	}
	writeSummary(w, summary)
}

func writeSummary(w http.ResponseWriter, summary bulk.Summary) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}
