package adminapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/WorkingRobot/egvmount/internal/manifest"
	"github.com/WorkingRobot/egvmount/internal/telemetry"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest() *manifest.Manifest {
	chunk := &manifest.Chunk{GUID: manifest.GUID{1}, DownloadSize: 100}
	return &manifest.Manifest{
		Chunks: map[manifest.GUID]*manifest.Chunk{chunk.GUID: chunk},
		Files: []*manifest.File{
			{Path: "a.pak", Parts: []manifest.ChunkPart{{Chunk: chunk, Offset: 0, Size: 50}}},
		},
	}
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	m := testManifest()
	metrics := telemetry.NewWithRegistry(prometheus.NewRegistry())
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := NewHandler(m, nil, metrics, logger, func(ctx context.Context) error { return nil })
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsEndpointReportsManifestTotals(t *testing.T) {
	m := testManifest()
	metrics := telemetry.NewWithRegistry(prometheus.NewRegistry())
	logger := logrus.New()

	h := NewHandler(m, nil, metrics, logger, nil)
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.FileCount)
	assert.Equal(t, 1, stats.ChunkCount)
}
