package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/WorkingRobot/egvmount/internal/manifest"
	"github.com/WorkingRobot/egvmount/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryWriter struct {
	mu     sync.Mutex
	events []*AuditEvent
}

func (w *memoryWriter) WriteEvent(event *AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
	return nil
}

func (w *memoryWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func testGUID(n byte) manifest.GUID {
	var g manifest.GUID
	g[0] = n
	return g
}

func TestChunkDownloadedLogsEvent(t *testing.T) {
	w := &memoryWriter{}
	logger := NewLogger(10, w)

	logger.ChunkDownloaded(testGUID(1), nil)
	logger.ChunkDownloaded(testGUID(2), assertErr("boom"))

	events := logger.GetEvents()
	require.Len(t, events, 2)
	assert.Equal(t, EventChunkDownload, events[0].EventType)
	assert.True(t, events[0].Success)
	assert.False(t, events[1].Success)
	assert.Equal(t, "boom", events[1].Error)
}

func TestChunkVerifiedDistinguishesReacquired(t *testing.T) {
	w := &memoryWriter{}
	logger := NewLogger(10, w)

	logger.ChunkVerified(testGUID(1), storage.VerifyVerified, nil)
	logger.ChunkVerified(testGUID(1), storage.VerifyReacquired, nil)

	events := logger.GetEvents()
	require.Len(t, events, 2)
	assert.Equal(t, EventChunkVerify, events[0].EventType)
	assert.Equal(t, EventChunkReacquired, events[1].EventType)
}

func TestLogPurgeAndMountOp(t *testing.T) {
	w := &memoryWriter{}
	logger := NewLogger(10, w)

	logger.LogPurge(10, 3, nil)
	logger.LogMountOp("mount", true, nil)

	events := logger.GetEvents()
	require.Len(t, events, 2)
	assert.Equal(t, EventPurge, events[0].EventType)
	assert.Equal(t, 3, events[0].Metadata["deleted"])
	assert.Equal(t, EventMountOp, events[1].EventType)
}

func TestRingBufferCapsAtMaxEvents(t *testing.T) {
	w := &memoryWriter{}
	logger := NewLogger(2, w)

	logger.LogMountOp("a", true, nil)
	logger.LogMountOp("b", true, nil)
	logger.LogMountOp("c", true, nil)

	events := logger.GetEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].Operation)
	assert.Equal(t, "c", events[1].Operation)
}

func TestRedactMetadata(t *testing.T) {
	w := &memoryWriter{}
	logger := NewLoggerWithRedaction(10, w, []string{"deleted"})

	logger.LogPurge(10, 3, nil)

	events := logger.GetEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "[REDACTED]", events[0].Metadata["deleted"])
	assert.Equal(t, 10, events[0].Metadata["total"])
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger := NewLogger(10, NewFileSink(path))

	logger.ChunkDownloaded(testGUID(1), nil)
	logger.ChunkDownloaded(testGUID(2), nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := splitLines(data)
	require.Len(t, lines, 2)

	var decoded AuditEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, EventChunkDownload, decoded.EventType)
}

func TestHTTPSinkPostsJSON(t *testing.T) {
	var received []*AuditEvent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	logger := NewLogger(10, NewHTTPSink(server.URL, nil))
	logger.LogMountOp("mount", true, nil)

	require.Len(t, received, 1)
	assert.Equal(t, EventMountOp, received[0].EventType)
}

func TestBatchSinkFlushesOnClose(t *testing.T) {
	w := &memoryWriter{}
	batch := NewBatchSink(w, 100, time.Hour, 0, time.Millisecond)
	logger := NewLogger(10, batch)

	logger.LogMountOp("mount", true, nil)
	logger.LogMountOp("unmount", true, nil)

	require.NoError(t, logger.Close())
	assert.Equal(t, 2, w.count())
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, string(data[start:i]))
			}
			start = i + 1
		}
	}
	return lines
}

type assertErrString string

func (e assertErrString) Error() string { return string(e) }

func assertErr(msg string) error { return assertErrString(msg) }
