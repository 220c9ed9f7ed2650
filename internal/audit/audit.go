// Package audit provides a structured event trail for chunk downloads,
// verifications, purges, and mount lifecycle operations, with pluggable
// sinks and optional batching.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/WorkingRobot/egvmount/internal/config"
	"github.com/WorkingRobot/egvmount/internal/manifest"
	"github.com/WorkingRobot/egvmount/internal/storage"
)

// EventType identifies the kind of chunk lifecycle event recorded.
type EventType string

const (
	EventChunkDownload   EventType = "chunk_download"
	EventChunkVerify     EventType = "chunk_verify"
	EventChunkReacquired EventType = "chunk_reacquired"
	EventPurge           EventType = "purge"
	EventMountOp         EventType = "mount_op"
)

// AuditEvent is a single recorded event.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	ChunkGUID string                 `json:"chunk_guid,omitempty"`
	FilePath  string                 `json:"file_path,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the audit logging interface. It satisfies storage.Audit.
type Logger interface {
	Log(event *AuditEvent) error

	ChunkDownloaded(guid manifest.GUID, err error)
	ChunkVerified(guid manifest.GUID, result storage.VerifyResult, err error)
	LogPurge(total, deleted int, err error)
	LogMountOp(operation string, success bool, err error)

	GetEvents() []*AuditEvent
	Close() error
}

// EventWriter writes one audit event to a sink.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// NewLogger creates a logger with an explicit writer and in-memory ring
// buffer capped at maxEvents.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction is NewLogger plus metadata key redaction.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}
	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig builds a Logger from config.AuditConfig, wiring the
// configured sink type and optional batching.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter
	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("audit: unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if l.maxEvents > 0 && len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}
	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}
	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// ChunkDownloaded logs the outcome of a storage.Engine.Download call.
func (l *auditLogger) ChunkDownloaded(guid manifest.GUID, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventChunkDownload,
		Operation: "download",
		ChunkGUID: guid.String(),
		Success:   err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// ChunkVerified logs the outcome of a storage.Engine.Verify call.
func (l *auditLogger) ChunkVerified(guid manifest.GUID, result storage.VerifyResult, err error) {
	eventType := EventChunkVerify
	if result == storage.VerifyReacquired {
		eventType = EventChunkReacquired
	}
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: "verify",
		ChunkGUID: guid.String(),
		Success:   err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogPurge logs the completion of a purge_unused bulk operation.
func (l *auditLogger) LogPurge(total, deleted int, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventPurge,
		Operation: "purge_unused",
		Success:   err == nil,
		Metadata:  l.redactMetadata(map[string]interface{}{"total": total, "deleted": deleted}),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogMountOp logs a mount lifecycle event (mount/unmount).
func (l *auditLogger) LogMountOp(operation string, success bool, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventMountOp,
		Operation: operation,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents returns a copy of the in-memory ring buffer.
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter writes events to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
