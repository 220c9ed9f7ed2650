// Package readpath implements the read assembler invoked by the mount
// façade: resolve a file byte range into chunk spans and splice their
// bytes into the caller's buffer (spec.md §4.8).
package readpath

import (
	"context"

	"github.com/WorkingRobot/egvmount/internal/manifest"
	"github.com/WorkingRobot/egvmount/internal/resolver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/WorkingRobot/egvmount/internal/readpath")

// Downloader is the subset of storage.Engine the assembler needs.
type Downloader interface {
	ReadPart(ctx context.Context, chunk *manifest.Chunk, offset, size uint32, out []byte) error
}

// Assembler serves reads against a storage engine.
type Assembler struct {
	Storage Downloader
}

// New returns an Assembler backed by s.
func New(s Downloader) *Assembler {
	return &Assembler{Storage: s}
}

// Read serves the filesystem bridge's read callback: (file, buffer,
// file_offset, length) -> bytes_transferred. A fileOffset at or past
// file.Size() returns (0, true) — end-of-file, distinct from a
// transient zero-byte read.
func (a *Assembler) Read(ctx context.Context, f *manifest.File, buffer []byte, fileOffset uint64, length uint32) (uint32, bool, error) {
	ctx, span := tracer.Start(ctx, "readpath.Read", trace.WithAttributes(
		attribute.String("file.path", f.Path),
		attribute.Int64("file.offset", int64(fileOffset)),
		attribute.Int64("read.length", int64(length)),
	))
	defer span.End()

	if fileOffset >= f.Size() {
		return 0, true, nil
	}
	if length == 0 {
		return 0, false, nil
	}

	chunkSpans := resolver.Spans(f, fileOffset, uint64(length))
	var written uint32
	for _, cs := range chunkSpans {
		dst := buffer[written : written+cs.Length]
		if err := a.Storage.ReadPart(ctx, cs.Chunk, cs.Offset, cs.Length, dst); err != nil {
			span.RecordError(err)
			return written, false, err
		}
		written += cs.Length
	}
	return written, false, nil
}
