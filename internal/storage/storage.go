// Package storage is the public façade orchestrating the chunk codec,
// cache layout, fetcher, and pool into chunk_present/verify/download/
// read_part (spec.md §4.6).
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/WorkingRobot/egvmount/internal/cachestore"
	"github.com/WorkingRobot/egvmount/internal/chunkcodec"
	"github.com/WorkingRobot/egvmount/internal/chunkpool"
	"github.com/WorkingRobot/egvmount/internal/fetcher"
	"github.com/WorkingRobot/egvmount/internal/manifest"
)

// Errors surfaced to callers, satisfying errors.Is against the wrapped cause.
var (
	ErrFetchFailed     = errors.New("storage: fetch failed")
	ErrBadChunk        = errors.New("storage: bad chunk envelope")
	ErrIntegrityFailed = errors.New("storage: integrity check failed")
)

// Options configures an Engine (spec.md §4.6 flags, §6.5 config options).
type Options struct {
	Form         chunkcodec.Form
	Level        chunkcodec.Level
	VerifyHashes bool
	PoolCapacity int
}

// Telemetry is the minimal metrics surface the engine reports through;
// internal/telemetry.Metrics implements it.
type Telemetry interface {
	ChunkFetched(bytes int)
	CacheHit()
	CacheMiss()
	ChunkVerified(ok bool)
	PoolEviction()
	SetPoolWaiters(n int)
}

// Audit is the minimal audit surface the engine reports through;
// internal/audit.Logger implements it.
type Audit interface {
	ChunkDownloaded(guid manifest.GUID, err error)
	ChunkVerified(guid manifest.GUID, result VerifyResult, err error)
}

type noopTelemetry struct{}

func (noopTelemetry) ChunkFetched(int)       {}
func (noopTelemetry) CacheHit()              {}
func (noopTelemetry) CacheMiss()             {}
func (noopTelemetry) ChunkVerified(bool)     {}
func (noopTelemetry) PoolEviction()          {}
func (noopTelemetry) SetPoolWaiters(int)     {}

type noopAudit struct{}

func (noopAudit) ChunkDownloaded(manifest.GUID, error)                  {}
func (noopAudit) ChunkVerified(manifest.GUID, VerifyResult, error) {}

// Engine is the storage façade (C6).
type Engine struct {
	cache   *cachestore.Layout
	fetch   *fetcher.Client
	pool    *chunkpool.Pool
	opts    Options
	metrics Telemetry
	audit   Audit
}

// Open initializes the engine: ensures the cache layout exists and
// allocates the pool. cloudDir and chunkSubDir parameterize the fetcher.
func Open(cacheRoot, cloudDir, chunkSubDir string, opts Options) (*Engine, error) {
	cache := cachestore.New(cacheRoot)
	if err := cache.EnsureLayout(); err != nil {
		return nil, err
	}
	capacity := opts.PoolCapacity
	if capacity <= 0 {
		capacity = 64
	}
	return &Engine{
		cache:   cache,
		fetch:   fetcher.New(cloudDir, chunkSubDir),
		pool:    chunkpool.New(capacity),
		opts:    opts,
		metrics: noopTelemetry{},
		audit:   noopAudit{},
	}, nil
}

// SetTelemetry installs a telemetry sink. Not safe to call concurrently
// with in-flight operations.
func (e *Engine) SetTelemetry(t Telemetry) {
	if t != nil {
		e.metrics = t
		e.pool.SetTelemetry(t)
	}
}

// PoolLen reports the current number of chunks held in the hot pool.
func (e *Engine) PoolLen() int {
	return e.pool.Len()
}

// SetAudit installs an audit sink. Not safe to call concurrently with
// in-flight operations.
func (e *Engine) SetAudit(a Audit) {
	if a != nil {
		e.audit = a
	}
}

// ChunkPresent reports whether guid already has a cache file.
func (e *Engine) ChunkPresent(guid manifest.GUID) bool {
	return e.cache.Present(guid)
}

// Download fetches chunk (if not already cached), decodes and verifies
// it, and persists it in the engine's configured local form. It is
// idempotent: if the chunk is already on disk, it does no network work.
func (e *Engine) Download(ctx context.Context, chunk *manifest.Chunk) error {
	if e.cache.Present(chunk.GUID) {
		return nil
	}
	decompressed, err := e.fetchAndDecode(ctx, chunk)
	if err != nil {
		e.audit.ChunkDownloaded(chunk.GUID, err)
		return err
	}
	if err := e.persist(chunk, decompressed); err != nil {
		e.audit.ChunkDownloaded(chunk.GUID, err)
		return err
	}
	e.audit.ChunkDownloaded(chunk.GUID, nil)
	return nil
}

func (e *Engine) fetchAndDecode(ctx context.Context, chunk *manifest.Chunk) ([]byte, error) {
	raw, err := e.fetch.Get(ctx, chunk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	e.metrics.ChunkFetched(len(raw))

	hdr, payload, err := chunkcodec.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadChunk, err)
	}
	if hdr.DataSizeUncompressed > chunk.WindowSize {
		chunk.WindowSize = hdr.DataSizeUncompressed
	}
	decompressed, err := chunkcodec.Decode(hdr, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadChunk, err)
	}
	if hdr.HasSHA1 && chunk.SHA1 == ([20]byte{}) {
		chunk.SHA1 = hdr.SHA1
	}
	if chunk.SHA1 != ([20]byte{}) && !chunkcodec.Verify(decompressed, chunk.SHA1) {
		return nil, fmt.Errorf("%w: chunk %s", ErrIntegrityFailed, chunk.GUID)
	}
	return decompressed, nil
}

func (e *Engine) persist(chunk *manifest.Chunk, decompressed []byte) error {
	form := e.opts.Form
	if form == 0 {
		form = chunkcodec.FormZlib
	}
	flags, payload, err := chunkcodec.Reencode(decompressed, form, e.opts.Level)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadChunk, err)
	}
	return e.cache.WriteCached(chunk.GUID, flags, uint32(len(decompressed)), payload)
}

// VerifyResult is the outcome of Verify.
type VerifyResult int

const (
	VerifyMissing VerifyResult = iota
	VerifyVerified
	VerifyReacquired
)

// Verify checks a present chunk's on-disk bytes against its SHA-1,
// deleting and re-downloading on mismatch.
func (e *Engine) Verify(ctx context.Context, chunk *manifest.Chunk) (VerifyResult, error) {
	if !e.cache.Present(chunk.GUID) {
		return VerifyMissing, nil
	}
	decompressed, err := e.cache.ReadCached(chunk.GUID)
	if err != nil {
		return VerifyMissing, err
	}
	if chunkcodec.Verify(decompressed, chunk.SHA1) {
		e.metrics.ChunkVerified(true)
		e.audit.ChunkVerified(chunk.GUID, VerifyVerified, nil)
		return VerifyVerified, nil
	}
	e.metrics.ChunkVerified(false)
	if err := e.cache.Remove(chunk.GUID); err != nil {
		e.audit.ChunkVerified(chunk.GUID, VerifyReacquired, err)
		return VerifyReacquired, err
	}
	if err := e.Download(ctx, chunk); err != nil {
		e.audit.ChunkVerified(chunk.GUID, VerifyReacquired, err)
		return VerifyReacquired, err
	}
	e.audit.ChunkVerified(chunk.GUID, VerifyReacquired, nil)
	return VerifyReacquired, nil
}

// ReadPart obtains chunk's Readable buffer (via the pool, disk, or a
// fetch) and copies its bytes [offset, offset+size) into out[:size]. Concurrent calls
// for the same GUID perform exactly one fetch or disk-read (spec.md
// §4.6's ordering guarantee).
func (e *Engine) ReadPart(ctx context.Context, chunk *manifest.Chunk, offset, size uint32, out []byte) error {
	retried := false
	for {
		acq, outcome, buf := e.pool.Begin(chunk.GUID, func() bool { return e.cache.Present(chunk.GUID) })

		switch outcome {
		case chunkpool.OutcomeReadable:
			e.metrics.CacheHit()
			copySpan(out, buf, offset, size)
			acq.End()
			return nil

		case chunkpool.OutcomeMustDownload:
			e.metrics.CacheMiss()
			decompressed, err := e.fetchAndDecode(ctx, chunk)
			if err != nil {
				acq.Fail()
				acq.End()
				e.audit.ChunkDownloaded(chunk.GUID, err)
				return err
			}
			if err := e.persist(chunk, decompressed); err != nil {
				acq.Fail()
				acq.End()
				return err
			}
			acq.Publish(decompressed)
			e.audit.ChunkDownloaded(chunk.GUID, nil)
			copySpan(out, decompressed, offset, size)
			acq.End()
			return nil

		case chunkpool.OutcomeMustReadDisk:
			decompressed, err := e.cache.ReadCached(chunk.GUID)
			ok := err == nil
			if ok && e.opts.VerifyHashes && chunk.SHA1 != ([20]byte{}) {
				ok = chunkcodec.Verify(decompressed, chunk.SHA1)
			}
			if !ok {
				acq.Invalidate()
				acq.End()
				_ = e.cache.Remove(chunk.GUID)
				e.metrics.ChunkVerified(false)
				if retried {
					return fmt.Errorf("%w: chunk %s", ErrIntegrityFailed, chunk.GUID)
				}
				retried = true
				continue // restart through the Unavailable path.
			}
			e.metrics.ChunkVerified(true)
			acq.Publish(decompressed)
			acq.End()
			copySpan(out, decompressed, offset, size)
			return nil
		}
	}
}

func copySpan(dst, src []byte, offset, size uint32) {
	copy(dst[:size], src[offset:offset+size])
}
