// Package bulk implements the worker-pool preload, verify-all, and
// purge-unused operations over a whole manifest (spec.md §4.9).
package bulk

import (
	"context"
	"errors"
	"sync"

	"github.com/WorkingRobot/egvmount/internal/cachestore"
	"github.com/WorkingRobot/egvmount/internal/manifest"
	"github.com/WorkingRobot/egvmount/internal/storage"
)

// ErrCancelled is returned when a bulk operation observes context
// cancellation before completing.
var ErrCancelled = errors.New("bulk: cancelled")

// Engine is the subset of storage.Engine bulk operations depend on.
type Engine interface {
	ChunkPresent(guid manifest.GUID) bool
	Download(ctx context.Context, chunk *manifest.Chunk) error
	Verify(ctx context.Context, chunk *manifest.Chunk) (storage.VerifyResult, error)
}

// Progress is invoked once per completed unit of work across all bulk
// operations. total is fixed up front; completed/failed grow monotonically.
// PurgeUnused passes the number of files deleted so far as failed.
type Progress func(completed, failed, total int)

// Summary is the final report of a bulk operation. Deleted is only
// meaningful for PurgeUnused; Failed is only meaningful for PreloadAll
// and VerifyAll.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Deleted   int
	Cancelled bool
}

func runPool(ctx context.Context, threadCount int, units []func(context.Context) error, progress Progress) Summary {
	if threadCount <= 0 {
		threadCount = 4
	}
	total := len(units)
	work := make(chan func(context.Context) error, total)
	for _, u := range units {
		work <- u
	}
	close(work)

	var mu sync.Mutex
	var completed, failed int
	var wg sync.WaitGroup
	cancelled := false

	wg.Add(threadCount)
	for i := 0; i < threadCount; i++ {
		go func() {
			defer wg.Done()
			for u := range work {
				select {
				case <-ctx.Done():
					mu.Lock()
					cancelled = true
					mu.Unlock()
					continue // drain remaining units without starting new work.
				default:
				}
				err := u(ctx)
				mu.Lock()
				completed++
				if err != nil {
					failed++
				}
				if progress != nil {
					progress(completed, failed, total)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return Summary{Total: total, Succeeded: completed - failed, Failed: failed, Cancelled: cancelled}
}

// PreloadAll downloads every chunk in m not already present on disk.
func PreloadAll(ctx context.Context, eng Engine, m *manifest.Manifest, threadCount int, progress Progress) Summary {
	var units []func(context.Context) error
	for _, chunk := range m.Chunks {
		chunk := chunk
		if eng.ChunkPresent(chunk.GUID) {
			continue
		}
		units = append(units, func(ctx context.Context) error {
			return eng.Download(ctx, chunk)
		})
	}
	return runPool(ctx, threadCount, units, progress)
}

// VerifyAll verifies every chunk in m that is present on disk.
func VerifyAll(ctx context.Context, eng Engine, m *manifest.Manifest, threadCount int, progress Progress) Summary {
	var units []func(context.Context) error
	for _, chunk := range m.Chunks {
		chunk := chunk
		if !eng.ChunkPresent(chunk.GUID) {
			continue
		}
		units = append(units, func(ctx context.Context) error {
			_, err := eng.Verify(ctx, chunk)
			return err
		})
	}
	return runPool(ctx, threadCount, units, progress)
}

// PurgeUnused deletes every cache file whose GUID is not in m.Chunks.
func PurgeUnused(ctx context.Context, cache *cachestore.Layout, m *manifest.Manifest, progress Progress) (Summary, error) {
	live := make(map[manifest.GUID]struct{}, len(m.Chunks))
	for guid := range m.Chunks {
		live[guid] = struct{}{}
	}

	var files []cachestore.ChunkFile
	if err := cache.IterChunkFiles(func(cf cachestore.ChunkFile) bool {
		files = append(files, cf)
		return true
	}); err != nil {
		return Summary{}, err
	}

	total := len(files)
	var completed, deleted int
	for _, cf := range files {
		select {
		case <-ctx.Done():
			return Summary{Total: total, Succeeded: completed - deleted, Deleted: deleted, Cancelled: true}, ErrCancelled
		default:
		}
		if _, ok := live[cf.GUID]; !ok {
			if err := cache.Remove(cf.GUID); err != nil {
				return Summary{}, err
			}
			deleted++
		}
		completed++
		if progress != nil {
			progress(completed, deleted, total)
		}
	}
	return Summary{Total: total, Succeeded: completed - deleted, Deleted: deleted}, nil
}
