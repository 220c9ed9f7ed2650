// Package chunkpool implements the bounded in-memory hot pool of
// decompressed chunk buffers, with a per-entry state machine guaranteeing
// at most one concurrent fetch or disk-read per GUID (spec.md §4.5).
package chunkpool

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/WorkingRobot/egvmount/internal/manifest"
)

// Telemetry is the minimal metrics surface the pool reports through;
// internal/telemetry.Metrics implements it.
type Telemetry interface {
	PoolEviction()
	SetPoolWaiters(n int)
}

type noopTelemetry struct{}

func (noopTelemetry) PoolEviction()      {}
func (noopTelemetry) SetPoolWaiters(int) {}

// State is a PoolEntry's lifecycle state (spec.md §4.5).
type State int

const (
	StateUnavailable State = iota
	StateDownloading
	StateReading
	StateReadable
)

// entry is one PoolEntry. It has its own mutex and condition variable so
// that waiters block on state transitions without holding the pool-wide
// lock across I/O.
type entry struct {
	guid     manifest.GUID
	pool     *Pool
	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	buffer   []byte
	refcount int

	elem *list.Element // pool-wide FIFO membership, guarded by Pool.mu
}

func newEntry(guid manifest.GUID, pool *Pool) *entry {
	e := &entry{guid: guid, pool: pool, state: StateUnavailable}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Pool is a bounded, FIFO-with-promote-on-hit pool of entries.
type Pool struct {
	mu        sync.Mutex
	capacity  int
	byGUID    map[manifest.GUID]*entry
	order     *list.List // front = least recently used
	telemetry Telemetry
	waiters   int64 // atomic: goroutines currently blocked in entry.cond.Wait
}

// New returns a Pool capped at capacity entries.
func New(capacity int) *Pool {
	return &Pool{
		capacity:  capacity,
		byGUID:    make(map[manifest.GUID]*entry),
		order:     list.New(),
		telemetry: noopTelemetry{},
	}
}

// SetTelemetry installs a telemetry sink. Not safe to call concurrently
// with in-flight Begin/release calls.
func (p *Pool) SetTelemetry(t Telemetry) {
	if t != nil {
		p.telemetry = t
	}
}

// acquire returns the entry for guid, creating it (Unavailable) if absent,
// and promotes it to most-recently-used. The caller must release the
// reference by calling Pool.release when done holding it.
func (p *Pool) acquire(guid manifest.GUID) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.byGUID[guid]; ok {
		p.order.MoveToBack(e.elem)
		e.mu.Lock()
		e.refcount++
		e.mu.Unlock()
		return e
	}

	e := newEntry(guid, p)
	e.refcount = 1
	e.elem = p.order.PushBack(e)
	p.byGUID[guid] = e
	p.evictLocked()
	return e
}

// evictLocked removes least-recently-used entries with zero refcount
// until the pool is within capacity. Must be called with p.mu held.
func (p *Pool) evictLocked() {
	for skipped := 0; p.order.Len() > p.capacity && skipped < p.order.Len(); {
		front := p.order.Front()
		e := front.Value.(*entry)
		if e.refcount > 0 {
			// Referenced entries are never evicted. Each is moved to the back
			// at most once per call, so scanning terminates even when every
			// entry is referenced, and future evictions still consider it
			// once its refcount drops.
			p.order.MoveToBack(front)
			skipped++
			continue
		}
		p.order.Remove(front)
		delete(p.byGUID, e.guid)
		p.telemetry.PoolEviction()
	}
}

func (p *Pool) release(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.refcount--
	if e.refcount == 0 {
		p.evictLocked()
	}
}

// Acquisition represents one caller's hold on a pool entry, obtained via
// Pool.Begin and released via End.
type Acquisition struct {
	pool  *Pool
	entry *entry
}

// Outcome tells the caller what it must do after Begin returns.
type Outcome int

const (
	// OutcomeReadable means the entry already holds a published buffer;
	// call Bytes.
	OutcomeReadable Outcome = iota
	// OutcomeMustDownload means the caller must fetch+decode bytes and
	// call Publish, or Fail on error.
	OutcomeMustDownload
	// OutcomeMustReadDisk means the caller must load bytes from the
	// on-disk cache and call Publish, or Fail on error.
	OutcomeMustReadDisk
)

// Begin obtains the entry for guid, transitioning it per spec.md §4.6
// orchestration. onDiskHint is consulted whenever the entry is found
// Unavailable: when freshly created, and again after a Fail or Invalidate.
func (p *Pool) Begin(guid manifest.GUID, onDiskHint func() bool) (*Acquisition, Outcome, []byte) {
	e := p.acquire(guid)
	acq := &Acquisition{pool: p, entry: e}

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		switch e.state {
		case StateReadable:
			return acq, OutcomeReadable, e.buffer
		case StateUnavailable:
			if onDiskHint != nil && onDiskHint() {
				e.state = StateReading
				return acq, OutcomeMustReadDisk, nil
			}
			e.state = StateDownloading
			return acq, OutcomeMustDownload, nil
		case StateDownloading, StateReading:
			n := atomic.AddInt64(&e.pool.waiters, 1)
			e.pool.telemetry.SetPoolWaiters(int(n))
			e.cond.Wait()
			n = atomic.AddInt64(&e.pool.waiters, -1)
			e.pool.telemetry.SetPoolWaiters(int(n))
		}
	}
}

// Publish transitions the entry to Readable with buf, waking all waiters.
func (a *Acquisition) Publish(buf []byte) {
	a.entry.mu.Lock()
	a.entry.buffer = buf
	a.entry.state = StateReadable
	a.entry.cond.Broadcast()
	a.entry.mu.Unlock()
}

// Fail transitions the entry back to Unavailable, waking all waiters so
// exactly one of them retries the fetch/read.
func (a *Acquisition) Fail() {
	a.entry.mu.Lock()
	a.entry.state = StateUnavailable
	a.entry.cond.Broadcast()
	a.entry.mu.Unlock()
}

// Invalidate forces a Readable entry back to Unavailable (used on
// integrity failure of a previously published buffer) and wakes waiters.
func (a *Acquisition) Invalidate() {
	a.entry.mu.Lock()
	a.entry.buffer = nil
	a.entry.state = StateUnavailable
	a.entry.cond.Broadcast()
	a.entry.mu.Unlock()
}

// End releases the caller's reference, permitting the entry to be evicted
// once no one else holds it and it is not most-recently-used.
func (a *Acquisition) End() {
	a.pool.release(a.entry)
}

// Len reports the number of entries currently tracked (for diagnostics/tests).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}
