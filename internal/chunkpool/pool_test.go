package chunkpool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/WorkingRobot/egvmount/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guid(t *testing.T, n byte) manifest.GUID {
	t.Helper()
	var g manifest.GUID
	g[0] = n
	return g
}

func TestBeginPublishReadable(t *testing.T) {
	p := New(8)
	g := guid(t, 1)

	acq, outcome, _ := p.Begin(g, func() bool { return false })
	require.Equal(t, OutcomeMustDownload, outcome)
	acq.Publish([]byte("hello"))
	acq.End()

	acq2, outcome2, buf := p.Begin(g, nil)
	require.Equal(t, OutcomeReadable, outcome2)
	assert.Equal(t, []byte("hello"), buf)
	acq2.End()
}

func TestBeginUsesDiskHintOnlyWhenUnavailable(t *testing.T) {
	p := New(8)
	g := guid(t, 2)
	acq, outcome, _ := p.Begin(g, func() bool { return true })
	require.Equal(t, OutcomeMustReadDisk, outcome)
	acq.Publish([]byte("from-disk"))
	acq.End()
}

func TestConcurrentBeginIsSingleFlight(t *testing.T) {
	p := New(8)
	g := guid(t, 3)

	const n = 8
	var downloaders int32
	var wg sync.WaitGroup
	results := make([][]byte, n)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			acq, outcome, buf := p.Begin(g, func() bool { return false })
			if outcome == OutcomeMustDownload {
				atomic.AddInt32(&downloaders, 1)
				acq.Publish([]byte("payload"))
				results[i] = []byte("payload")
			} else {
				results[i] = buf
			}
			acq.End()
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, downloaders)
	for _, r := range results {
		assert.Equal(t, []byte("payload"), r)
	}
}

func TestFailWakesWaitersForRetry(t *testing.T) {
	p := New(8)
	g := guid(t, 4)

	acq1, outcome, _ := p.Begin(g, func() bool { return false })
	require.Equal(t, OutcomeMustDownload, outcome)

	done := make(chan Outcome, 1)
	go func() {
		acq2, o, _ := p.Begin(g, func() bool { return false })
		done <- o
		acq2.End()
	}()

	acq1.Fail()
	acq1.End()

	o := <-done
	assert.Equal(t, OutcomeMustDownload, o)
}

func TestInvalidateForcesUnavailable(t *testing.T) {
	p := New(8)
	g := guid(t, 5)
	acq, _, _ := p.Begin(g, func() bool { return false })
	acq.Publish([]byte("stale"))
	acq.Invalidate()
	acq.End()

	acq2, outcome, _ := p.Begin(g, func() bool { return false })
	assert.Equal(t, OutcomeMustDownload, outcome)
	acq2.Publish([]byte("fresh"))
	acq2.End()
}

func TestEvictionRespectsCapacityAndRefcount(t *testing.T) {
	p := New(2)
	g1, g2, g3, g4 := guid(t, 10), guid(t, 11), guid(t, 12), guid(t, 13)

	for _, g := range []manifest.GUID{g1, g2} {
		acq, _, _ := p.Begin(g, func() bool { return false })
		acq.Publish([]byte{1})
		acq.End()
	}
	assert.Equal(t, 2, p.Len())

	acq3, _, _ := p.Begin(g3, func() bool { return false })
	acq3.Publish([]byte{1})
	acq3.End()

	assert.Equal(t, 2, p.Len())

	// Entries still referenced are skipped by eviction, even past capacity.
	held2, _, _ := p.Begin(g2, nil)
	held3, _, _ := p.Begin(g3, nil)
	held4, _, _ := p.Begin(g4, func() bool { return false })
	assert.Equal(t, 3, p.Len())
	held4.Publish([]byte{1})
	held2.End()
	held3.End()
	held4.End()
	assert.Equal(t, 2, p.Len())
}
