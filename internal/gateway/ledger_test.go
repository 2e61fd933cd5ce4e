package gateway

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryLedger_CeilingPerPath(t *testing.T) {
	l := newRetryLedger(1, 8)

	assert.True(t, l.acquire("/api/cart/"))
	assert.False(t, l.acquire("/api/cart/"))
	assert.False(t, l.acquire("/api/cart/"))
	assert.True(t, l.acquire("/api/orders/"))
	assert.Equal(t, 1, l.attempts("/api/cart/"))
	assert.Equal(t, 0, l.attempts("/api/unknown/"))
}

func TestRetryLedger_EvictsOldestPath(t *testing.T) {
	l := newRetryLedger(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.acquire(fmt.Sprintf("/p%d/", i)))
	}
	assert.Equal(t, 3, l.len())

	// a fourth path pushes out /p0/
	assert.True(t, l.acquire("/p3/"))
	assert.Equal(t, 3, l.len())
	assert.Equal(t, 0, l.attempts("/p0/"))
	assert.Equal(t, 1, l.attempts("/p1/"))

	// the evicted path gets its retry back
	assert.True(t, l.acquire("/p0/"))
	assert.Equal(t, 0, l.attempts("/p1/"))
}

func TestRetryLedger_ZeroCeiling(t *testing.T) {
	l := newRetryLedger(0, 4)
	assert.False(t, l.acquire("/api/cart/"))
	assert.Equal(t, 0, l.len())
}

func TestRetryLedger_ConcurrentSamePath(t *testing.T) {
	l := newRetryLedger(1, 4)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.acquire("/api/cart-overview/") {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
}
