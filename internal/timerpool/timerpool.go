// Package timerpool provides a pool for time.Timer objects,
// so hot paths don't allocate a fresh timer per wait.
package timerpool

import (
	"sync"
	"time"
)

var pool sync.Pool

// Get returns a timer from the pool that fires after the given duration.
func Get(d time.Duration) *time.Timer {
	if v := pool.Get(); v != nil {
		t := v.(*time.Timer)
		t.Reset(d)
		return t
	}
	return time.NewTimer(d)
}

// Put returns the timer to the pool. The timer must no longer be read from.
func Put(t *time.Timer) {
	if !t.Stop() {
		// Drain the channel if the timer already fired.
		select {
		case <-t.C:
		default:
		}
	}
	pool.Put(t)
}
