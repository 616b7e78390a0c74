// Package pool provides pooled timers for short, frequent waits such as the
// post-stop settle delay.
package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a timer set to fire after d, reusing a pooled timer when
// one is available. Return it with PutTimer when done.
func GetTimer(d time.Duration) *time.Timer {
	if v := timerPool.Get(); v != nil {
		t, _ := v.(*time.Timer) // the pool only ever holds *time.Timer
		if t.Reset(d) {
			// timer was still active, drain a possible stale tick
			select {
			case <-t.C:
			default:
			}
		}

		return t
	}

	return time.NewTimer(d)
}

// PutTimer stops t and returns it to the pool. The timer must not be used
// after it has been put back.
func PutTimer(t *time.Timer) {
	if !t.Stop() {
		// drain t.C if the tick was never consumed
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}
