package client

import (
	"sync"
	"time"
)

// waitOnce blocks on cond for up to d, waking early if cond is signaled.
// The caller must hold cond.L; on return, cond.L is held again (as with
// sync.Cond.Wait). It performs exactly one Wait call — callers that need a
// deadline spanning several wakeups must loop and recompute the remaining
// duration themselves, checking their own predicate between iterations.
func waitOnce(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}
