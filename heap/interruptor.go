// ABOUTME: A flag based Interruptor for threads that run their own loops
// ABOUTME: The collector raises the flag and the thread polls it between units of work

package heap

import "sync/atomic"

// PollingInterruptor records interrupt requests until the owning thread
// checks in through Poll.
type PollingInterruptor struct {
	requested atomic.Bool
}

func (p *PollingInterruptor) RequestInterrupt() { p.requested.Store(true) }
func (p *PollingInterruptor) ClearInterrupt()   { p.requested.Store(false) }
func (p *PollingInterruptor) Requested() bool   { return p.requested.Load() }

// Poll parks ts at a safepoint if a collection asked for it. It reports
// whether the thread stopped.
func (p *PollingInterruptor) Poll(ts *ThreadState) bool {
	if !p.requested.Load() {
		return false
	}
	ts.OnInterrupted()
	return true
}
