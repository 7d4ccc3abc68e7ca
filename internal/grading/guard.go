package grading

import "sync/atomic"

// Guard is the single busy flag that serializes bulk operations.
// It rejects instead of queueing.
type Guard struct{ busy atomic.Bool }

func (g *Guard) TryAcquire() bool { return g.busy.CompareAndSwap(false, true) }
func (g *Guard) Release()         { g.busy.Store(false) }
func (g *Guard) Busy() bool       { return g.busy.Load() }

// Run holds the guard for the duration of fn. It returns ErrBusy without
// calling fn when the guard is already held.
func (g *Guard) Run(fn func() error) error {
	if !g.TryAcquire() {
		return ErrBusy
	}
	defer g.Release()
	return fn()
}
