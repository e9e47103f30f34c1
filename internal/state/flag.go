package state

import "sync/atomic"

// flag is a boolean shared between the dispatch goroutine and the execution
// loop. Setting it is idempotent; consume reads and clears it in one step.
// wake carries at most one pending notification so a blocked loop can react
// without polling.
type flag struct {
	v    atomic.Bool
	wake chan struct{}
}

func newFlag() *flag {
	return &flag{wake: make(chan struct{}, 1)}
}

func (f *flag) set() {
	f.v.Store(true)
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *flag) consume() bool {
	return f.v.CompareAndSwap(true, false)
}

func (f *flag) get() bool {
	return f.v.Load()
}
