package molimg

import (
	"sync"
	"sync/atomic"
)

var atExit struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// RegisterAtExit schedules fn to run when RunAtExit is called, e.g. to remove
// temporary build directories. Functions run in registration order.
func RegisterAtExit(fn func() error) {
	if atomic.LoadUint32(&atExit.closed) != 0 {
		panic("BUG: RegisterAtExit must not be called from an atExit func")
	}
	atExit.Lock()
	defer atExit.Unlock()
	atExit.fns = append(atExit.fns, fn)
}

// RunAtExit runs all registered functions and returns the first error. All
// functions run even if an earlier one failed.
func RunAtExit() error {
	atomic.StoreUint32(&atExit.closed, 1)
	atExit.Lock()
	defer atExit.Unlock()
	var first error
	for _, fn := range atExit.fns {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	atExit.fns = nil
	return first
}
