package kernel

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// PanicInfo describes a fatal kernel-consistency failure.
type PanicInfo struct {
	ThreadID uint64
	Value    any
	Stack    []byte
}

// ConsistencyError is the panic value raised when a structural kernel
// invariant is found broken.
type ConsistencyError struct {
	ThreadID uint64
	Msg      string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("kernel: consistency failure (thread %d): %s", e.ThreadID, e.Msg)
}

var (
	panicActive atomic.Bool
	panicOnce   sync.Once

	panicHandler atomic.Value // func(PanicInfo)
)

// InPanicMode reports whether a fatal kernel error has been raised.
func InPanicMode() bool {
	return panicActive.Load()
}

// SetPanicHandler installs a process-wide fatal error handler.
//
// The handler is invoked at most once (on the first failure). It must not panic.
func SetPanicHandler(fn func(PanicInfo)) {
	panicHandler.Store(fn)
}

func triggerPanic(info PanicInfo) {
	panicOnce.Do(func() {
		panicActive.Store(true)
		info.Stack = debug.Stack()
		if v := panicHandler.Load(); v != nil {
			if fn, ok := v.(func(PanicInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
}

// fatalf reports a broken invariant and panics. It never returns.
func (k *Kernel) fatalf(t *Thread, format string, args ...any) {
	err := &ConsistencyError{Msg: fmt.Sprintf(format, args...)}
	if t != nil {
		err.ThreadID = t.id
	}
	k.logf("kernel: fatal: %s", err.Msg)
	triggerPanic(PanicInfo{ThreadID: err.ThreadID, Value: err})
	panic(err)
}
