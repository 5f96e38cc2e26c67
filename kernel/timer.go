package kernel

import "time"

// Timer is a kernel timer object. It signals after an initial delay and,
// when an interval is set, periodically afterwards.
type Timer struct {
	objectBase
	waitQueue
	refCount

	k         *Kernel
	resetType ResetType
	signaled  bool

	interval time.Duration
	token    Handle
	timerID  uint64
	armed    bool
}

// NewTimer creates a disarmed timer.
func (k *Kernel) NewTimer(name string, reset ResetType) *Timer {
	return &Timer{
		objectBase: objectBase{id: k.newObjectID(), name: name},
		k:          k,
		resetType:  reset,
	}
}

func (tm *Timer) HandleType() HandleType { return HandleTypeTimer }
func (tm *Timer) Signaled() bool         { return tm.signaled }
func (tm *Timer) Armed() bool            { return tm.armed }

func (tm *Timer) ShouldWait(*Thread) bool { return !tm.signaled }

func (tm *Timer) Acquire(t *Thread) {
	if !tm.signaled {
		tm.k.fatalf(t, "acquire of unsignaled timer %q", tm.name)
	}
	if tm.resetType == ResetOneShot {
		tm.signaled = false
	}
}

// Set arms the timer. A zero interval makes it fire once.
func (tm *Timer) Set(initial, interval time.Duration) Result {
	if initial < 0 || interval < 0 {
		return ResultOutOfRange
	}
	tm.Cancel()
	if tm.token == InvalidHandle {
		h, res := tm.k.wakeups.Create(tm)
		if !res.IsSuccess() {
			return res
		}
		tm.token = h
	}
	tm.interval = interval
	tm.timerID = tm.k.timer.Schedule(initial, uint64(tm.token))
	tm.armed = true
	return ResultSuccess
}

// Cancel disarms the timer without touching its signal state.
func (tm *Timer) Cancel() {
	if !tm.armed {
		return
	}
	tm.k.timer.Cancel(tm.timerID)
	tm.armed = false
	tm.timerID = 0
}

// Clear resets the signal.
func (tm *Timer) Clear() { tm.signaled = false }

// Close disarms the timer and drops its wakeup token.
func (tm *Timer) Close() {
	tm.Cancel()
	if tm.token != InvalidHandle {
		tm.k.wakeups.Close(tm.token)
		tm.token = InvalidHandle
	}
}

// lastGuestRef reports whether a single handle besides the wakeup token
// refers to tm.
func (tm *Timer) lastGuestRef() bool {
	n := tm.Refs()
	if tm.token != InvalidHandle {
		n--
	}
	return n == 1
}

func (tm *Timer) fire(id uint64) {
	if !tm.armed || tm.timerID != id {
		return
	}
	tm.armed = false
	tm.signaled = true
	wakeupAllWaitingThreads(tm)
	if tm.resetType == ResetPulse {
		tm.signaled = false
	}
	if tm.interval > 0 {
		tm.timerID = tm.k.timer.Schedule(tm.interval, uint64(tm.token))
		tm.armed = true
	}
}
