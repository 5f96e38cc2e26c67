package kernel

import "time"

// WakeupReason tells why a blocked thread became ready again.
type WakeupReason uint8

const (
	WakeupPending WakeupReason = iota
	WakeupSignal
	WakeupTimeout
	WakeupCancelled
)

func (r WakeupReason) String() string {
	switch r {
	case WakeupPending:
		return "pending"
	case WakeupSignal:
		return "signal"
	case WakeupTimeout:
		return "timeout"
	case WakeupCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Wakeup is the outcome of a blocking operation. Index is the position of
// the signaled object for WaitAny waits and -1 otherwise.
type Wakeup struct {
	Reason WakeupReason
	Result Result
	Index  int
	Object WaitObject
}

// waitKind selects how a wakeup is reported to the guest.
type waitKind uint8

const (
	waitKindNone waitKind = iota
	waitKindSynch
	waitKindSleep
	waitKindMutex
	waitKindArbiter
	waitKindHLE
	waitKindIPC
)

// PendingWakeup returns the outcome recorded by the last wake transition
// that has not been resolved into guest registers yet.
func (t *Thread) PendingWakeup() (Wakeup, bool) {
	return t.wakeup, t.wakeupPending
}

// recordWakeup fills the outcome slot. It must run before ResumeFromWait
// clears the wait state.
func (t *Thread) recordWakeup(reason WakeupReason, obj WaitObject, index int) {
	w := Wakeup{Reason: reason, Index: -1, Object: obj}
	switch reason {
	case WakeupSignal:
		w.Result = ResultSuccess
		if t.status == StatusWaitSynchAny {
			w.Index = index
		}
	case WakeupTimeout:
		w.Result = ResultTimeout
		w.Object = nil
		if t.waitKind == waitKindSleep {
			w.Result = ResultSuccess
		}
	case WakeupCancelled:
		w.Result = ResultCancelled
		w.Object = nil
	}
	t.wakeup = w
	t.wakeupPending = true
}

// FireWakeup is the timer queue callback. token is the wakeup handle the
// timer was armed with and id the timer that fired. Fires for timers that
// were cancelled or superseded are ignored.
func (k *Kernel) FireWakeup(id, token uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	obj, ok := k.wakeups.Get(Handle(token))
	if !ok {
		k.logf("kernel: wakeup for invalid handle 0x%08x", token)
		return
	}
	switch o := obj.(type) {
	case *Thread:
		o.timerFired(id)
	case *Timer:
		o.fire(id)
	}
}

func (t *Thread) timerFired(id uint64) {
	if !t.timerArmed || t.timerID != id {
		return
	}
	t.timerArmed = false
	t.timerID = 0
	if !t.status.IsWaiting() {
		return
	}

	if t.status == StatusWaitMutex && t.condvarWaitAddress == 0 && t.mutexWaitAddress != 0 {
		// Only condvar waits carry a timeout; a plain mutex wait never arms one.
		t.k.fatalf(t, "timeout on mutex wait 0x%x", t.mutexWaitAddress)
	}
	t.recordWakeup(WakeupTimeout, nil, -1)
	t.ResumeFromWait()
}

// ResolveWakeup writes the pending wakeup outcome of t into its guest
// registers: the result code in X0 and, for WaitAny waits, the signaled
// index in X1. It reports whether anything was pending.
func (k *Kernel) ResolveWakeup(t *Thread) bool {
	if !t.wakeupPending {
		return false
	}
	w := t.wakeup
	switch t.waitKind {
	case waitKindSleep:
	case waitKindSynch:
		t.Context.X[0] = uint64(w.Result)
		if w.Index >= 0 {
			t.Context.X[1] = uint64(w.Index)
		}
	default:
		t.Context.X[0] = uint64(w.Result)
	}
	t.wakeupPending = false
	t.waitKind = waitKindNone
	return true
}

// Sleep blocks the running thread for d.
func (t *Thread) Sleep(d time.Duration) {
	t.beginWait(StatusWaitSleep, waitKindSleep)
	t.WakeAfterDelay(d)
}

// WaitHLEEvent blocks t until obj is signaled or timeout elapses. Used by
// host services that complete asynchronously.
func (t *Thread) WaitHLEEvent(obj WaitObject, timeout time.Duration) {
	t.beginWait(StatusWaitHLEEvent, waitKindHLE)
	t.waitObjects = append(t.waitObjects[:0], obj)
	obj.waiters().add(t)
	t.WakeAfterDelay(timeout)
}

// WaitIPC parks t until the service side replies with CompleteIPC.
func (t *Thread) WaitIPC() {
	t.beginWait(StatusWaitIPC, waitKindIPC)
}

// CompleteIPC resumes a thread parked in WaitIPC with the given result.
func (t *Thread) CompleteIPC(res Result) {
	if t.status != StatusWaitIPC {
		return
	}
	t.recordWakeup(WakeupSignal, nil, -1)
	t.wakeup.Result = res
	t.ResumeFromWait()
}

// CancelWait aborts a WaitSynchAny/WaitSynchAll wait with ResultCancelled.
// It reports whether t was in such a wait.
func (t *Thread) CancelWait() bool {
	if t.status != StatusWaitSynchAny && t.status != StatusWaitSynchAll {
		return false
	}
	t.recordWakeup(WakeupCancelled, nil, -1)
	t.ResumeFromWait()
	return true
}

// WaitSynchronization blocks t on objects. If the wait is satisfied at entry
// the returned outcome is final and t keeps running. Otherwise the returned
// outcome has reason WakeupPending and the final one is delivered through
// PendingWakeup/ResolveWakeup once t is resumed.
//
// An empty WaitAny list behaves like a sleep that reports a timeout; an
// empty WaitAll list is satisfied immediately.
func (t *Thread) WaitSynchronization(objects []WaitObject, waitAll bool, timeout time.Duration) Wakeup {
	if waitAll {
		return t.waitAll(objects, timeout)
	}
	return t.waitAny(objects, timeout)
}

func (t *Thread) waitAny(objects []WaitObject, timeout time.Duration) Wakeup {
	for _, o := range objects {
		if o.ShouldWait(t) {
			continue
		}
		o.Acquire(t)
		index := 0
		for i, x := range objects {
			if x == o {
				index = i
			}
		}
		return Wakeup{Reason: WakeupSignal, Result: ResultSuccess, Index: index, Object: o}
	}
	if timeout == 0 {
		return Wakeup{Reason: WakeupTimeout, Result: ResultTimeout, Index: -1}
	}

	t.beginWait(StatusWaitSynchAny, waitKindSynch)
	t.registerWait(objects)
	t.WakeAfterDelay(timeout)
	return t.wakeup
}

func (t *Thread) waitAll(objects []WaitObject, timeout time.Duration) Wakeup {
	ready := true
	for _, o := range objects {
		if o.ShouldWait(t) {
			ready = false
			break
		}
	}
	if ready {
		for _, o := range distinctObjects(objects) {
			o.Acquire(t)
		}
		return Wakeup{Reason: WakeupSignal, Result: ResultSuccess, Index: -1}
	}
	if timeout == 0 {
		return Wakeup{Reason: WakeupTimeout, Result: ResultTimeout, Index: -1}
	}

	t.beginWait(StatusWaitSynchAll, waitKindSynch)
	t.registerWait(objects)
	t.WakeAfterDelay(timeout)
	return t.wakeup
}

func (t *Thread) registerWait(objects []WaitObject) {
	t.waitObjects = append(t.waitObjects[:0], objects...)
	for _, o := range objects {
		o.waiters().add(t)
	}
}
