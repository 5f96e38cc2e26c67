package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"hzn/memory"
)

// MaxWaitHandles is the largest handle list WaitSynchronization accepts.
const MaxWaitHandles = 0x40

// Yield requests accepted by SleepThread in place of a duration.
const (
	YieldWithoutLoadBalancing int64 = 0
	YieldWithLoadBalancing    int64 = -1
	YieldToAnyThread          int64 = -2
)

func nsToDuration(ns int64) time.Duration {
	if ns < 0 {
		return WaitForever
	}
	return time.Duration(ns)
}

// lookupThread resolves h, including the current-thread pseudo handle.
func lookupThread(cur *Thread, h Handle) (*Thread, bool) {
	if h == CurrentThreadHandle {
		return cur, true
	}
	return getObject[*Thread](cur.owner.handles, h)
}

// SvcCreateThread creates a dormant thread in the caller's process.
func (k *Kernel) SvcCreateThread(cur *Thread, entry, arg, stackTop uint64, priority uint32, processorID int32) (Handle, Result, error) {
	if priority > PriorityLowest {
		return InvalidHandle, ResultInvalidPriority, nil
	}
	t, err := k.CreateThread(cur.owner, fmt.Sprintf("thread@0x%x", entry), entry, priority, arg, processorID, stackTop)
	if err != nil {
		var ce CreateError
		if errors.As(err, &ce) {
			return InvalidHandle, ce.Result(), nil
		}
		return InvalidHandle, 0, err
	}
	return t.guestHandle, ResultSuccess, nil
}

func (k *Kernel) SvcStartThread(cur *Thread, h Handle) Result {
	t, ok := lookupThread(cur, h)
	if !ok {
		return ResultInvalidHandle
	}
	return t.Start()
}

func (k *Kernel) SvcExitThread(cur *Thread) {
	cur.Stop()
}

// SvcSleepThread sleeps for ns nanoseconds or, for the special values,
// yields the core.
func (k *Kernel) SvcSleepThread(cur *Thread, ns int64) {
	switch {
	case ns > 0:
		cur.Sleep(time.Duration(ns))
	case ns == YieldWithLoadBalancing, ns == YieldToAnyThread:
		cur.scheduler.yieldWithLoadBalancing(cur)
	default:
		cur.scheduler.yieldWithoutLoadBalancing(cur)
	}
}

func (k *Kernel) SvcGetThreadPriority(cur *Thread, h Handle) (uint32, Result) {
	t, ok := lookupThread(cur, h)
	if !ok {
		return 0, ResultInvalidHandle
	}
	return t.currentPriority, ResultSuccess
}

func (k *Kernel) SvcSetThreadPriority(cur *Thread, h Handle, priority uint32) Result {
	if priority > PriorityLowest {
		return ResultInvalidPriority
	}
	t, ok := lookupThread(cur, h)
	if !ok {
		return ResultInvalidHandle
	}
	t.SetPriority(priority)
	return ResultSuccess
}

func (k *Kernel) SvcGetThreadCoreMask(cur *Thread, h Handle) (int32, uint64, Result) {
	t, ok := lookupThread(cur, h)
	if !ok {
		return 0, 0, ResultInvalidHandle
	}
	return t.idealCore, t.affinityMask, ResultSuccess
}

// SvcSetThreadCoreMask changes the ideal core and affinity of a thread.
// core may be IdealCoreUseProcessValue, IdealCoreDontCare or
// IdealCoreNoUpdate.
func (k *Kernel) SvcSetThreadCoreMask(cur *Thread, h Handle, core int32, mask uint64) Result {
	t, ok := lookupThread(cur, h)
	if !ok {
		return ResultInvalidHandle
	}
	switch {
	case core == IdealCoreUseProcessValue:
		core = t.owner.idealCore
		mask = 1 << uint(core)
	case core == IdealCoreNoUpdate:
		core = t.idealCore
	case core == IdealCoreDontCare:
	case core < 0 || int(core) >= len(k.schedulers):
		return ResultInvalidProcessorID
	}
	if mask == 0 || mask&^t.owner.allowedCores != 0 {
		return ResultInvalidCombination
	}
	if core >= 0 && mask&(1<<uint(core)) == 0 {
		return ResultInvalidCombination
	}
	t.ChangeCore(core, mask)
	return ResultSuccess
}

func (k *Kernel) SvcGetThreadID(cur *Thread, h Handle) (uint64, Result) {
	t, ok := lookupThread(cur, h)
	if !ok {
		return 0, ResultInvalidHandle
	}
	return t.id, ResultSuccess
}

// SvcCreateEvent returns a writable and a readable handle to a new event.
func (k *Kernel) SvcCreateEvent(cur *Thread) (Handle, Handle, Result) {
	e := k.NewEvent(fmt.Sprintf("event-%d", k.nextObjectID+1), ResetOneShot)
	w, res := cur.owner.handles.Create(e)
	if !res.IsSuccess() {
		return InvalidHandle, InvalidHandle, res
	}
	r, res := cur.owner.handles.Create(e)
	if !res.IsSuccess() {
		cur.owner.handles.Close(w)
		return InvalidHandle, InvalidHandle, res
	}
	return w, r, ResultSuccess
}

func (k *Kernel) SvcSignalEvent(cur *Thread, h Handle) Result {
	e, ok := getObject[*Event](cur.owner.handles, h)
	if !ok {
		return ResultInvalidHandle
	}
	e.Signal()
	return ResultSuccess
}

func (k *Kernel) SvcClearEvent(cur *Thread, h Handle) Result {
	e, ok := getObject[*Event](cur.owner.handles, h)
	if !ok {
		return ResultInvalidHandle
	}
	e.Clear()
	return ResultSuccess
}

// SvcResetSignal clears a signaled event or timer.
func (k *Kernel) SvcResetSignal(cur *Thread, h Handle) Result {
	obj, ok := cur.owner.handles.Get(h)
	if !ok {
		return ResultInvalidHandle
	}
	switch o := obj.(type) {
	case *Event:
		if !o.signaled {
			return ResultInvalidState
		}
		o.Clear()
	case *Timer:
		if !o.signaled {
			return ResultInvalidState
		}
		o.Clear()
	default:
		return ResultInvalidHandle
	}
	return ResultSuccess
}

func (k *Kernel) SvcCreateSemaphore(cur *Thread, initial, max int32) (Handle, Result) {
	s, res := k.NewSemaphore(fmt.Sprintf("semaphore-%d", k.nextObjectID+1), initial, max)
	if !res.IsSuccess() {
		return InvalidHandle, res
	}
	return cur.owner.handles.Create(s)
}

func (k *Kernel) SvcReleaseSemaphore(cur *Thread, h Handle, n int32) (int32, Result) {
	s, ok := getObject[*Semaphore](cur.owner.handles, h)
	if !ok {
		return 0, ResultInvalidHandle
	}
	return s.Release(n)
}

func (k *Kernel) SvcCloseHandle(cur *Thread, h Handle) Result {
	if h == CurrentThreadHandle || h == CurrentProcessHandle {
		return ResultSuccess
	}
	obj, ok := cur.owner.handles.Get(h)
	if ok {
		if tm, isTimer := obj.(*Timer); isTimer && tm.lastGuestRef() {
			tm.Close()
		}
	}
	return cur.owner.handles.Close(h)
}

// SvcWaitSynchronization reads count handles at handlesAddr and waits on
// them. blocked reports that the caller is now waiting and the outcome
// arrives through ResolveWakeup.
func (k *Kernel) SvcWaitSynchronization(cur *Thread, handlesAddr uint64, count int32, ns int64, waitAll bool) (res Result, index int, blocked bool) {
	if count < 0 || count > MaxWaitHandles {
		return ResultOutOfRange, -1, false
	}
	raw := make([]byte, 4*count)
	if err := cur.owner.mem.ReadBlock(handlesAddr, raw); err != nil {
		return ResultInvalidPointer, -1, false
	}

	objects := make([]WaitObject, 0, count)
	for i := range int(count) {
		h := Handle(binary.LittleEndian.Uint32(raw[4*i:]))
		var obj WaitObject
		var ok bool
		if h == CurrentThreadHandle {
			obj, ok = cur, true
		} else {
			obj, ok = getObject[WaitObject](cur.owner.handles, h)
		}
		if !ok {
			return ResultInvalidHandle, -1, false
		}
		objects = append(objects, obj)
	}

	w := cur.WaitSynchronization(objects, waitAll, nsToDuration(ns))
	if w.Reason == WakeupPending {
		return 0, -1, true
	}
	return w.Result, w.Index, false
}

// SvcCancelSynchronization aborts the synchronization wait of a thread.
func (k *Kernel) SvcCancelSynchronization(cur *Thread, h Handle) Result {
	t, ok := lookupThread(cur, h)
	if !ok {
		return ResultInvalidHandle
	}
	t.CancelWait()
	return ResultSuccess
}

func (k *Kernel) SvcArbitrateLock(cur *Thread, holding Handle, addr uint64, requesting Handle) (Result, error) {
	if requesting == CurrentThreadHandle {
		requesting = cur.guestHandle
	}
	return k.ArbitrateLock(cur, holding, addr, requesting)
}

func (k *Kernel) SvcWaitProcessWideKeyAtomic(cur *Thread, mutexAddr, cvAddr uint64, h Handle, ns int64) (Result, error) {
	if h == CurrentThreadHandle {
		h = cur.guestHandle
	}
	return k.WaitProcessWideKeyAtomic(cur, mutexAddr, cvAddr, h, nsToDuration(ns))
}

// IsFault reports whether err is a guest memory fault.
func IsFault(err error) bool {
	var f *memory.Fault
	return errors.As(err, &f)
}
