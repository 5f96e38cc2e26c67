package kernel

import (
	"cmp"
	"slices"
	"time"
)

// Guest mutex word layout: the owner's handle, plus a flag telling the
// owner it must call ArbitrateUnlock because other threads wait.
const (
	MutexHasWaitersFlag uint32 = 0x40000000
	MutexOwnerMask      uint32 = ^MutexHasWaitersFlag
)

// ArbitrateLock blocks cur on the user mutex at addr, held by the thread
// behind holding. If the word no longer names holding with the waiters flag
// the lock was released in the meantime and cur returns at once so it can
// retry in user mode.
func (k *Kernel) ArbitrateLock(cur *Thread, holding Handle, addr uint64, requesting Handle) (Result, error) {
	if addr%4 != 0 {
		return ResultInvalidAddress, nil
	}
	p := cur.owner
	if req, ok := getObject[*Thread](p.handles, requesting); !ok || req != cur {
		return ResultInvalidHandle, nil
	}

	word, err := p.mem.Read32(addr)
	if err != nil {
		return 0, err
	}
	if word != uint32(holding)|MutexHasWaitersFlag {
		return ResultSuccess, nil
	}

	holder, ok := getObject[*Thread](p.handles, holding)
	if !ok || holder == cur || holder.status == StatusDead {
		return ResultInvalidHandle, nil
	}
	if k.lockChainReaches(holder, cur) {
		k.logf("kernel: thread %d would deadlock on mutex 0x%x held by %d", cur.id, addr, holder.id)
		return ResultInvalidState, nil
	}

	cur.beginWait(StatusWaitMutex, waitKindMutex)
	cur.mutexWaitAddress = addr
	cur.waitHandle = cur.guestHandle
	holder.AddMutexWaiter(cur)
	return ResultSuccess, nil
}

// ArbitrateUnlock releases the user mutex at addr held by cur.
func (k *Kernel) ArbitrateUnlock(cur *Thread, addr uint64) (Result, error) {
	if addr%4 != 0 {
		return ResultInvalidAddress, nil
	}
	if _, err := k.releaseMutex(cur, addr); err != nil {
		return 0, err
	}
	return ResultSuccess, nil
}

// highestPriorityMutexWaiter returns the most urgent thread waiting on the
// mutex at addr held by owner (earliest arrival among equals) and how many
// threads wait on it in total.
func highestPriorityMutexWaiter(owner *Thread, addr uint64) (*Thread, int) {
	var best *Thread
	n := 0
	for _, w := range owner.waitMutexThreads {
		if w.mutexWaitAddress != addr {
			continue
		}
		n++
		if best == nil || w.currentPriority < best.currentPriority {
			best = w
		}
	}
	return best, n
}

// releaseMutex gives the mutex at addr to the most urgent waiter of owner
// and returns it, or clears the word when nobody waits. The mutex word is
// written before any kernel state changes, so a fault leaves everything as
// it was.
func (k *Kernel) releaseMutex(owner *Thread, addr uint64) (*Thread, error) {
	mem := owner.owner.mem
	next, n := highestPriorityMutexWaiter(owner, addr)
	if next == nil {
		return nil, mem.Write32(addr, 0)
	}

	word := uint32(next.waitHandle)
	if n >= 2 {
		word |= MutexHasWaitersFlag
	}
	if err := mem.Write32(addr, word); err != nil {
		return nil, err
	}
	k.transferMutex(owner, next, addr)
	return next, nil
}

// handOffMutex transfers ownership without touching guest memory.
func (k *Kernel) handOffMutex(owner *Thread, addr uint64) *Thread {
	next, _ := highestPriorityMutexWaiter(owner, addr)
	if next != nil {
		k.transferMutex(owner, next, addr)
	}
	return next
}

// transferMutex moves every waiter of addr from owner to next and wakes next.
func (k *Kernel) transferMutex(owner, next *Thread, addr uint64) {
	owner.RemoveMutexWaiter(next)
	for _, w := range owner.MutexWaiters() {
		if w.mutexWaitAddress != addr {
			continue
		}
		owner.RemoveMutexWaiter(w)
		next.AddMutexWaiter(w)
	}
	next.UpdatePriority()

	if next.status != StatusWaitMutex {
		k.fatalf(next, "mutex handed to thread in state %s", next.status)
	}
	next.recordWakeup(WakeupSignal, nil, -1)
	next.ResumeFromWait()
}

// WaitProcessWideKeyAtomic releases the mutex at mutexAddr and waits on the
// condition variable at cvAddr. When signaled the thread reacquires the
// mutex before it resumes.
func (k *Kernel) WaitProcessWideKeyAtomic(cur *Thread, mutexAddr, cvAddr uint64, threadHandle Handle, timeout time.Duration) (Result, error) {
	if mutexAddr%4 != 0 {
		return ResultInvalidAddress, nil
	}
	if t, ok := getObject[*Thread](cur.owner.handles, threadHandle); !ok || t != cur {
		return ResultInvalidHandle, nil
	}
	if _, err := k.releaseMutex(cur, mutexAddr); err != nil {
		return 0, err
	}

	cur.beginWait(StatusWaitMutex, waitKindMutex)
	cur.condvarWaitAddress = cvAddr
	cur.mutexWaitAddress = mutexAddr
	cur.waitHandle = cur.guestHandle
	cur.WakeAfterDelay(timeout)
	return ResultSuccess, nil
}

// condvarWaiters lists the threads of p waiting on cvAddr, most urgent
// first and in arrival order among equals.
func condvarWaiters(p *Process, cvAddr uint64) []*Thread {
	var out []*Thread
	for _, t := range p.Threads() {
		if t.status == StatusWaitMutex && t.condvarWaitAddress == cvAddr {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, byPriorityThenArrival)
	return out
}

// SignalProcessWideKey wakes up to target waiters of cvAddr; a target of
// zero or less wakes all of them. Each one either takes its mutex directly
// or starts waiting on the current owner.
func (k *Kernel) SignalProcessWideKey(cur *Thread, cvAddr uint64, target int32) error {
	waiters := condvarWaiters(cur.owner, cvAddr)
	if target > 0 && int(target) < len(waiters) {
		waiters = waiters[:target]
	}
	for _, t := range waiters {
		if err := k.signalCondvarWaiter(t); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) signalCondvarWaiter(t *Thread) error {
	p := t.owner
	addr := t.mutexWaitAddress
	word, err := p.mem.Read32(addr)
	if err != nil {
		return err
	}

	if word == 0 {
		if err := p.mem.Write32(addr, uint32(t.waitHandle)); err != nil {
			return err
		}
		t.recordWakeup(WakeupSignal, nil, -1)
		t.ResumeFromWait()
		return nil
	}

	if err := p.mem.Write32(addr, word|MutexHasWaitersFlag); err != nil {
		return err
	}
	owner, ok := getObject[*Thread](p.handles, Handle(word&MutexOwnerMask))
	if !ok || owner == t || owner.status == StatusDead {
		k.logf("kernel: condvar waiter %d: mutex 0x%x owner 0x%08x is gone", t.id, addr, word&MutexOwnerMask)
		t.recordWakeup(WakeupSignal, nil, -1)
		t.wakeup.Result = ResultInvalidHandle
		t.ResumeFromWait()
		return nil
	}
	if k.lockChainReaches(owner, t) {
		k.logf("kernel: condvar waiter %d would deadlock on mutex 0x%x", t.id, addr)
		t.recordWakeup(WakeupSignal, nil, -1)
		t.wakeup.Result = ResultInvalidState
		t.ResumeFromWait()
		return nil
	}

	// The condvar part of the wait is over; the timeout no longer applies.
	t.CancelWakeupTimer()
	t.condvarWaitAddress = 0
	owner.AddMutexWaiter(t)
	return nil
}

func byPriorityThenArrival(a, b *Thread) int {
	if c := cmp.Compare(a.currentPriority, b.currentPriority); c != 0 {
		return c
	}
	return cmp.Compare(a.waitSeq, b.waitSeq)
}
