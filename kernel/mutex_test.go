package kernel

import (
	"testing"
	"time"
)

const mutexAddr = testDataBase + 0x10

// lockHeld makes waiter block on the user mutex at addr owned by holder,
// the way the guest fast path does before calling ArbitrateLock.
func lockHeld(t *testing.T, f *fixture, holder, waiter *Thread, addr uint64) {
	t.Helper()
	word, err := f.mem.Read32(addr)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if word&MutexOwnerMask == 0 {
		word = uint32(holder.GuestHandle())
	}
	if err := f.mem.Write32(addr, word|MutexHasWaitersFlag); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	res, err := f.k.ArbitrateLock(waiter, holder.GuestHandle(), addr, waiter.GuestHandle())
	if err != nil || !res.IsSuccess() {
		t.Fatalf("ArbitrateLock = %v, %v", res, err)
	}
	if waiter.Status() != StatusWaitMutex || waiter.LockOwner() != holder {
		t.Fatalf("waiter status = %v owner = %v", waiter.Status(), waiter.LockOwner())
	}
}

func TestMutexHandOffRestoresPriority(t *testing.T) {
	f := newFixture(t)
	a := f.thread(t, "A", 10, 0)
	b := f.thread(t, "B", 2, 0)

	lockHeld(t, f, a, b, mutexAddr)
	if a.Priority() != 2 {
		t.Fatalf("A priority = %d, want 2", a.Priority())
	}
	checkInheritance(t, a, b)

	if res, err := f.k.ArbitrateUnlock(a, mutexAddr); err != nil || !res.IsSuccess() {
		t.Fatalf("ArbitrateUnlock = %v, %v", res, err)
	}
	if a.Priority() != 10 {
		t.Fatalf("A priority = %d, want 10", a.Priority())
	}
	if b.Status() != StatusReady || b.LockOwner() != nil {
		t.Fatalf("B status = %v owner = %v", b.Status(), b.LockOwner())
	}
	word, _ := f.mem.Read32(mutexAddr)
	if word != uint32(b.GuestHandle()) {
		t.Fatalf("mutex word = 0x%x, want 0x%x", word, uint32(b.GuestHandle()))
	}
}

func TestArbitrateLockReleasedMeanwhile(t *testing.T) {
	f := newFixture(t)
	a := f.thread(t, "A", 10, 0)
	b := f.thread(t, "B", 2, 0)
	f.mem.Write32(mutexAddr, 0)

	res, err := f.k.ArbitrateLock(b, a.GuestHandle(), mutexAddr, b.GuestHandle())
	if err != nil || !res.IsSuccess() {
		t.Fatalf("ArbitrateLock = %v, %v", res, err)
	}
	if b.Status() != StatusReady {
		t.Fatalf("B blocked on free mutex: %v", b.Status())
	}
	if res, _ := f.k.ArbitrateLock(b, a.GuestHandle(), mutexAddr+1, b.GuestHandle()); res != ResultInvalidAddress {
		t.Fatalf("misaligned ArbitrateLock = %v", res)
	}
}

func TestReleasePicksMostUrgentAndTransfersWaiters(t *testing.T) {
	f := newFixture(t)
	owner := f.thread(t, "owner", 30, 0)
	w1 := f.thread(t, "w1", 20, 0)
	w2 := f.thread(t, "w2", 5, 0)
	w3 := f.thread(t, "w3", 5, 0)

	for _, w := range []*Thread{w1, w2, w3} {
		lockHeld(t, f, owner, w, mutexAddr)
	}
	checkInheritance(t, owner)

	f.k.ArbitrateUnlock(owner, mutexAddr)
	if w2.Status() != StatusReady {
		t.Fatalf("w2 status = %v, want ready", w2.Status())
	}
	if w1.LockOwner() != w2 || w3.LockOwner() != w2 {
		t.Fatalf("remaining waiters not transferred: w1=%v w3=%v", w1.LockOwner(), w3.LockOwner())
	}
	word, _ := f.mem.Read32(mutexAddr)
	if word != uint32(w2.GuestHandle())|MutexHasWaitersFlag {
		t.Fatalf("mutex word = 0x%x, want owner w2 with waiters", word)
	}
	if owner.Priority() != 30 || w2.Priority() != 5 {
		t.Fatalf("owner=%d w2=%d, want 30 and 5", owner.Priority(), w2.Priority())
	}
	checkInheritance(t, owner, w2)
}

func TestInheritanceInvariantAcrossMutations(t *testing.T) {
	f := newFixture(t)
	a := f.thread(t, "A", 40, 0)
	b := f.thread(t, "B", 30, 0)
	c := f.thread(t, "C", 20, 0)
	d := f.thread(t, "D", 10, 0)
	all := []*Thread{a, b, c, d}

	a.AddMutexWaiter(b)
	checkInheritance(t, all...)
	b.AddMutexWaiter(c)
	checkInheritance(t, all...)
	if a.Priority() != 20 {
		t.Fatalf("A priority = %d, want 20 through the chain", a.Priority())
	}
	a.AddMutexWaiter(d)
	checkInheritance(t, all...)

	c.SetPriority(1)
	checkInheritance(t, all...)
	if a.Priority() != 1 || b.Priority() != 1 {
		t.Fatalf("A=%d B=%d, want 1 and 1", a.Priority(), b.Priority())
	}
	c.SetPriority(50)
	checkInheritance(t, all...)
	if a.Priority() != 10 || b.Priority() != 30 {
		t.Fatalf("A=%d B=%d, want 10 and 30", a.Priority(), b.Priority())
	}

	a.RemoveMutexWaiter(d)
	checkInheritance(t, all...)
	a.SetPriority(60)
	checkInheritance(t, all...)
	b.RemoveMutexWaiter(c)
	checkInheritance(t, all...)
	if a.Priority() != 30 {
		t.Fatalf("A priority = %d, want 30", a.Priority())
	}
}

func TestBoostPriorityIsOverwritten(t *testing.T) {
	f := newFixture(t)
	a := f.thread(t, "A", 40, 0)
	b := f.thread(t, "B", 20, 0)

	a.BoostPriority(5)
	if a.Priority() != 5 || a.NominalPriority() != 40 {
		t.Fatalf("after boost: %d/%d", a.Priority(), a.NominalPriority())
	}
	a.AddMutexWaiter(b)
	if a.Priority() != 20 {
		t.Fatalf("priority = %d, want 20 after recomputation", a.Priority())
	}
}

func TestStopHolderPromotesNextWaiter(t *testing.T) {
	f := newFixture(t)
	holder := f.thread(t, "holder", 30, 0)
	slow := f.thread(t, "slow", 20, 0)
	fast := f.thread(t, "fast", 3, 0)
	e := f.k.NewEvent("E", ResetOneShot)

	lockHeld(t, f, holder, slow, mutexAddr)
	lockHeld(t, f, holder, fast, mutexAddr)
	holder.WaitSynchronization([]WaitObject{e}, false, WaitForever)

	holder.Stop()

	if holder.Status() != StatusDead {
		t.Fatalf("holder status = %v", holder.Status())
	}
	if len(e.WaitingThreads()) != 0 || len(holder.WaitObjects()) != 0 {
		t.Fatalf("stopped thread still registered on E")
	}
	if fast.Status() != StatusReady || fast.LockOwner() != nil {
		t.Fatalf("fast status = %v owner = %v", fast.Status(), fast.LockOwner())
	}
	if slow.LockOwner() != fast || slow.Status() != StatusWaitMutex {
		t.Fatalf("slow owner = %v status = %v", slow.LockOwner(), slow.Status())
	}
	word, _ := f.mem.Read32(mutexAddr)
	if word != uint32(fast.GuestHandle())|MutexHasWaitersFlag {
		t.Fatalf("mutex word = 0x%x", word)
	}
	checkInheritance(t, fast, slow)
}

func TestArbitrateLockRejectsDeadlock(t *testing.T) {
	f := newFixture(t)
	a := f.thread(t, "A", 10, 0)
	b := f.thread(t, "B", 10, 0)
	other := mutexAddr + 8

	lockHeld(t, f, a, b, mutexAddr)
	f.mem.Write32(other, uint32(b.GuestHandle())|MutexHasWaitersFlag)
	res, err := f.k.ArbitrateLock(a, b.GuestHandle(), other, a.GuestHandle())
	if err != nil || res != ResultInvalidState {
		t.Fatalf("ArbitrateLock = %v, %v, want %v", res, err, ResultInvalidState)
	}
	if a.LockOwner() != nil {
		t.Fatalf("cycle linked")
	}
}

func TestCondVarSignalTakesFreeMutex(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "waiter", 20, 0)
	cv := testDataBase + 0x40
	f.mem.Write32(mutexAddr, uint32(th.GuestHandle()))

	res, err := f.k.WaitProcessWideKeyAtomic(th, mutexAddr, cv, th.GuestHandle(), WaitForever)
	if err != nil || !res.IsSuccess() {
		t.Fatalf("WaitProcessWideKeyAtomic = %v, %v", res, err)
	}
	if word, _ := f.mem.Read32(mutexAddr); word != 0 {
		t.Fatalf("mutex word = 0x%x, want released", word)
	}
	if th.CondVarWaitAddress() != cv || th.Status() != StatusWaitMutex {
		t.Fatalf("condvar wait not recorded")
	}

	signaler := f.thread(t, "signaler", 20, 0)
	if err := f.k.SignalProcessWideKey(signaler, cv, 1); err != nil {
		t.Fatalf("SignalProcessWideKey: %v", err)
	}
	if th.Status() != StatusReady {
		t.Fatalf("status = %v, want ready", th.Status())
	}
	if word, _ := f.mem.Read32(mutexAddr); word != uint32(th.GuestHandle()) {
		t.Fatalf("mutex word = 0x%x, want waiter handle", word)
	}
}

func TestCondVarSignalQueuesOnHeldMutex(t *testing.T) {
	f := newFixture(t)
	waiter := f.thread(t, "waiter", 5, 0)
	owner := f.thread(t, "owner", 40, 0)
	cv := testDataBase + 0x40

	f.mem.Write32(mutexAddr, uint32(waiter.GuestHandle()))
	f.k.WaitProcessWideKeyAtomic(waiter, mutexAddr, cv, waiter.GuestHandle(), 50*time.Millisecond)
	f.mem.Write32(mutexAddr, uint32(owner.GuestHandle()))

	f.k.SignalProcessWideKey(owner, cv, -1)
	if waiter.LockOwner() != owner || waiter.Status() != StatusWaitMutex {
		t.Fatalf("waiter owner = %v status = %v", waiter.LockOwner(), waiter.Status())
	}
	if waiter.CondVarWaitAddress() != 0 || waiter.TimerActive() {
		t.Fatalf("condvar state not cleared on move to mutex")
	}
	if owner.Priority() != 5 {
		t.Fatalf("owner priority = %d, want 5", owner.Priority())
	}
	if word, _ := f.mem.Read32(mutexAddr); word != uint32(owner.GuestHandle())|MutexHasWaitersFlag {
		t.Fatalf("mutex word = 0x%x", word)
	}

	f.k.ArbitrateUnlock(owner, mutexAddr)
	if waiter.Status() != StatusReady || owner.Priority() != 40 {
		t.Fatalf("waiter = %v owner prio = %d", waiter.Status(), owner.Priority())
	}
}

func TestCondVarTimeout(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "waiter", 20, 0)
	cv := testDataBase + 0x40
	f.mem.Write32(mutexAddr, uint32(th.GuestHandle()))

	f.k.WaitProcessWideKeyAtomic(th, mutexAddr, cv, th.GuestHandle(), 3*time.Millisecond)
	f.q.Advance(3 * time.Millisecond)
	w, _ := th.PendingWakeup()
	if th.Status() != StatusReady || w.Result != ResultTimeout {
		t.Fatalf("status = %v wakeup = %+v", th.Status(), w)
	}
	if th.CondVarWaitAddress() != 0 || th.MutexWaitAddress() != 0 {
		t.Fatalf("wait addresses not cleared")
	}
}

func TestCondVarSignalOrder(t *testing.T) {
	f := newFixture(t)
	cv := testDataBase + 0x40
	low := f.thread(t, "low", 40, 0)
	first := f.thread(t, "first", 10, 0)
	second := f.thread(t, "second", 10, 0)

	for i, th := range []*Thread{low, first, second} {
		m := mutexAddr + uint64(0x100+i*4)
		f.mem.Write32(m, uint32(th.GuestHandle()))
		f.k.WaitProcessWideKeyAtomic(th, m, cv, th.GuestHandle(), WaitForever)
	}
	got := condvarWaiters(f.p, cv)
	if len(got) != 3 || got[0] != first || got[1] != second || got[2] != low {
		t.Fatalf("order = %v", got)
	}
	f.k.SignalProcessWideKey(low, cv, 1)
	if first.Status() != StatusReady || second.Status() != StatusWaitMutex {
		t.Fatalf("first = %v second = %v", first.Status(), second.Status())
	}
}
