package kernel

import (
	"testing"
	"time"
)

func TestWaitAnyReportsLastDuplicateIndex(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	e := f.k.NewEvent("E", ResetOneShot)
	g := f.k.NewEvent("F", ResetOneShot)

	w := th.WaitSynchronization([]WaitObject{e, e, g}, false, WaitForever)
	if w.Reason != WakeupPending {
		t.Fatalf("wait = %+v, want pending", w)
	}
	if th.Status() != StatusWaitSynchAny {
		t.Fatalf("status = %v, want %v", th.Status(), StatusWaitSynchAny)
	}
	if n := len(e.WaitingThreads()); n != 1 {
		t.Fatalf("E waiters = %d, want 1", n)
	}

	e.Signal()
	w, ok := th.PendingWakeup()
	if !ok || w.Reason != WakeupSignal || w.Index != 1 || w.Object != WaitObject(e) {
		t.Fatalf("wakeup = %+v, want signal from E at index 1", w)
	}
	if e.Signaled() {
		t.Fatalf("one-shot event still signaled after acquire")
	}
	if len(g.WaitingThreads()) != 0 || len(th.WaitObjects()) != 0 {
		t.Fatalf("wait registrations not cleared")
	}
}

func TestWaitAnyImmediate(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	e := f.k.NewEvent("E", ResetSticky)
	g := f.k.NewEvent("F", ResetSticky)
	g.Signal()

	w := th.WaitSynchronization([]WaitObject{e, g, g}, false, WaitForever)
	if w.Reason != WakeupSignal || w.Index != 2 {
		t.Fatalf("wait = %+v, want immediate signal index 2", w)
	}
	if th.Status() != StatusReady {
		t.Fatalf("status = %v, want ready", th.Status())
	}

	w = th.WaitSynchronization([]WaitObject{e}, false, 0)
	if w.Reason != WakeupTimeout || w.Result != ResultTimeout {
		t.Fatalf("poll = %+v, want timeout", w)
	}
}

func TestWaitAllWakesOnlyWhenAllAvailable(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	objs := []*Event{
		f.k.NewEvent("a", ResetOneShot),
		f.k.NewEvent("b", ResetOneShot),
		f.k.NewEvent("c", ResetOneShot),
	}
	list := []WaitObject{objs[0], objs[1], objs[2]}

	if w := th.WaitSynchronization(list, true, WaitForever); w.Reason != WakeupPending {
		t.Fatalf("wait = %+v, want pending", w)
	}
	objs[0].Signal()
	objs[1].Signal()
	if th.Status() != StatusWaitSynchAll {
		t.Fatalf("woke with 2 of 3 available: %v", th.Status())
	}
	if !objs[0].Signaled() || !objs[1].Signaled() {
		t.Fatalf("events acquired before the wait was satisfied")
	}

	objs[2].Signal()
	w, _ := th.PendingWakeup()
	if th.Status() != StatusReady || w.Reason != WakeupSignal || w.Index != -1 {
		t.Fatalf("status = %v wakeup = %+v, want ready with signal and no index", th.Status(), w)
	}
	for _, e := range objs {
		if e.Signaled() {
			t.Fatalf("%s not acquired", e.Name())
		}
	}
}

func TestWaitAllSemaphoreNeedsBoth(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	s1, _ := f.k.NewSemaphore("s1", 0, 1)
	s2, _ := f.k.NewSemaphore("s2", 1, 1)

	th.WaitSynchronization([]WaitObject{s1, s2}, true, WaitForever)
	if th.Status() != StatusWaitSynchAll {
		t.Fatalf("status = %v, want %v", th.Status(), StatusWaitSynchAll)
	}
	if s2.Count() != 1 {
		t.Fatalf("s2 count = %d, want 1", s2.Count())
	}
	if _, res := s1.Release(1); !res.IsSuccess() {
		t.Fatalf("Release = %v", res)
	}
	if th.Status() != StatusReady || s1.Count() != 0 || s2.Count() != 0 {
		t.Fatalf("status=%v s1=%d s2=%d, want ready 0 0", th.Status(), s1.Count(), s2.Count())
	}
}

func TestWaitAllDuplicateEventClaimsOnce(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	e := f.k.NewEvent("e", ResetOneShot)
	e.Signal()

	w := th.WaitSynchronization([]WaitObject{e, e}, true, WaitForever)
	if w.Reason != WakeupSignal || !w.Result.IsSuccess() {
		t.Fatalf("wait = %+v, want immediate success", w)
	}
	if e.Signaled() {
		t.Fatalf("one-shot event still signaled after acquire")
	}
}

func TestWaitAllDuplicateSemaphoreWakesOnRelease(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	s, _ := f.k.NewSemaphore("s", 0, 2)

	if w := th.WaitSynchronization([]WaitObject{s, s}, true, WaitForever); w.Reason != WakeupPending {
		t.Fatalf("wait = %+v, want pending", w)
	}
	if _, res := s.Release(1); !res.IsSuccess() {
		t.Fatalf("Release = %v", res)
	}
	if th.Status() != StatusReady || s.Count() != 0 {
		t.Fatalf("status=%v count=%d, want ready 0", th.Status(), s.Count())
	}
	if len(s.WaitingThreads()) != 0 || len(th.WaitObjects()) != 0 {
		t.Fatalf("wait registrations not cleared")
	}
}

func TestSignalWakesMostUrgentFirst(t *testing.T) {
	f := newFixture(t)
	low := f.thread(t, "low", 40, 0)
	high := f.thread(t, "high", 10, 0)
	tie := f.thread(t, "tie", 10, 0)
	s, _ := f.k.NewSemaphore("s", 0, 3)

	for _, th := range []*Thread{low, high, tie} {
		th.WaitSynchronization([]WaitObject{s}, false, WaitForever)
	}
	s.Release(1)
	if high.Status() != StatusReady || tie.Status() != StatusWaitSynchAny || low.Status() != StatusWaitSynchAny {
		t.Fatalf("states high=%v tie=%v low=%v", high.Status(), tie.Status(), low.Status())
	}
	s.Release(2)
	if tie.Status() != StatusReady || low.Status() != StatusReady {
		t.Fatalf("states tie=%v low=%v, want ready", tie.Status(), low.Status())
	}
}

func TestPulseEventReleasesCurrentWaitersOnly(t *testing.T) {
	f := newFixture(t)
	a := f.thread(t, "a", PriorityDefault, 0)
	b := f.thread(t, "b", PriorityDefault, 0)
	e := f.k.NewEvent("pulse", ResetPulse)

	a.WaitSynchronization([]WaitObject{e}, false, WaitForever)
	b.WaitSynchronization([]WaitObject{e}, false, WaitForever)
	e.Signal()
	if a.Status() != StatusReady || b.Status() != StatusReady {
		t.Fatalf("a=%v b=%v, want both ready", a.Status(), b.Status())
	}
	if e.Signaled() {
		t.Fatalf("pulse event still signaled")
	}
}

func TestWaitTimeout(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	e := f.k.NewEvent("E", ResetOneShot)

	th.WaitSynchronization([]WaitObject{e}, false, 5*time.Millisecond)
	f.q.Advance(5 * time.Millisecond)

	w, _ := th.PendingWakeup()
	if w.Reason != WakeupTimeout || w.Result != ResultTimeout || w.Index != -1 {
		t.Fatalf("wakeup = %+v, want timeout", w)
	}
	if th.Status() != StatusReady || len(e.WaitingThreads()) != 0 {
		t.Fatalf("status = %v waiters = %d", th.Status(), len(e.WaitingThreads()))
	}
}

func TestSignalBeatsTimer(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	e := f.k.NewEvent("E", ResetOneShot)

	th.WaitSynchronization([]WaitObject{e}, false, 10*time.Millisecond)
	id := th.timerID
	f.q.Advance(10*time.Millisecond - time.Nanosecond)
	e.Signal()

	if th.TimerActive() {
		t.Fatalf("timer still armed after signal")
	}
	if f.q.Pending() != 0 {
		t.Fatalf("timer queue pending = %d, want 0", f.q.Pending())
	}
	f.q.Advance(time.Millisecond)
	f.k.FireWakeup(id, uint64(th.callbackHandle))

	w, _ := th.PendingWakeup()
	if w.Reason != WakeupSignal || w.Result != ResultSuccess {
		t.Fatalf("wakeup = %+v, want signal", w)
	}
	if th.Status() != StatusReady {
		t.Fatalf("status = %v, want ready", th.Status())
	}
}

func TestStaleFireAfterRewait(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	e := f.k.NewEvent("E", ResetOneShot)

	th.WaitSynchronization([]WaitObject{e}, false, time.Millisecond)
	old := th.timerID
	e.Signal()
	th.WaitSynchronization([]WaitObject{e}, false, WaitForever)

	f.k.FireWakeup(old, uint64(th.callbackHandle))
	if th.Status() != StatusWaitSynchAny {
		t.Fatalf("stale fire woke thread: %v", th.Status())
	}
}

func TestCancelWait(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	e := f.k.NewEvent("E", ResetOneShot)

	if th.CancelWait() {
		t.Fatalf("CancelWait on ready thread = true")
	}
	th.WaitSynchronization([]WaitObject{e}, false, WaitForever)
	if !th.CancelWait() {
		t.Fatalf("CancelWait = false, want true")
	}
	w, _ := th.PendingWakeup()
	if w.Reason != WakeupCancelled || w.Result != ResultCancelled {
		t.Fatalf("wakeup = %+v, want cancelled", w)
	}
}

func TestKernelMutexObject(t *testing.T) {
	f := newFixture(t)
	a := f.thread(t, "a", PriorityDefault, 0)
	b := f.thread(t, "b", PriorityDefault, 0)
	m := f.k.NewMutex("m")

	if w := a.WaitSynchronization([]WaitObject{m}, false, WaitForever); w.Reason != WakeupSignal {
		t.Fatalf("a lock = %+v", w)
	}
	if w := a.WaitSynchronization([]WaitObject{m}, false, WaitForever); w.Reason != WakeupSignal {
		t.Fatalf("a relock = %+v", w)
	}
	b.WaitSynchronization([]WaitObject{m}, false, WaitForever)

	if res := m.Release(b); res != ResultInvalidState {
		t.Fatalf("Release by non-holder = %v", res)
	}
	m.Release(a)
	if m.Holder() != a || b.Status() != StatusWaitSynchAny {
		t.Fatalf("recursive release handed off early")
	}
	a.Stop()
	if m.Holder() != b || b.Status() != StatusReady {
		t.Fatalf("holder = %v b = %v after holder died", m.Holder(), b.Status())
	}
}

func TestTimerObject(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	tm := f.k.NewTimer("tick", ResetOneShot)
	tm.Set(2*time.Millisecond, 3*time.Millisecond)

	th.WaitSynchronization([]WaitObject{tm}, false, WaitForever)
	f.q.Advance(2 * time.Millisecond)
	if th.Status() != StatusReady {
		t.Fatalf("status = %v, want ready", th.Status())
	}
	if !tm.Armed() {
		t.Fatalf("periodic timer not re-armed")
	}

	th.WaitSynchronization([]WaitObject{tm}, false, WaitForever)
	f.q.Advance(3 * time.Millisecond)
	if th.Status() != StatusReady {
		t.Fatalf("second period: status = %v", th.Status())
	}
	tm.Close()
	if tm.Armed() || f.q.Pending() != 0 {
		t.Fatalf("timer still armed after Close")
	}
}
