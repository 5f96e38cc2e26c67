package kernel

import "testing"

func TestDispatchOrderPriorityThenFIFO(t *testing.T) {
	f := newFixture(t)
	b1 := f.thread(t, "b1", 30, 0)
	a := f.thread(t, "a", 10, 0)
	b2 := f.thread(t, "b2", 30, 0)

	ready := f.k.Scheduler(0).ReadyThreads()
	want := []*Thread{a, b1, b2}
	for i := range want {
		if ready[i] != want[i] {
			t.Fatalf("ready[%d] = %s, want %s", i, ready[i].Name(), want[i].Name())
		}
	}
	if got := f.k.Dispatch(0); got != a {
		t.Fatalf("Dispatch = %s, want a", got.Name())
	}
	if a.Status() != StatusRunning || f.k.CurrentThread(0) != a {
		t.Fatalf("a status = %v", a.Status())
	}
}

func TestRunningThreadKeepsCoreUntilPreempted(t *testing.T) {
	f := newFixture(t)
	a := f.thread(t, "a", 20, 0)
	f.k.Dispatch(0)

	b := f.thread(t, "b", 20, 0)
	if got := f.k.Dispatch(0); got != a {
		t.Fatalf("equal priority preempted running thread: %s", got.Name())
	}
	c := f.thread(t, "c", 10, 0)
	if got := f.k.Dispatch(0); got != c {
		t.Fatalf("Dispatch = %s, want c", got.Name())
	}
	ready := f.k.Scheduler(0).ReadyThreads()
	if len(ready) != 2 || ready[0] != a || ready[1] != b {
		t.Fatalf("preempted thread not at the front of its level: %v", ready)
	}
	if f.k.Scheduler(0).ContextSwitches() != 2 {
		t.Fatalf("switches = %d, want 2", f.k.Scheduler(0).ContextSwitches())
	}
}

func TestPriorityChangeReordersReadyQueue(t *testing.T) {
	f := newFixture(t)
	a := f.thread(t, "a", 20, 0)
	b := f.thread(t, "b", 30, 0)
	b.SetPriority(10)
	if ready := f.k.Scheduler(0).ReadyThreads(); ready[0] != b || ready[1] != a {
		t.Fatalf("ready = %v, want b before a", ready)
	}
	if !f.k.Scheduler(0).ReschedulePending() {
		t.Fatalf("priority change did not request a reschedule")
	}
}

func TestYieldRotatesEqualPriority(t *testing.T) {
	f := newFixture(t)
	a := f.thread(t, "a", 20, 0)
	b := f.thread(t, "b", 20, 0)
	f.k.Dispatch(0)

	f.k.SvcSleepThread(a, YieldWithoutLoadBalancing)
	if got := f.k.Dispatch(0); got != b {
		t.Fatalf("Dispatch after yield = %s, want b", got.Name())
	}
	f.k.SvcSleepThread(b, YieldWithoutLoadBalancing)
	if got := f.k.Dispatch(0); got != a {
		t.Fatalf("Dispatch after second yield = %s, want a", got.Name())
	}
}

func TestYieldWithLoadBalancingPullsSuggestedThread(t *testing.T) {
	f := newFixture(t)
	a := f.thread(t, "a", 20, 0)
	f.k.Dispatch(0)
	y := f.thread(t, "y", 5, 1)
	f.k.Dispatch(1)
	x := f.thread(t, "x", 10, 1)
	x.ChangeCore(1, 0b11)

	f.k.SvcSleepThread(a, YieldWithLoadBalancing)
	if x.ProcessorID() != 0 {
		t.Fatalf("x core = %d, want 0", x.ProcessorID())
	}
	if got := f.k.Dispatch(0); got != x {
		t.Fatalf("Dispatch(0) = %s, want x", got.Name())
	}
	if f.k.CurrentThread(1) != y {
		t.Fatalf("core 1 lost its running thread")
	}
}

func TestChangeCoreMovesReadyThread(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	th.ChangeCore(2, 0b1100)

	if th.ProcessorID() != 2 || th.Scheduler() != f.k.Scheduler(2) {
		t.Fatalf("core = %d, want 2", th.ProcessorID())
	}
	if th.Status() != StatusReady {
		t.Fatalf("status = %v, want ready", th.Status())
	}
	if len(f.k.Scheduler(0).ReadyThreads()) != 0 || len(f.k.Scheduler(2).ReadyThreads()) != 1 {
		t.Fatalf("ready queues not updated")
	}
	if len(f.k.Scheduler(0).Threads()) != 0 || len(f.k.Scheduler(2).Threads()) != 1 {
		t.Fatalf("thread lists not updated")
	}
}

func TestChangeCoreKeepsWaitRegistrations(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	e := f.k.NewEvent("E", ResetOneShot)
	th.WaitSynchronization([]WaitObject{e}, false, WaitForever)

	th.ChangeCore(IdealCoreDontCare, 0b10)
	if th.ProcessorID() != 1 {
		t.Fatalf("core = %d, want 1", th.ProcessorID())
	}
	if th.Status() != StatusWaitSynchAny || len(th.WaitObjects()) != 1 || len(e.WaitingThreads()) != 1 {
		t.Fatalf("wait state changed: %v objects=%d", th.Status(), len(th.WaitObjects()))
	}
	if len(f.k.Scheduler(1).ReadyThreads()) != 0 {
		t.Fatalf("waiting thread queued as ready")
	}

	e.Signal()
	if th.Status() != StatusReady || th.ProcessorID() != 1 {
		t.Fatalf("after signal: %v on core %d", th.Status(), th.ProcessorID())
	}
}

func TestChangeCoreKeepsAllowedCore(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	th.ChangeCore(3, 0b1001)
	if th.ProcessorID() != 0 || th.IdealCore() != 3 {
		t.Fatalf("core = %d ideal = %d, want 0 and 3", th.ProcessorID(), th.IdealCore())
	}
}

func TestChangeCoreOnDeadThreadStaysUnlisted(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	th.Stop()

	th.ChangeCore(1, 0b10)
	if th.Status() != StatusDead || th.ProcessorID() != 0 {
		t.Fatalf("status = %v core = %d, want dead on 0", th.Status(), th.ProcessorID())
	}
	if n := len(f.k.Threads()); n != 0 {
		t.Fatalf("live threads = %d, want 0", n)
	}
	if len(f.k.Scheduler(1).ReadyThreads()) != 0 {
		t.Fatalf("dead thread queued on core 1")
	}
}

func TestChangeCoreMigratesRunningThread(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "t", PriorityDefault, 0)
	f.k.Dispatch(0)

	th.ChangeCore(1, 0b10)
	if th.Status() != StatusRunning {
		t.Fatalf("status = %v, want running until the core reschedules", th.Status())
	}
	if got := f.k.Dispatch(0); got != nil {
		t.Fatalf("old core still runs %s", got.Name())
	}
	if got := f.k.Dispatch(1); got != th {
		t.Fatalf("Dispatch(1) = %v, want t", got)
	}
}

func TestReadyQueue(t *testing.T) {
	var q readyQueue
	a, b, c := &Thread{}, &Thread{}, &Thread{}
	q.pushBack(5, a)
	q.pushBack(5, b)
	q.pushFront(5, c)
	q.pushBack(63, &Thread{})

	if q.first() != c {
		t.Fatalf("first != c")
	}
	if q.firstBetter(5) != nil {
		t.Fatalf("firstBetter(5) should be nil")
	}
	if q.firstBetter(6) != c {
		t.Fatalf("firstBetter(6) != c")
	}
	q.move(c, 5, 1)
	if q.first() != c || q.len() != 4 {
		t.Fatalf("move failed")
	}
	q.remove(1, c)
	q.remove(5, a)
	q.remove(5, b)
	if q.len() != 1 || q.mask != 1<<63 {
		t.Fatalf("len = %d mask = %b", q.len(), q.mask)
	}
}
