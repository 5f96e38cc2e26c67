package kernel

import "time"

// Scheduler owns the ready queue of one emulated core and decides which
// thread that core runs next.
type Scheduler struct {
	k    *Kernel
	core int32

	threads []*Thread
	ready   readyQueue
	current *Thread

	reschedulePending bool
	lastSwitch        time.Duration
	switches          uint64
}

func newScheduler(k *Kernel, core int32) *Scheduler {
	return &Scheduler{k: k, core: core}
}

// Core returns the index of the core this scheduler drives.
func (s *Scheduler) Core() int32 { return s.core }

// CurrentThread returns the thread last dispatched on this core, or nil.
func (s *Scheduler) CurrentThread() *Thread { return s.current }

func (s *Scheduler) HaveReadyThreads() bool { return s.ready.mask != 0 }

// Idle reports whether the core has no running thread.
func (s *Scheduler) Idle() bool {
	return s.current == nil || s.current.status != StatusRunning
}

// LastContextSwitch is the virtual time of the last thread change.
func (s *Scheduler) LastContextSwitch() time.Duration { return s.lastSwitch }

// ContextSwitches counts thread changes on this core.
func (s *Scheduler) ContextSwitches() uint64 { return s.switches }

// Threads returns every live thread assigned to this core.
func (s *Scheduler) Threads() []*Thread {
	out := make([]*Thread, len(s.threads))
	copy(out, s.threads)
	return out
}

// ReadyThreads returns the ready queue in dispatch order.
func (s *Scheduler) ReadyThreads() []*Thread {
	out := make([]*Thread, 0, s.ready.len())
	s.ready.each(func(t *Thread) bool {
		out = append(out, t)
		return true
	})
	return out
}

// RequestReschedule marks the core so the driving loop reschedules it at
// its next dispatch point.
func (s *Scheduler) RequestReschedule() { s.reschedulePending = true }

func (s *Scheduler) ReschedulePending() bool { return s.reschedulePending }

// Reschedule switches to the most urgent ready thread. A running thread
// keeps the core unless a strictly more urgent one is ready.
func (s *Scheduler) Reschedule() {
	s.reschedulePending = false
	s.switchContext(s.popNextReady())
}

func (s *Scheduler) popNextReady() *Thread {
	cur := s.current
	if cur != nil && cur.status == StatusRunning && cur.scheduler == s {
		if next := s.ready.firstBetter(cur.currentPriority); next != nil {
			return next
		}
		return cur
	}
	return s.ready.first()
}

func (s *Scheduler) switchContext(next *Thread) {
	prev := s.current
	if next != nil && next == prev && prev.status == StatusRunning {
		return
	}

	if prev != nil {
		prev.lastRunningTicks = s.k.now()
		if prev.status == StatusRunning {
			// A thread migrated while running lands on its new core.
			prev.scheduler.ready.pushFront(prev.currentPriority, prev)
			prev.status = StatusReady
			if prev.scheduler != s {
				prev.scheduler.RequestReschedule()
			}
		}
	}

	if next == nil {
		s.current = nil
		return
	}
	if next.status != StatusReady {
		s.k.fatalf(next, "dispatch of thread in state %s", next.status)
	}
	s.ready.remove(next.currentPriority, next)
	next.status = StatusRunning
	s.current = next
	if next != prev {
		s.switches++
		s.lastSwitch = s.k.now()
		next.Context.TPIDR = next.tlsAddress
	}
}

func (s *Scheduler) addThread(t *Thread) {
	s.threads = append(s.threads, t)
	t.acquireRef()
}

func (s *Scheduler) removeThread(t *Thread) {
	for i, x := range s.threads {
		if x == t {
			s.threads = append(s.threads[:i], s.threads[i+1:]...)
			t.releaseRef()
			return
		}
	}
}

func (s *Scheduler) schedule(t *Thread) {
	s.ready.pushBack(t.currentPriority, t)
	s.RequestReschedule()
}

func (s *Scheduler) unschedule(t *Thread) {
	s.ready.remove(t.currentPriority, t)
}

// setThreadPriority repositions t before its priority changes to prio.
func (s *Scheduler) setThreadPriority(t *Thread, prio uint32) {
	if t.status == StatusReady {
		s.ready.move(t, t.currentPriority, prio)
	}
	s.RequestReschedule()
}

// yieldWithoutLoadBalancing sends the running thread to the back of its
// priority level.
func (s *Scheduler) yieldWithoutLoadBalancing(t *Thread) {
	if t.status != StatusRunning {
		s.k.fatalf(t, "yield from state %s", t.status)
	}
	t.status = StatusReady
	s.ready.pushBack(t.currentPriority, t)
	s.RequestReschedule()
}

// yieldWithLoadBalancing yields and pulls the most urgent thread other
// cores would give up to this one.
func (s *Scheduler) yieldWithLoadBalancing(t *Thread) {
	prio := t.currentPriority
	s.yieldWithoutLoadBalancing(t)

	var suggested *Thread
	for _, other := range s.k.schedulers {
		if other == s {
			continue
		}
		c := other.nextSuggestedThread(s.core, prio)
		if c != nil && (suggested == nil || c.currentPriority < suggested.currentPriority) {
			suggested = c
		}
	}
	if suggested != nil {
		suggested.migrate(s.core)
	}
}

// nextSuggestedThread returns the first ready thread more urgent than
// maxPrio that is allowed to run on core.
func (s *Scheduler) nextSuggestedThread(core int32, maxPrio uint32) *Thread {
	var found *Thread
	s.ready.each(func(t *Thread) bool {
		if t.currentPriority >= maxPrio {
			return false
		}
		if t.affinityMask&(1<<uint(core)) != 0 {
			found = t
			return false
		}
		return true
	})
	return found
}
