package kernel

import "slices"

// WaitObject is a kernel object a thread can block on.
//
// ShouldWait is a pure predicate; Acquire claims the object for the thread
// and is only called right after ShouldWait returned false for it in the
// same resolution pass. All methods run under the kernel lock.
type WaitObject interface {
	Object
	ShouldWait(t *Thread) bool
	Acquire(t *Thread)
	waiters() *waitQueue
}

// waitQueue holds the threads registered on a wait object, in registration order.
type waitQueue struct {
	threads []*Thread
}

func (q *waitQueue) waiters() *waitQueue { return q }

// WaitingThreads returns a copy of the registered threads in FIFO order.
func (q *waitQueue) WaitingThreads() []*Thread {
	out := make([]*Thread, len(q.threads))
	copy(out, q.threads)
	return out
}

// add registers t once; a thread listing the same object twice is only
// queued a single time.
func (q *waitQueue) add(t *Thread) {
	for _, w := range q.threads {
		if w == t {
			return
		}
	}
	q.threads = append(q.threads, t)
}

func (q *waitQueue) remove(t *Thread) {
	for i, w := range q.threads {
		if w == t {
			q.threads = append(q.threads[:i], q.threads[i+1:]...)
			return
		}
	}
}

// highestPriorityReadyThread scans the waiters of obj in registration order
// and returns the most urgent one that can be woken now. Among equal
// priorities the earliest registered thread wins.
func highestPriorityReadyThread(obj WaitObject) *Thread {
	var candidate *Thread
	candidatePriority := uint32(PriorityLowest + 1)

	for _, t := range obj.waiters().threads {
		switch t.status {
		case StatusWaitSynchAny, StatusWaitSynchAll, StatusWaitHLEEvent:
		default:
			t.k.fatalf(t, "thread %q on wait list of %q with status %s", t.name, obj.Name(), t.status)
		}
		if t.currentPriority >= candidatePriority {
			continue
		}
		if obj.ShouldWait(t) {
			continue
		}
		if t.status == StatusWaitSynchAll {
			ready := true
			for _, o := range t.waitObjects {
				if o.ShouldWait(t) {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
		}
		candidate = t
		candidatePriority = t.currentPriority
	}
	return candidate
}

// wakeupAllWaitingThreads hands obj to every waiter that can now proceed,
// one thread at a time, re-evaluating after each claim.
func wakeupAllWaitingThreads(obj WaitObject) {
	for {
		t := highestPriorityReadyThread(obj)
		if t == nil {
			return
		}

		if t.status == StatusWaitSynchAll {
			for _, o := range distinctObjects(t.waitObjects) {
				o.Acquire(t)
			}
		} else {
			obj.Acquire(t)
		}

		index := t.WaitObjectIndex(obj)
		t.detachWaitObjects()
		t.CancelWakeupTimer()
		t.recordWakeup(WakeupSignal, obj, index)
		t.ResumeFromWait()
	}
}

// distinctObjects returns objects without repeats, in first-occurrence
// order. A WaitAll listing an object twice claims it once.
func distinctObjects(objects []WaitObject) []WaitObject {
	out := make([]WaitObject, 0, len(objects))
	for _, o := range objects {
		if !slices.Contains(out, o) {
			out = append(out, o)
		}
	}
	return out
}
