// Package timing is the virtual-time event queue that drives wakeups.
//
// Time only moves when the driving loop calls Advance or AdvanceToNext, so
// runs are reproducible.
package timing

import (
	"container/heap"
	"sync"
	"time"
)

// Handler is called for every event that becomes due, in deadline order.
type Handler func(id, token uint64)

type event struct {
	id    uint64
	token uint64
	due   time.Duration
	index int
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].id < h[j].id
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	e := x.(*event)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is a deterministic one-shot timer queue on a virtual clock.
type Queue struct {
	mu      sync.Mutex
	now     time.Duration
	nextID  uint64
	events  eventHeap
	byID    map[uint64]*event
	handler Handler
	fired   uint64
}

// New returns an empty queue at time zero.
func New() *Queue {
	return &Queue{byID: make(map[uint64]*event)}
}

// SetHandler installs the callback for due events.
func (q *Queue) SetHandler(h Handler) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
}

// Schedule arms an event delay from now and returns its id. Ids start at 1.
func (q *Queue) Schedule(delay time.Duration, token uint64) uint64 {
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	e := &event{id: q.nextID, token: token, due: q.now + delay}
	heap.Push(&q.events, e)
	q.byID[e.id] = e
	return e.id
}

// Cancel removes a pending event. Unknown or fired ids are ignored.
func (q *Queue) Cancel(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return
	}
	heap.Remove(&q.events, e.index)
	delete(q.byID, id)
}

// Now returns the virtual time.
func (q *Queue) Now() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.now
}

// Pending returns the number of armed events.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Fired counts delivered events.
func (q *Queue) Fired() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fired
}

// NextDeadline returns the due time of the earliest event.
func (q *Queue) NextDeadline() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return 0, false
	}
	return q.events[0].due, true
}

// Advance moves the clock forward by d and fires every event that falls
// due, in order. The handler runs without the queue lock held, so it may
// schedule or cancel events; events it schedules within the window fire in
// the same call. It returns the number of events fired.
func (q *Queue) Advance(d time.Duration) int {
	if d < 0 {
		d = 0
	}
	q.mu.Lock()
	target := q.now + d
	q.mu.Unlock()
	return q.runUntil(target)
}

// AdvanceToNext jumps the clock to the earliest pending event and fires
// everything due at that instant. It reports false if nothing is pending.
func (q *Queue) AdvanceToNext() bool {
	due, ok := q.NextDeadline()
	if !ok {
		return false
	}
	q.runUntil(due)
	return true
}

func (q *Queue) runUntil(target time.Duration) int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.events) == 0 || q.events[0].due > target {
			if target > q.now {
				q.now = target
			}
			q.mu.Unlock()
			return n
		}
		e := heap.Pop(&q.events).(*event)
		delete(q.byID, e.id)
		if e.due > q.now {
			q.now = e.due
		}
		q.fired++
		h := q.handler
		q.mu.Unlock()

		n++
		if h != nil {
			h(e.id, e.token)
		}
	}
}
