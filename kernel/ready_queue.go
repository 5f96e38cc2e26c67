package kernel

import "math/bits"

// readyQueue is a multilevel FIFO indexed by priority. The bitmask tracks
// non-empty levels so the most urgent one is found with a single scan.
type readyQueue struct {
	levels [PriorityLowest + 1][]*Thread
	mask   uint64
}

func (q *readyQueue) pushBack(prio uint32, t *Thread) {
	q.levels[prio] = append(q.levels[prio], t)
	q.mask |= 1 << prio
}

func (q *readyQueue) pushFront(prio uint32, t *Thread) {
	l := append(q.levels[prio], nil)
	copy(l[1:], l)
	l[0] = t
	q.levels[prio] = l
	q.mask |= 1 << prio
}

func (q *readyQueue) remove(prio uint32, t *Thread) bool {
	l := q.levels[prio]
	for i, x := range l {
		if x != t {
			continue
		}
		copy(l[i:], l[i+1:])
		l[len(l)-1] = nil
		q.levels[prio] = l[:len(l)-1]
		if len(q.levels[prio]) == 0 {
			q.mask &^= 1 << prio
		}
		return true
	}
	return false
}

func (q *readyQueue) move(t *Thread, from, to uint32) {
	if q.remove(from, t) {
		q.pushBack(to, t)
	}
}

// first returns the head of the most urgent non-empty level.
func (q *readyQueue) first() *Thread {
	if q.mask == 0 {
		return nil
	}
	return q.levels[bits.TrailingZeros64(q.mask)][0]
}

// firstBetter returns the head of the most urgent level strictly more
// urgent than prio.
func (q *readyQueue) firstBetter(prio uint32) *Thread {
	if q.mask == 0 {
		return nil
	}
	level := uint32(bits.TrailingZeros64(q.mask))
	if level >= prio {
		return nil
	}
	return q.levels[level][0]
}

// each visits the queue in dispatch order until fn returns false.
func (q *readyQueue) each(fn func(*Thread) bool) {
	for m := q.mask; m != 0; m &= m - 1 {
		for _, t := range q.levels[bits.TrailingZeros64(m)] {
			if !fn(t) {
				return
			}
		}
	}
}

func (q *readyQueue) len() int {
	n := 0
	for m := q.mask; m != 0; m &= m - 1 {
		n += len(q.levels[bits.TrailingZeros64(m)])
	}
	return n
}
