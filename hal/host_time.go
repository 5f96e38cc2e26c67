package hal

import "time"

const tickDuration = time.Millisecond

// hostTime turns wall-clock progress, sampled by the window or headless
// loop, into a stream of millisecond ticks.
type hostTime struct {
	ch  chan uint64
	seq uint64

	last    time.Time
	pending time.Duration
}

func newHostTime() *hostTime {
	return &hostTime{ch: make(chan uint64, 1024)}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

// sample emits one tick per whole millisecond since the previous sample.
// The first sample emits a single tick.
func (t *hostTime) sample(now time.Time) {
	if t.last.IsZero() {
		t.last = now
		t.emit(1)
		return
	}
	t.pending += now.Sub(t.last)
	t.last = now
	n := uint64(t.pending / tickDuration)
	t.pending %= tickDuration
	t.emit(n)
}

// emit drops ticks the consumer has not kept up with.
func (t *hostTime) emit(n uint64) {
	for range n {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
		}
	}
}
