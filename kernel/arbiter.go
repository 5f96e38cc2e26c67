package kernel

import (
	"slices"
	"time"
)

// ArbitrationType selects the WaitForAddress condition.
type ArbitrationType uint32

const (
	ArbitrationWaitIfLessThan ArbitrationType = iota
	ArbitrationDecrementAndWaitIfLessThan
	ArbitrationWaitIfEqual
)

// SignalType selects the SignalToAddress update.
type SignalType uint32

const (
	SignalTypeSignal SignalType = iota
	SignalTypeIncrementIfEqual
	SignalTypeModifyByWaitingCountIfEqual
)

// WaitForAddress blocks cur on addr when the arbitration condition holds.
// A zero timeout checks the condition and reports ResultTimeout without
// blocking.
func (k *Kernel) WaitForAddress(cur *Thread, addr uint64, typ ArbitrationType, value int32, timeout time.Duration) Result {
	if addr%4 != 0 {
		return ResultInvalidAddress
	}
	mem := cur.owner.mem
	raw, err := mem.Read32(addr)
	if err != nil {
		return ResultInvalidMemoryState
	}
	cur32 := int32(raw)

	switch typ {
	case ArbitrationWaitIfLessThan, ArbitrationDecrementAndWaitIfLessThan:
		if cur32 >= value {
			return ResultInvalidState
		}
		if typ == ArbitrationDecrementAndWaitIfLessThan {
			if err := mem.Write32(addr, uint32(cur32-1)); err != nil {
				return ResultInvalidMemoryState
			}
		}
	case ArbitrationWaitIfEqual:
		if cur32 != value {
			return ResultInvalidState
		}
	default:
		return ResultInvalidEnumValue
	}

	if timeout == 0 {
		return ResultTimeout
	}
	cur.beginWait(StatusWaitArb, waitKindArbiter)
	cur.arbWaitAddress = addr
	cur.WakeAfterDelay(timeout)
	return ResultTimeout
}

// SignalToAddress updates the word at addr as typ asks and wakes up to
// count waiters; count <= 0 wakes all of them.
func (k *Kernel) SignalToAddress(cur *Thread, addr uint64, typ SignalType, value, count int32) Result {
	if addr%4 != 0 {
		return ResultInvalidAddress
	}
	waiters := arbiterWaiters(cur.owner, addr)

	switch typ {
	case SignalTypeSignal:
	case SignalTypeIncrementIfEqual:
		if res := compareAndWrite(cur.owner, addr, value, value+1); !res.IsSuccess() {
			return res
		}
	case SignalTypeModifyByWaitingCountIfEqual:
		updated := value
		switch {
		case len(waiters) == 0:
			updated = value - 1
		case count <= 0 || len(waiters) <= int(count):
			updated = value + 1
		}
		if res := compareAndWrite(cur.owner, addr, value, updated); !res.IsSuccess() {
			return res
		}
	default:
		return ResultInvalidEnumValue
	}

	if count > 0 && int(count) < len(waiters) {
		waiters = waiters[:count]
	}
	for _, t := range waiters {
		t.recordWakeup(WakeupSignal, nil, -1)
		t.ResumeFromWait()
	}
	return ResultSuccess
}

func compareAndWrite(p *Process, addr uint64, expect, v int32) Result {
	raw, err := p.mem.Read32(addr)
	if err != nil {
		return ResultInvalidMemoryState
	}
	if int32(raw) != expect {
		return ResultInvalidState
	}
	if err := p.mem.Write32(addr, uint32(v)); err != nil {
		return ResultInvalidMemoryState
	}
	return ResultSuccess
}

// arbiterWaiters lists the threads of p blocked on addr, most urgent first
// and in arrival order among equals.
func arbiterWaiters(p *Process, addr uint64) []*Thread {
	var out []*Thread
	for _, t := range p.Threads() {
		if t.status == StatusWaitArb && t.arbWaitAddress == addr {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, byPriorityThenArrival)
	return out
}
