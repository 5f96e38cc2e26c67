package guest

import (
	"fmt"

	"hzn/kernel"
)

type lockStatus uint8

const (
	lockAcquired lockStatus = iota
	lockBlocked
	lockFailed
)

// lock is the user-mode mutex fast path: take a free word directly, else
// set the waiters flag and let the kernel arbitrate. A blocked thread
// re-runs lock when it resumes and finds its own handle in the word.
func (e *Executor) lock(core int, t *kernel.Thread, addr uint64) (lockStatus, kernel.Result, error) {
	mem := t.Owner().Memory()
	tag := uint32(t.GuestHandle())

	for range 4 {
		v, err := mem.Read32(addr)
		if err != nil {
			return lockFailed, 0, err
		}
		switch {
		case v == 0:
			if err := mem.Write32(addr, tag); err != nil {
				return lockFailed, 0, err
			}
			return lockAcquired, kernel.ResultSuccess, nil
		case v&kernel.MutexOwnerMask == tag:
			return lockAcquired, kernel.ResultSuccess, nil
		}

		if v&kernel.MutexHasWaitersFlag == 0 {
			v |= kernel.MutexHasWaitersFlag
			if err := mem.Write32(addr, v); err != nil {
				return lockFailed, 0, err
			}
		}
		owner := uint64(v & kernel.MutexOwnerMask)
		if err := e.svc(core, t, kernel.SVCArbitrateLock, owner, addr, uint64(tag)); err != nil {
			return lockFailed, 0, err
		}
		if t.Status().IsWaiting() {
			return lockBlocked, 0, nil
		}
		if res := result(t); !res.IsSuccess() {
			return lockFailed, res, nil
		}
	}
	return lockFailed, 0, fmt.Errorf("guest: %s: mutex 0x%x keeps changing owner", t.Name(), addr)
}

// unlock releases a mutex t holds, asking the kernel to pick the next owner
// when the waiters flag is set.
func (e *Executor) unlock(core int, t *kernel.Thread, addr uint64) (kernel.Result, error) {
	mem := t.Owner().Memory()
	tag := uint32(t.GuestHandle())

	v, err := mem.Read32(addr)
	if err != nil {
		return 0, err
	}
	if v&kernel.MutexOwnerMask != tag {
		return kernel.ResultInvalidState, nil
	}
	if v&kernel.MutexHasWaitersFlag == 0 {
		return kernel.ResultSuccess, mem.Write32(addr, 0)
	}
	if err := e.svc(core, t, kernel.SVCArbitrateUnlock, addr); err != nil {
		return 0, err
	}
	return result(t), nil
}
