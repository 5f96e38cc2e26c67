package kernel

import (
	"errors"
	"fmt"
)

// SVC is a supervisor call number.
type SVC uint32

const (
	SVCCreateThread              SVC = 0x08
	SVCStartThread               SVC = 0x09
	SVCExitThread                SVC = 0x0A
	SVCSleepThread               SVC = 0x0B
	SVCGetThreadPriority         SVC = 0x0C
	SVCSetThreadPriority         SVC = 0x0D
	SVCGetThreadCoreMask         SVC = 0x0E
	SVCSetThreadCoreMask         SVC = 0x0F
	SVCGetCurrentProcessorNumber SVC = 0x10
	SVCSignalEvent               SVC = 0x11
	SVCClearEvent                SVC = 0x12
	SVCCloseHandle               SVC = 0x16
	SVCResetSignal               SVC = 0x17
	SVCWaitSynchronization       SVC = 0x18
	SVCCancelSynchronization     SVC = 0x19
	SVCArbitrateLock             SVC = 0x1A
	SVCArbitrateUnlock           SVC = 0x1B
	SVCWaitProcessWideKeyAtomic  SVC = 0x1C
	SVCSignalProcessWideKey      SVC = 0x1D
	SVCSendSyncRequest           SVC = 0x21
	SVCGetThreadID               SVC = 0x25
	SVCWaitForAddress            SVC = 0x34
	SVCSignalToAddress           SVC = 0x35
	SVCCreateEvent               SVC = 0x45

	// Host extensions outside the console's numbering.
	SVCCreateSemaphore  SVC = 0x80
	SVCReleaseSemaphore SVC = 0x81
)

var svcNames = map[SVC]string{
	SVCCreateThread:              "CreateThread",
	SVCStartThread:               "StartThread",
	SVCExitThread:                "ExitThread",
	SVCSleepThread:               "SleepThread",
	SVCGetThreadPriority:         "GetThreadPriority",
	SVCSetThreadPriority:         "SetThreadPriority",
	SVCGetThreadCoreMask:         "GetThreadCoreMask",
	SVCSetThreadCoreMask:         "SetThreadCoreMask",
	SVCGetCurrentProcessorNumber: "GetCurrentProcessorNumber",
	SVCSignalEvent:               "SignalEvent",
	SVCClearEvent:                "ClearEvent",
	SVCCloseHandle:               "CloseHandle",
	SVCResetSignal:               "ResetSignal",
	SVCWaitSynchronization:       "WaitSynchronization",
	SVCCancelSynchronization:     "CancelSynchronization",
	SVCArbitrateLock:             "ArbitrateLock",
	SVCArbitrateUnlock:           "ArbitrateUnlock",
	SVCWaitProcessWideKeyAtomic:  "WaitProcessWideKeyAtomic",
	SVCSignalProcessWideKey:      "SignalProcessWideKey",
	SVCSendSyncRequest:           "SendSyncRequest",
	SVCGetThreadID:               "GetThreadId",
	SVCWaitForAddress:            "WaitForAddress",
	SVCSignalToAddress:           "SignalToAddress",
	SVCCreateEvent:               "CreateEvent",
	SVCCreateSemaphore:           "CreateSemaphore",
	SVCReleaseSemaphore:          "ReleaseSemaphore",
}

func (s SVC) String() string {
	if n, ok := svcNames[s]; ok {
		return n
	}
	return fmt.Sprintf("svc(0x%02x)", uint32(s))
}

var (
	// ErrNoCurrentThread is returned by CallSVC when the core is idle.
	ErrNoCurrentThread = errors.New("kernel: no thread running on core")
	// ErrUnknownSVC is returned for call numbers outside the table.
	ErrUnknownSVC = errors.New("kernel: unknown svc")
)

// WaitAllFlag in X4 turns WaitSynchronization into a wait for every handle.
const WaitAllFlag = 1

// CallSVC executes supervisor call num for the thread running on core,
// taking arguments from and writing results to its registers. Guest memory
// faults are returned as *memory.Fault.
func (k *Kernel) CallSVC(core int, num SVC) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	cur := k.schedulers[core].current
	if cur == nil || cur.status != StatusRunning {
		return ErrNoCurrentThread
	}
	x := &cur.Context.X
	w := func(i int) uint32 { return uint32(x[i]) }
	setResult := func(r Result) { x[0] = uint64(r) }

	switch num {
	case SVCCreateThread:
		h, res, err := k.SvcCreateThread(cur, x[1], x[2], x[3], w(4), int32(w(5)))
		if err != nil {
			return err
		}
		setResult(res)
		x[1] = uint64(h)
	case SVCStartThread:
		setResult(k.SvcStartThread(cur, Handle(w(0))))
	case SVCExitThread:
		k.SvcExitThread(cur)
	case SVCSleepThread:
		k.SvcSleepThread(cur, int64(x[0]))
	case SVCGetThreadPriority:
		prio, res := k.SvcGetThreadPriority(cur, Handle(w(1)))
		setResult(res)
		x[1] = uint64(prio)
	case SVCSetThreadPriority:
		setResult(k.SvcSetThreadPriority(cur, Handle(w(0)), w(1)))
	case SVCGetThreadCoreMask:
		ideal, mask, res := k.SvcGetThreadCoreMask(cur, Handle(w(2)))
		setResult(res)
		x[1] = uint64(uint32(ideal))
		x[2] = mask
	case SVCSetThreadCoreMask:
		setResult(k.SvcSetThreadCoreMask(cur, Handle(w(0)), int32(w(1)), x[2]))
	case SVCGetCurrentProcessorNumber:
		x[0] = uint64(cur.processorID)
	case SVCSignalEvent:
		setResult(k.SvcSignalEvent(cur, Handle(w(0))))
	case SVCClearEvent:
		setResult(k.SvcClearEvent(cur, Handle(w(0))))
	case SVCCloseHandle:
		setResult(k.SvcCloseHandle(cur, Handle(w(0))))
	case SVCResetSignal:
		setResult(k.SvcResetSignal(cur, Handle(w(0))))
	case SVCWaitSynchronization:
		res, index, blocked := k.SvcWaitSynchronization(cur, x[1], int32(w(2)), int64(x[3]), x[4]&WaitAllFlag != 0)
		if blocked {
			return nil
		}
		setResult(res)
		if index >= 0 {
			x[1] = uint64(index)
		}
	case SVCCancelSynchronization:
		setResult(k.SvcCancelSynchronization(cur, Handle(w(0))))
	case SVCArbitrateLock:
		res, err := k.SvcArbitrateLock(cur, Handle(w(0)), x[1], Handle(w(2)))
		if err != nil {
			return err
		}
		setResult(res)
	case SVCArbitrateUnlock:
		res, err := k.ArbitrateUnlock(cur, x[0])
		if err != nil {
			return err
		}
		setResult(res)
	case SVCWaitProcessWideKeyAtomic:
		res, err := k.SvcWaitProcessWideKeyAtomic(cur, x[0], x[1], Handle(w(2)), int64(x[3]))
		if err != nil {
			return err
		}
		setResult(res)
	case SVCSignalProcessWideKey:
		if err := k.SignalProcessWideKey(cur, x[0], int32(w(1))); err != nil {
			return err
		}
		setResult(ResultSuccess)
	case SVCSendSyncRequest:
		res, err := k.SendSyncRequest(cur, Handle(w(0)))
		if err != nil {
			return err
		}
		setResult(res)
	case SVCGetThreadID:
		id, res := k.SvcGetThreadID(cur, Handle(w(1)))
		setResult(res)
		x[1] = id
	case SVCWaitForAddress:
		setResult(k.WaitForAddress(cur, x[0], ArbitrationType(w(1)), int32(w(2)), nsToDuration(int64(x[3]))))
	case SVCSignalToAddress:
		setResult(k.SignalToAddress(cur, x[0], SignalType(w(1)), int32(w(2)), int32(w(3))))
	case SVCCreateEvent:
		wh, rh, res := k.SvcCreateEvent(cur)
		setResult(res)
		x[1] = uint64(wh)
		x[2] = uint64(rh)
	case SVCCreateSemaphore:
		h, res := k.SvcCreateSemaphore(cur, int32(w(1)), int32(w(2)))
		setResult(res)
		x[1] = uint64(h)
	case SVCReleaseSemaphore:
		prev, res := k.SvcReleaseSemaphore(cur, Handle(w(0)), int32(w(1)))
		setResult(res)
		x[1] = uint64(uint32(prev))
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownSVC, uint32(num))
	}
	return nil
}
