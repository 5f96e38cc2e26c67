package kernel

import (
	"time"

	"hzn/memory"
)

// Thread priorities. Lower values are more urgent.
const (
	PriorityHighest     uint32 = 0
	PriorityUserlandMax uint32 = 24
	PriorityDefault     uint32 = 44
	PriorityLowest      uint32 = 63
)

// Processor ids accepted at thread creation.
const (
	ProcessorIDDefault int32 = -2

	// IdealCoreDontCare leaves the ideal core unset.
	IdealCoreDontCare int32 = -1
	// IdealCoreUseProcessValue selects the owning process' default core.
	IdealCoreUseProcessValue int32 = -2
	// IdealCoreNoUpdate keeps the thread's current ideal core.
	IdealCoreNoUpdate int32 = -3
)

// WaitForever disables the wakeup timer of a blocking operation.
const WaitForever time.Duration = -1

// ThreadStatus is the scheduling state of a thread.
type ThreadStatus uint8

const (
	StatusRunning ThreadStatus = iota
	StatusReady
	StatusWaitHLEEvent
	StatusWaitSleep
	StatusWaitIPC
	StatusWaitSynchAny
	StatusWaitSynchAll
	StatusWaitMutex
	StatusWaitArb
	StatusDormant
	StatusDead
)

func (s ThreadStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusReady:
		return "ready"
	case StatusWaitHLEEvent:
		return "waiting for HLE event"
	case StatusWaitSleep:
		return "sleeping"
	case StatusWaitIPC:
		return "waiting for IPC reply"
	case StatusWaitSynchAny:
		return "waiting for objects"
	case StatusWaitSynchAll:
		return "waiting for all objects"
	case StatusWaitMutex:
		return "waiting for mutex"
	case StatusWaitArb:
		return "waiting for address arbiter"
	case StatusDormant:
		return "dormant"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// IsWaiting reports whether s is one of the Wait* states.
func (s ThreadStatus) IsWaiting() bool {
	switch s {
	case StatusWaitHLEEvent, StatusWaitSleep, StatusWaitIPC, StatusWaitSynchAny,
		StatusWaitSynchAll, StatusWaitMutex, StatusWaitArb:
		return true
	}
	return false
}

// ThreadContext is the saved guest register file.
type ThreadContext struct {
	X      [31]uint64
	SP     uint64
	PC     uint64
	PState uint32
	FPCR   uint32
	FPSR   uint32
	TPIDR  uint64
}

func (c *ThreadContext) reset(stackTop, entry, arg uint64) {
	*c = ThreadContext{}
	c.X[0] = arg
	c.PC = entry
	c.SP = stackTop
	c.FPCR = 0x03C00000
}

// Thread is a schedulable guest thread. It is also a wait object that
// becomes available when the thread dies.
//
// Unless stated otherwise, methods must be called with the kernel lock held.
type Thread struct {
	objectBase
	waitQueue
	refCount

	k     *Kernel
	owner *Process

	id     uint64
	status ThreadStatus

	entryPoint uint64
	stackTop   uint64

	nominalPriority uint32
	currentPriority uint32

	processorID  int32
	idealCore    int32
	affinityMask uint64
	scheduler    *Scheduler

	lastRunningTicks time.Duration

	Context    ThreadContext
	tlsAddress uint64

	waitObjects      []WaitObject
	waitMutexThreads []*Thread
	lockOwner        *Thread
	heldMutexes      []*Mutex

	mutexWaitAddress   uint64
	condvarWaitAddress uint64
	waitHandle         Handle
	arbWaitAddress     uint64

	guestHandle    Handle
	callbackHandle Handle

	timerID    uint64
	timerArmed bool

	waitKind      waitKind
	waitSeq       uint64
	wakeup        Wakeup
	wakeupPending bool
}

// ID returns the kernel-wide thread id.
func (t *Thread) ID() uint64 { return t.id }

func (t *Thread) HandleType() HandleType { return HandleTypeThread }

// Status returns the scheduling state.
func (t *Thread) Status() ThreadStatus { return t.status }

// Priority returns the effective (possibly inherited) priority.
func (t *Thread) Priority() uint32 { return t.currentPriority }

// NominalPriority returns the priority requested by the application.
func (t *Thread) NominalPriority() uint32 { return t.nominalPriority }

func (t *Thread) ProcessorID() int32    { return t.processorID }
func (t *Thread) IdealCore() int32      { return t.idealCore }
func (t *Thread) AffinityMask() uint64  { return t.affinityMask }
func (t *Thread) Scheduler() *Scheduler { return t.scheduler }
func (t *Thread) Owner() *Process       { return t.owner }
func (t *Thread) GuestHandle() Handle   { return t.guestHandle }
func (t *Thread) EntryPoint() uint64    { return t.entryPoint }
func (t *Thread) StackTop() uint64      { return t.stackTop }
func (t *Thread) LockOwner() *Thread    { return t.lockOwner }

// LastRunningTicks is the virtual time the thread was last switched out.
func (t *Thread) LastRunningTicks() time.Duration { return t.lastRunningTicks }

// TLSAddress returns the guest address of the thread-local storage slot.
func (t *Thread) TLSAddress() uint64 { return t.tlsAddress }

// CommandBufferAddress returns the IPC command buffer, which lives at the
// start of the TLS slot.
func (t *Thread) CommandBufferAddress() uint64 { return t.tlsAddress }

func (t *Thread) MutexWaitAddress() uint64   { return t.mutexWaitAddress }
func (t *Thread) CondVarWaitAddress() uint64 { return t.condvarWaitAddress }
func (t *Thread) ArbiterWaitAddress() uint64 { return t.arbWaitAddress }

// WaitObjects returns the objects the thread is blocked on, in the order
// they were passed to the wait call.
func (t *Thread) WaitObjects() []WaitObject {
	out := make([]WaitObject, len(t.waitObjects))
	copy(out, t.waitObjects)
	return out
}

// MutexWaiters returns the threads blocked on a mutex held by t, in arrival order.
func (t *Thread) MutexWaiters() []*Thread {
	out := make([]*Thread, len(t.waitMutexThreads))
	copy(out, t.waitMutexThreads)
	return out
}

// IsSleepingOnWaitAll reports whether t waits for every object in its list.
func (t *Thread) IsSleepingOnWaitAll() bool { return t.status == StatusWaitSynchAll }

// ReadTLS copies from the thread's TLS slot. Translation failures surface
// as *memory.Fault.
func (t *Thread) ReadTLS(off uint64, dst []byte) error {
	if off+uint64(len(dst)) > tlsSlotSize {
		return &memory.Fault{Addr: t.tlsAddress + off}
	}
	return t.owner.mem.ReadBlock(t.tlsAddress+off, dst)
}

// WriteTLS copies into the thread's TLS slot.
func (t *Thread) WriteTLS(off uint64, src []byte) error {
	if off+uint64(len(src)) > tlsSlotSize {
		return &memory.Fault{Addr: t.tlsAddress + off, Write: true}
	}
	return t.owner.mem.WriteBlock(t.tlsAddress+off, src)
}

// ShouldWait blocks waiters until the thread is dead.
func (t *Thread) ShouldWait(*Thread) bool { return t.status != StatusDead }

func (t *Thread) Acquire(waiter *Thread) {
	if t.ShouldWait(waiter) {
		t.k.fatalf(waiter, "acquire of live thread %q", t.name)
	}
}

// CreateThread builds a dormant thread owned by p and registers it with
// the process, its guest handle table and the scheduler of processorID.
//
// Failures are a CreateError, or *memory.Fault when the TLS slot cannot be
// initialised.
func (k *Kernel) CreateThread(p *Process, name string, entry uint64, priority uint32, arg uint64, processorID int32, stackTop uint64) (*Thread, error) {
	if priority > PriorityLowest {
		return nil, ErrInvalidPriority
	}
	if processorID == ProcessorIDDefault {
		processorID = p.idealCore
	}
	if processorID < 0 || int(processorID) >= len(k.schedulers) {
		return nil, ErrInvalidProcessorID
	}
	if stackTop&0xF != 0 {
		return nil, ErrStackMisaligned
	}

	t := &Thread{
		k:               k,
		owner:           p,
		id:              k.nextThreadID,
		status:          StatusDormant,
		entryPoint:      entry,
		stackTop:        stackTop,
		nominalPriority: priority,
		currentPriority: priority,
		processorID:     processorID,
		idealCore:       processorID,
		affinityMask:    1 << uint(processorID),
	}
	t.objectBase = objectBase{id: k.newObjectID(), name: name}
	t.refCount.release = t.destroy

	tls, err := p.allocTLSSlot()
	if err != nil {
		return nil, err
	}
	t.tlsAddress = tls

	cb, res := k.wakeups.Create(t)
	if !res.IsSuccess() {
		p.freeTLSSlot(tls)
		return nil, ErrOutOfHandles
	}
	t.callbackHandle = cb

	gh, res := p.handles.Create(t)
	if !res.IsSuccess() {
		k.wakeups.Close(cb)
		p.freeTLSSlot(tls)
		return nil, ErrOutOfHandles
	}
	t.guestHandle = gh

	k.nextThreadID++
	k.liveThreads++
	t.Context.reset(stackTop, entry, arg)
	t.scheduler = k.schedulers[processorID]
	t.scheduler.addThread(t)
	p.addThread(t)
	k.logf("kernel: created thread %d %q prio=%d core=%d", t.id, name, priority, processorID)
	return t, nil
}

// Start moves a dormant thread to its scheduler's ready queue.
func (t *Thread) Start() Result {
	if t.status != StatusDormant {
		return ResultInvalidState
	}
	t.makeReady()
	return ResultSuccess
}

// SetPriority changes the nominal priority and re-derives the effective one.
func (t *Thread) SetPriority(priority uint32) {
	if priority > PriorityLowest {
		t.k.fatalf(t, "priority %d out of range", priority)
	}
	t.nominalPriority = priority
	t.UpdatePriority()
}

// BoostPriority sets the effective priority only. The next inheritance
// recomputation that changes the priority overwrites it.
func (t *Thread) BoostPriority(priority uint32) {
	t.scheduler.setThreadPriority(t, priority)
	t.currentPriority = priority
}

// inheritedPriority is min(nominal, effective priority of every mutex waiter).
func (t *Thread) inheritedPriority() uint32 {
	p := t.nominalPriority
	for _, w := range t.waitMutexThreads {
		if w.currentPriority < p {
			p = w.currentPriority
		}
	}
	return p
}

// UpdatePriority recomputes the effective priority from the mutex waiters
// and propagates a change up the lock-owner chain.
func (t *Thread) UpdatePriority() {
	limit := t.k.liveThreads + 1
	for cur, steps := t, 0; cur != nil; cur, steps = cur.lockOwner, steps+1 {
		if steps > limit {
			t.k.fatalf(t, "lock owner chain from %q does not terminate", t.name)
		}
		p := cur.inheritedPriority()
		if p == cur.currentPriority {
			return
		}
		cur.scheduler.setThreadPriority(cur, p)
		cur.currentPriority = p
	}
}

// AddMutexWaiter records that w is blocked on a mutex held by t.
func (t *Thread) AddMutexWaiter(w *Thread) {
	if w.lockOwner == t {
		for _, x := range t.waitMutexThreads {
			if x == w {
				return
			}
		}
		t.k.fatalf(w, "lock owner %q does not list waiter", t.name)
	}
	if w.lockOwner != nil {
		t.k.fatalf(w, "thread already waits on a mutex held by %q", w.lockOwner.name)
	}
	for _, x := range t.waitMutexThreads {
		if x == w {
			t.k.fatalf(w, "thread listed as waiter of %q without lock owner", t.name)
		}
	}
	t.k.checkLockChain(t, w)

	w.lockOwner = t
	t.waitMutexThreads = append(t.waitMutexThreads, w)
	t.UpdatePriority()
}

// RemoveMutexWaiter detaches w from t's waiter set.
func (t *Thread) RemoveMutexWaiter(w *Thread) {
	if w.lockOwner != t {
		t.k.fatalf(w, "thread is not waiting on a mutex held by %q", t.name)
	}
	for i, x := range t.waitMutexThreads {
		if x == w {
			t.waitMutexThreads = append(t.waitMutexThreads[:i], t.waitMutexThreads[i+1:]...)
			break
		}
	}
	w.lockOwner = nil
	t.UpdatePriority()
}

// ChangeCore updates the ideal core and affinity mask. A thread whose
// current core is no longer allowed moves to the best allowed core; its
// status and wait registrations are left untouched. A dead thread keeps
// its settings but is not moved.
func (t *Thread) ChangeCore(core int32, mask uint64) {
	t.idealCore = core
	t.affinityMask = mask
	if t.status == StatusDead || mask&(1<<uint(t.processorID)) != 0 {
		return
	}
	t.migrate(t.k.bestCore(t))
}

// migrate moves t to another core's scheduler, keeping its status.
func (t *Thread) migrate(core int32) {
	if core == t.processorID || t.status == StatusDead {
		return
	}
	prev := t.scheduler
	next := t.k.schedulers[core]
	if t.status == StatusReady {
		prev.unschedule(t)
	}
	next.addThread(t)
	prev.removeThread(t)
	t.processorID = core
	t.scheduler = next
	if t.status == StatusReady {
		next.schedule(t)
	}
	if prev.current == t {
		prev.RequestReschedule()
	}
}

// makeReady moves a blocked or dormant thread to the ready queue of the
// best core for it.
func (t *Thread) makeReady() {
	t.migrate(t.k.resumeCore(t))
	t.status = StatusReady
	t.scheduler.schedule(t)
}

// ResumeFromWait makes a waiting thread ready again: it drops its wait
// registrations and lock owner, cancels the wakeup timer and requeues it.
// A thread that is already ready is left alone.
func (t *Thread) ResumeFromWait() {
	switch {
	case t.status.IsWaiting():
	case t.status == StatusReady:
		return
	default:
		t.k.logf("kernel: resume of thread %d ignored in state %s", t.id, t.status)
		return
	}

	t.detachWaitObjects()
	if t.lockOwner != nil {
		t.lockOwner.RemoveMutexWaiter(t)
	}
	t.CancelWakeupTimer()
	t.mutexWaitAddress = 0
	t.condvarWaitAddress = 0
	t.waitHandle = InvalidHandle
	t.arbWaitAddress = 0

	t.makeReady()
}

// WakeAfterDelay arms the wakeup timer. A negative delay waits forever.
func (t *Thread) WakeAfterDelay(d time.Duration) {
	if d < 0 {
		return
	}
	t.CancelWakeupTimer()
	t.timerID = t.k.timer.Schedule(d, uint64(t.callbackHandle))
	t.timerArmed = true
}

// CancelWakeupTimer disarms the wakeup timer. It is a no-op when nothing is pending.
func (t *Thread) CancelWakeupTimer() {
	if !t.timerArmed {
		return
	}
	t.k.timer.Cancel(t.timerID)
	t.timerArmed = false
	t.timerID = 0
}

// WaitObjectIndex returns the index of the last occurrence of obj in the
// thread's wait list, or -1.
func (t *Thread) WaitObjectIndex(obj WaitObject) int {
	for i := len(t.waitObjects) - 1; i >= 0; i-- {
		if t.waitObjects[i] == obj {
			return i
		}
	}
	return -1
}

func (t *Thread) detachWaitObjects() {
	for _, o := range t.waitObjects {
		o.waiters().remove(t)
	}
	t.waitObjects = nil
}

// beginWait takes a runnable thread off its ready queue and marks it blocked.
func (t *Thread) beginWait(status ThreadStatus, kind waitKind) {
	switch t.status {
	case StatusRunning:
	case StatusReady:
		t.scheduler.unschedule(t)
	default:
		t.k.fatalf(t, "wait from state %s", t.status)
	}
	t.status = status
	t.waitKind = kind
	t.k.waitSeq++
	t.waitSeq = t.k.waitSeq
	t.wakeup = Wakeup{Reason: WakeupPending, Result: ResultTimeout, Index: -1}
	t.wakeupPending = false
	t.scheduler.RequestReschedule()
}

// Stop kills the thread: it leaves every wait list, releases the mutexes it
// holds to their next waiters, wakes threads waiting for its termination and
// invalidates its handles. Stopping a dead thread does nothing.
func (t *Thread) Stop() {
	if t.status == StatusDead {
		return
	}
	t.CancelWakeupTimer()
	if t.status == StatusReady {
		t.scheduler.unschedule(t)
	}
	if t.lockOwner != nil {
		t.lockOwner.RemoveMutexWaiter(t)
	}
	t.detachWaitObjects()
	t.mutexWaitAddress = 0
	t.condvarWaitAddress = 0
	t.arbWaitAddress = 0
	t.waitHandle = InvalidHandle
	t.waitKind = waitKindNone
	t.wakeupPending = false

	t.status = StatusDead
	t.k.liveThreads--

	t.releaseHeldMutexes()
	wakeupAllWaitingThreads(t)

	t.owner.freeTLSSlot(t.tlsAddress)
	if t.scheduler.current == t {
		t.scheduler.RequestReschedule()
	}
	t.k.logf("kernel: thread %d %q stopped", t.id, t.name)

	// Dropping the last references may destroy the thread.
	t.k.wakeups.Close(t.callbackHandle)
	t.owner.handles.Close(t.guestHandle)
	t.scheduler.removeThread(t)
}

// releaseHeldMutexes hands every mutex the thread still owns to its next
// waiter, exactly as an explicit unlock would.
func (t *Thread) releaseHeldMutexes() {
	for len(t.waitMutexThreads) > 0 {
		addr := t.waitMutexThreads[0].mutexWaitAddress
		if _, err := t.k.releaseMutex(t, addr); err != nil {
			// The word is unreachable; the waiters still get the mutex.
			t.k.logf("kernel: release of mutex 0x%x by dead thread %d: %v", addr, t.id, err)
			t.k.handOffMutex(t, addr)
		}
	}
	for len(t.heldMutexes) > 0 {
		m := t.heldMutexes[0]
		m.forceRelease(t)
	}
}

func (t *Thread) destroy() {
	if t.status != StatusDead {
		return
	}
	t.owner.removeThread(t)
	t.k.logf("kernel: thread %d %q destroyed", t.id, t.name)
}
