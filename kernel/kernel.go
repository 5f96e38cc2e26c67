package kernel

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCores is the number of emulated CPU cores.
const DefaultCores = 4

// Logger receives kernel diagnostics one line at a time.
type Logger interface {
	WriteLineString(s string)
}

// WakeupTimer is the timer queue the kernel arms wakeups on. Schedule
// returns a non-zero id; when the timer fires the queue must call
// Kernel.FireWakeup(id, token). Cancelling an unknown or fired id is a no-op.
type WakeupTimer interface {
	Schedule(delay time.Duration, token uint64) uint64
	Cancel(id uint64)
}

// clock is implemented by timer queues that expose virtual time.
type clock interface {
	Now() time.Duration
}

// Config configures a Kernel.
type Config struct {
	Cores           int
	HandleTableSize int
	Timer           WakeupTimer
	Logger          Logger
}

// Kernel is the state shared by every emulated core. A single lock guards
// all of it.
type Kernel struct {
	mu sync.Mutex

	log   Logger
	timer WakeupTimer

	schedulers []*Scheduler
	wakeups    *HandleTable
	processes  []*Process
	sessions   []*Session

	handleTableSize int
	nextThreadID    uint64
	nextProcessID   uint64
	nextObjectID    uint32
	liveThreads     int
	waitSeq         uint64
}

// New builds a kernel with one scheduler per core.
func New(cfg Config) *Kernel {
	if cfg.Cores <= 0 || cfg.Cores > 64 {
		cfg.Cores = DefaultCores
	}
	if cfg.HandleTableSize <= 0 {
		cfg.HandleTableSize = DefaultHandleTableSize
	}
	if cfg.Timer == nil {
		cfg.Timer = &manualTimer{}
	}
	k := &Kernel{
		log:             cfg.Logger,
		timer:           cfg.Timer,
		wakeups:         NewHandleTable(handleSlotMask),
		handleTableSize: cfg.HandleTableSize,
		nextThreadID:    1,
		nextProcessID:   1,
	}
	for i := 0; i < cfg.Cores; i++ {
		k.schedulers = append(k.schedulers, newScheduler(k, int32(i)))
	}
	return k
}

// Lock acquires the kernel lock. Everything that is not itself documented
// as taking the lock must run while it is held.
func (k *Kernel) Lock() { k.mu.Lock() }

func (k *Kernel) Unlock() { k.mu.Unlock() }

// Locked runs fn with the kernel lock held.
func (k *Kernel) Locked(fn func()) {
	k.mu.Lock()
	defer k.mu.Unlock()
	fn()
}

func (k *Kernel) Cores() int { return len(k.schedulers) }

// Scheduler returns the scheduler of core.
func (k *Kernel) Scheduler(core int) *Scheduler { return k.schedulers[core] }

// CurrentThread returns the thread active on core.
func (k *Kernel) CurrentThread(core int) *Thread {
	return k.schedulers[core].current
}

// Processes returns the processes created so far.
func (k *Kernel) Processes() []*Process {
	out := make([]*Process, len(k.processes))
	copy(out, k.processes)
	return out
}

// Threads returns every live thread, grouped by core.
func (k *Kernel) Threads() []*Thread {
	var out []*Thread
	for _, s := range k.schedulers {
		out = append(out, s.threads...)
	}
	return out
}

// Dispatch is the driving loop's entry point for core. It takes the lock,
// reschedules the core if needed and returns the thread to run, with any
// pending wakeup outcome already written to its registers.
func (k *Kernel) Dispatch(core int) *Thread {
	k.mu.Lock()
	defer k.mu.Unlock()

	s := k.schedulers[core]
	if s.reschedulePending || s.Idle() {
		s.Reschedule()
	}
	t := s.current
	if t == nil || t.status != StatusRunning {
		return nil
	}
	k.ResolveWakeup(t)
	return t
}

// TimerActive reports whether t waits on an armed wakeup timer.
func (t *Thread) TimerActive() bool { return t.timerArmed }

func (k *Kernel) now() time.Duration {
	if c, ok := k.timer.(clock); ok {
		return c.Now()
	}
	return 0
}

func (k *Kernel) newObjectID() uint32 {
	k.nextObjectID++
	return k.nextObjectID
}

func (k *Kernel) logf(format string, args ...any) {
	if k.log == nil {
		return
	}
	k.log.WriteLineString(fmt.Sprintf(format, args...))
}

func allowed(mask uint64, core int32) bool {
	return core >= 0 && core < 64 && mask&(1<<uint(core)) != 0
}

// bestCore picks the core a thread moves to when its current core is
// excluded: the ideal core if allowed, else the first idle allowed core,
// else the lowest allowed core.
func (k *Kernel) bestCore(t *Thread) int32 {
	if allowed(t.affinityMask, t.idealCore) && int(t.idealCore) < len(k.schedulers) {
		return t.idealCore
	}
	lowest := int32(-1)
	for _, s := range k.schedulers {
		if !allowed(t.affinityMask, s.core) {
			continue
		}
		if s.Idle() {
			return s.core
		}
		if lowest < 0 {
			lowest = s.core
		}
	}
	if lowest < 0 {
		return t.processorID
	}
	return lowest
}

// resumeCore picks the core for a thread becoming ready: the ideal core if
// it is idle, else any idle allowed core, else the thread's current core.
func (k *Kernel) resumeCore(t *Thread) int32 {
	if allowed(t.affinityMask, t.idealCore) && int(t.idealCore) < len(k.schedulers) &&
		k.schedulers[t.idealCore].Idle() {
		return t.idealCore
	}
	if allowed(t.affinityMask, t.processorID) && k.schedulers[t.processorID].Idle() {
		return t.processorID
	}
	for _, s := range k.schedulers {
		if allowed(t.affinityMask, s.core) && s.Idle() {
			return s.core
		}
	}
	return t.processorID
}

// lockChainReaches reports whether target is owner or one of the threads
// owner is (transitively) waiting on.
func (k *Kernel) lockChainReaches(owner, target *Thread) bool {
	limit := k.liveThreads + 1
	for cur, steps := owner, 0; cur != nil && steps <= limit; cur, steps = cur.lockOwner, steps+1 {
		if cur == target {
			return true
		}
	}
	return false
}

// checkLockChain fails if making waiter wait on owner would close a cycle
// in the lock owner forest.
func (k *Kernel) checkLockChain(owner, waiter *Thread) {
	limit := k.liveThreads + 1
	for cur, steps := owner, 0; cur != nil; cur, steps = cur.lockOwner, steps+1 {
		if cur == waiter {
			k.fatalf(waiter, "mutex wait on %q would deadlock the lock owner chain", owner.name)
		}
		if steps > limit {
			k.fatalf(waiter, "lock owner chain from %q does not terminate", owner.name)
		}
	}
}

// manualTimer hands out ids but never fires. Used when no timer queue is
// configured.
type manualTimer struct{ next uint64 }

func (m *manualTimer) Schedule(time.Duration, uint64) uint64 {
	m.next++
	return m.next
}

func (m *manualTimer) Cancel(uint64) {}
