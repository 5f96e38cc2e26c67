// Package waittree captures the blocking relationships between guest
// threads and kernel objects and renders them as an indented text tree.
package waittree

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"hzn/kernel"
)

// Object is a wait object as seen by one waiting thread.
type Object struct {
	Type     kernel.HandleType
	ID       uint32
	Name     string
	Signaled bool
	Detail   string
	Waiters  []string
}

// Thread is the state of one live thread.
type Thread struct {
	ID       uint64
	Name     string
	Process  string
	Status   kernel.ThreadStatus
	Priority uint32
	Nominal  uint32
	Core     int32
	Ideal    int32
	Mask     uint64
	PC       int

	Waits        []Object
	MutexAddr    uint64
	MutexName    string
	LockOwner    string
	MutexWaiters []string
	CondVarAddr  uint64
	CondVarName  string
	ArbAddr      uint64
	ArbName      string
	TimerArmed   bool
}

// Core is one scheduler.
type Core struct {
	ID       int
	Current  string
	Ready    []string
	Switches uint64
}

// Snapshot is a consistent view of every core and live thread.
type Snapshot struct {
	At      time.Duration
	Cores   []Core
	Threads []Thread
}

// Options fill in what the kernel does not know itself.
type Options struct {
	// Now stamps the snapshot.
	Now func() time.Duration
	// PC reports the op a thread executes next, or -1.
	PC func(t *kernel.Thread) int
	// AddrName names a guest data word of p, or returns "".
	AddrName func(p *kernel.Process, addr uint64) string
}

// Take captures a snapshot of k under the kernel lock.
func Take(k *kernel.Kernel, opt Options) Snapshot {
	var s Snapshot
	k.Locked(func() { s = capture(k, opt) })
	return s
}

func capture(k *kernel.Kernel, opt Options) Snapshot {
	var s Snapshot
	if opt.Now != nil {
		s.At = opt.Now()
	}
	addrName := func(p *kernel.Process, addr uint64) string {
		if addr == 0 || opt.AddrName == nil {
			return ""
		}
		return opt.AddrName(p, addr)
	}

	for core := range k.Cores() {
		sch := k.Scheduler(core)
		c := Core{ID: core, Switches: sch.ContextSwitches()}
		if cur := sch.CurrentThread(); cur != nil && cur.Status() == kernel.StatusRunning {
			c.Current = cur.Name()
		}
		for _, t := range sch.ReadyThreads() {
			c.Ready = append(c.Ready, t.Name())
		}
		s.Cores = append(s.Cores, c)
	}

	for _, t := range k.Threads() {
		th := Thread{
			ID:          t.ID(),
			Name:        t.Name(),
			Process:     t.Owner().Name(),
			Status:      t.Status(),
			Priority:    t.Priority(),
			Nominal:     t.NominalPriority(),
			Core:        t.ProcessorID(),
			Ideal:       t.IdealCore(),
			Mask:        t.AffinityMask(),
			PC:          -1,
			MutexAddr:   t.MutexWaitAddress(),
			CondVarAddr: t.CondVarWaitAddress(),
			ArbAddr:     t.ArbiterWaitAddress(),
			TimerArmed:  t.TimerActive(),
		}
		if opt.PC != nil {
			th.PC = opt.PC(t)
		}
		th.MutexName = addrName(t.Owner(), th.MutexAddr)
		th.CondVarName = addrName(t.Owner(), th.CondVarAddr)
		th.ArbName = addrName(t.Owner(), th.ArbAddr)
		if o := t.LockOwner(); o != nil {
			th.LockOwner = o.Name()
		}
		for _, w := range t.MutexWaiters() {
			th.MutexWaiters = append(th.MutexWaiters, w.Name())
		}
		for _, o := range t.WaitObjects() {
			th.Waits = append(th.Waits, describe(o))
		}
		s.Threads = append(s.Threads, th)
	}
	slices.SortStableFunc(s.Threads, func(a, b Thread) int {
		if a.Core != b.Core {
			return int(a.Core) - int(b.Core)
		}
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		return int(a.ID) - int(b.ID)
	})
	return s
}

type waitLister interface {
	WaitingThreads() []*kernel.Thread
}

func describe(o kernel.WaitObject) Object {
	obj := Object{Type: o.HandleType(), ID: o.ObjectID(), Name: o.Name()}
	switch v := o.(type) {
	case *kernel.Event:
		obj.Signaled = v.Signaled()
		obj.Detail = v.ResetType().String()
	case *kernel.Timer:
		obj.Signaled = v.Signaled()
		if v.Armed() {
			obj.Detail = "armed"
		}
	case *kernel.Semaphore:
		obj.Signaled = v.Count() > 0
		obj.Detail = fmt.Sprintf("%d/%d", v.Count(), v.Max())
	case *kernel.Mutex:
		obj.Signaled = v.Holder() == nil
		if h := v.Holder(); h != nil {
			obj.Detail = fmt.Sprintf("held by %s x%d", h.Name(), v.LockCount())
		}
	case *kernel.Thread:
		obj.Signaled = v.Status() == kernel.StatusDead
		obj.Detail = v.Status().String()
	}
	if wl, ok := o.(waitLister); ok {
		for _, w := range wl.WaitingThreads() {
			obj.Waiters = append(obj.Waiters, w.Name())
		}
	}
	return obj
}

// Blocked returns the threads in a Wait* state.
func (s Snapshot) Blocked() []Thread {
	var out []Thread
	for _, t := range s.Threads {
		if t.Status.IsWaiting() {
			out = append(out, t)
		}
	}
	return out
}

// Thread finds a thread by name.
func (s Snapshot) Thread(name string) (Thread, bool) {
	for _, t := range s.Threads {
		if t.Name == name {
			return t, true
		}
	}
	return Thread{}, false
}

// Render formats the snapshot as text, cutting lines at width bytes when
// width > 0.
func (s Snapshot) Render(width int) string {
	var b strings.Builder
	line := func(indent int, format string, args ...any) {
		l := strings.Repeat("  ", indent) + fmt.Sprintf(format, args...)
		if width > 0 && len(l) > width {
			l = l[:width]
		}
		b.WriteString(l)
		b.WriteByte('\n')
	}

	line(0, "t=%v  threads=%d  blocked=%d", s.At, len(s.Threads), len(s.Blocked()))
	for _, c := range s.Cores {
		cur := c.Current
		if cur == "" {
			cur = "idle"
		}
		line(0, "core %d: %s  ready=[%s]  switches=%d", c.ID, cur, strings.Join(c.Ready, " "), c.Switches)
	}

	for _, t := range s.Threads {
		prio := fmt.Sprintf("%d", t.Priority)
		if t.Priority != t.Nominal {
			prio = fmt.Sprintf("%d (nominal %d)", t.Priority, t.Nominal)
		}
		pc := ""
		if t.PC >= 0 {
			pc = fmt.Sprintf(" pc=%d", t.PC)
		}
		line(0, "%s #%d prio %s core %d %s%s", t.Name, t.ID, prio, t.Core, t.Status, pc)

		if t.MutexAddr != 0 {
			line(1, "mutex %s owned by %s", addrLabel(t.MutexAddr, t.MutexName), t.LockOwner)
		}
		if t.CondVarAddr != 0 {
			line(1, "condvar %s", addrLabel(t.CondVarAddr, t.CondVarName))
		}
		if t.ArbAddr != 0 && t.Status == kernel.StatusWaitArb {
			line(1, "arbiter %s", addrLabel(t.ArbAddr, t.ArbName))
		}
		for _, o := range t.Waits {
			state := "unsignaled"
			if o.Signaled {
				state = "signaled"
			}
			detail := ""
			if o.Detail != "" {
				detail = " " + o.Detail
			}
			line(1, "%s %q %s%s waiters=[%s]", o.Type, o.Name, state, detail, strings.Join(o.Waiters, " "))
		}
		if len(t.MutexWaiters) > 0 {
			line(1, "mutex waiters: %s", strings.Join(t.MutexWaiters, " "))
		}
		if t.TimerArmed {
			line(1, "timeout armed")
		}
	}
	return b.String()
}

func addrLabel(addr uint64, name string) string {
	if name == "" {
		return fmt.Sprintf("0x%x", addr)
	}
	return fmt.Sprintf("%s@0x%x", name, addr)
}
