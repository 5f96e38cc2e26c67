package guest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"hzn/kernel"
)

// Logger receives executor diagnostics.
type Logger interface {
	WriteLineString(s string)
}

// Event records one completed guest op.
type Event struct {
	At     time.Duration
	Core   int
	Thread uint64
	Name   string
	Op     Op
	Result kernel.Result
	Index  int
	Reply  string
}

func (ev Event) String() string {
	s := fmt.Sprintf("%10v core%d %-10s %-18s %v", ev.At, ev.Core, ev.Name, ev.Op, ev.Result)
	if ev.Index >= 0 {
		s += fmt.Sprintf(" index=%d", ev.Index)
	}
	if ev.Reply != "" {
		s += fmt.Sprintf(" reply=%q", ev.Reply)
	}
	return s
}

const maxTrace = 4096

// handleListOffset is where wait handle lists are staged in the TLS slot,
// right after the IPC command buffer.
const handleListOffset = kernel.MaxMessageBytes

var ErrNoProgram = errors.New("guest: no program at entry point")

type threadState struct {
	img      *Image
	prog     *Program
	pc       int
	workLeft int64
	blocked  bool
	relock   uint64
	loops    map[int]int64
}

// Executor interprets guest programs for dispatched threads. It must only
// be driven from the goroutine that runs the cores.
type Executor struct {
	k   *kernel.Kernel
	now func() time.Duration
	log Logger

	images  map[*kernel.Process]*Image
	threads map[*kernel.Thread]*threadState
	trace   []Event

	// OnEvent, if set, sees every event as it is recorded.
	OnEvent func(Event)
}

// NewExecutor returns an executor entering k. now supplies the virtual
// time stamped on trace events.
func NewExecutor(k *kernel.Kernel, now func() time.Duration, log Logger) *Executor {
	if now == nil {
		now = func() time.Duration { return 0 }
	}
	return &Executor{
		k:       k,
		now:     now,
		log:     log,
		images:  map[*kernel.Process]*Image{},
		threads: map[*kernel.Thread]*threadState{},
	}
}

// Attach makes the programs of img runnable for threads of its process.
func (e *Executor) Attach(img *Image) { e.images[img.Process] = img }

// Trace returns the recorded events, oldest first.
func (e *Executor) Trace() []Event {
	out := make([]Event, len(e.trace))
	copy(out, e.trace)
	return out
}

// PC returns the op index t executes next, or -1 if t never ran.
func (e *Executor) PC(t *kernel.Thread) int {
	if st, ok := e.threads[t]; ok {
		return st.pc
	}
	return -1
}

// Run executes ops for t, which core has just dispatched, until budget
// units are spent or t stops running on core. It returns the units used,
// at least one.
func (e *Executor) Run(core int, t *kernel.Thread, budget int) (int, error) {
	st, err := e.state(t)
	if err != nil {
		return 1, err
	}
	if st.blocked {
		e.complete(core, t, st)
	}

	used := 0
	for used < budget {
		if st.relock != 0 {
			done, err := e.relock(core, t, st)
			if err != nil {
				return used + 1, e.fault(core, t, err)
			}
			used++
			if !done {
				break
			}
			continue
		}
		if st.pc >= len(st.prog.Ops) {
			used++
			if err := e.exit(core, t, Op{Code: OpExit}); err != nil {
				return used, err
			}
			break
		}

		n, err := e.step(core, t, st, st.prog.Ops[st.pc], budget-used)
		used += n
		if err != nil {
			if kernel.IsFault(err) {
				return used, e.fault(core, t, err)
			}
			return used, err
		}
		if !e.running(core, t) || e.k.Scheduler(core).ReschedulePending() {
			break
		}
	}
	if used == 0 {
		used = 1
	}
	return used, nil
}

func (e *Executor) state(t *kernel.Thread) (*threadState, error) {
	if st, ok := e.threads[t]; ok {
		return st, nil
	}
	img, ok := e.images[t.Owner()]
	if !ok {
		return nil, fmt.Errorf("guest: process %q has no image", t.Owner().Name())
	}
	prog, ok := img.ProgramAt(t.EntryPoint())
	if !ok {
		return nil, fmt.Errorf("%w 0x%x (thread %d)", ErrNoProgram, t.EntryPoint(), t.ID())
	}
	st := &threadState{img: img, prog: prog, loops: map[int]int64{}}
	e.threads[t] = st
	return st, nil
}

func (e *Executor) running(core int, t *kernel.Thread) bool {
	return t.Status() == kernel.StatusRunning && e.k.CurrentThread(core) == t
}

func (e *Executor) svc(core int, t *kernel.Thread, num kernel.SVC, args ...uint64) error {
	copy(t.Context.X[:], args)
	return e.k.CallSVC(core, num)
}

func result(t *kernel.Thread) kernel.Result { return kernel.Result(uint32(t.Context.X[0])) }

func timeoutArg(d time.Duration) uint64 {
	if d < 0 {
		return ^uint64(0)
	}
	return uint64(d)
}

func (e *Executor) record(core int, t *kernel.Thread, op Op, res kernel.Result, index int, reply string) {
	ev := Event{
		At:     e.now(),
		Core:   core,
		Thread: t.ID(),
		Name:   t.Name(),
		Op:     op,
		Result: res,
		Index:  index,
		Reply:  reply,
	}
	if len(e.trace) >= maxTrace {
		n := copy(e.trace, e.trace[maxTrace/2:])
		e.trace = e.trace[:n]
	}
	e.trace = append(e.trace, ev)
	if e.OnEvent != nil {
		e.OnEvent(ev)
	}
}

// done records op as completed with res and moves to the next op.
func (e *Executor) done(core int, t *kernel.Thread, st *threadState, op Op, res kernel.Result) {
	e.record(core, t, op, res, -1, "")
	st.pc++
}

// complete finishes the op t blocked in, now that the kernel resolved its
// wakeup into the registers.
func (e *Executor) complete(core int, t *kernel.Thread, st *threadState) {
	st.blocked = false
	op := st.prog.Ops[st.pc]
	res := result(t)
	index := -1
	reply := ""
	switch op.Code {
	case OpSleep:
		res = kernel.ResultSuccess
	case OpWait:
		if res.IsSuccess() && !op.All {
			index = int(t.Context.X[1])
		}
	case OpCondWait:
		if res == kernel.ResultTimeout {
			st.relock, _ = st.img.Addr(op.Addr)
		}
	case OpRequest:
		buf := make([]byte, kernel.MaxMessageBytes)
		if err := t.ReadTLS(0, buf); err == nil {
			reply = strings.TrimRight(string(buf), "\x00")
		}
	}
	e.record(core, t, op, res, index, reply)
	st.pc++
}

func (e *Executor) afterCall(core int, t *kernel.Thread, st *threadState, op Op) {
	if t.Status().IsWaiting() {
		st.blocked = true
		return
	}
	e.done(core, t, st, op, result(t))
}

func (e *Executor) handle(st *threadState, name string) (kernel.Handle, error) {
	h, ok := st.img.Handle(name)
	if !ok {
		return 0, fmt.Errorf("guest: %s: unknown object %q", st.prog.Name, name)
	}
	return h, nil
}

func (e *Executor) addr(st *threadState, name string) (uint64, error) {
	a, ok := st.img.Addr(name)
	if !ok {
		return 0, fmt.Errorf("guest: %s: unknown word %q", st.prog.Name, name)
	}
	return a, nil
}

func (e *Executor) step(core int, t *kernel.Thread, st *threadState, op Op, avail int) (int, error) {
	self := uint64(kernel.CurrentThreadHandle)

	switch op.Code {
	case OpWork:
		if st.workLeft == 0 {
			st.workLeft = op.N
		}
		n := min(st.workLeft, int64(avail))
		if n <= 0 {
			st.workLeft = 0
			e.done(core, t, st, op, kernel.ResultSuccess)
			return 1, nil
		}
		st.workLeft -= n
		if st.workLeft == 0 {
			e.done(core, t, st, op, kernel.ResultSuccess)
		}
		return int(n), nil

	case OpYield:
		ns := kernel.YieldWithoutLoadBalancing
		if op.All {
			ns = kernel.YieldWithLoadBalancing
		}
		if err := e.svc(core, t, kernel.SVCSleepThread, uint64(ns)); err != nil {
			return 1, err
		}
		e.done(core, t, st, op, kernel.ResultSuccess)

	case OpSleep:
		if err := e.svc(core, t, kernel.SVCSleepThread, uint64(max(op.Timeout, 0))); err != nil {
			return 1, err
		}
		if t.Status().IsWaiting() {
			st.blocked = true
		} else {
			e.done(core, t, st, op, kernel.ResultSuccess)
		}

	case OpLock:
		a, err := e.addr(st, op.Addr)
		if err != nil {
			return 1, err
		}
		s, res, err := e.lock(core, t, a)
		if err != nil {
			return 1, err
		}
		if s != lockBlocked {
			e.done(core, t, st, op, res)
		}

	case OpUnlock:
		a, err := e.addr(st, op.Addr)
		if err != nil {
			return 1, err
		}
		res, err := e.unlock(core, t, a)
		if err != nil {
			return 1, err
		}
		e.done(core, t, st, op, res)

	case OpWait:
		raw := make([]byte, 4*len(op.Objects))
		for i, name := range op.Objects {
			h, err := e.handle(st, name)
			if err != nil {
				return 1, err
			}
			binary.LittleEndian.PutUint32(raw[4*i:], uint32(h))
		}
		if err := t.WriteTLS(handleListOffset, raw); err != nil {
			return 1, err
		}
		var flags uint64
		if op.All {
			flags = kernel.WaitAllFlag
		}
		list := t.TLSAddress() + handleListOffset
		if err := e.svc(core, t, kernel.SVCWaitSynchronization, 0, list, uint64(len(op.Objects)), timeoutArg(op.Timeout), flags); err != nil {
			return 1, err
		}
		if t.Status().IsWaiting() {
			st.blocked = true
			break
		}
		index := -1
		res := result(t)
		if res.IsSuccess() && !op.All {
			index = int(t.Context.X[1])
		}
		e.record(core, t, op, res, index, "")
		st.pc++

	case OpSignal, OpClear, OpRelease, OpRequest:
		if len(op.Objects) == 0 {
			return 1, fmt.Errorf("guest: %s: %v without object at %d", st.prog.Name, op.Code, st.pc)
		}
		h, err := e.handle(st, op.Objects[0])
		if err != nil {
			return 1, err
		}
		switch op.Code {
		case OpSignal:
			err = e.svc(core, t, kernel.SVCSignalEvent, uint64(h))
		case OpClear:
			err = e.svc(core, t, kernel.SVCClearEvent, uint64(h))
		case OpRelease:
			err = e.svc(core, t, kernel.SVCReleaseSemaphore, uint64(h), uint64(op.N))
		case OpRequest:
			buf := make([]byte, kernel.MaxMessageBytes)
			copy(buf, op.Text)
			if err := t.WriteTLS(0, buf); err != nil {
				return 1, err
			}
			err = e.svc(core, t, kernel.SVCSendSyncRequest, uint64(h))
		}
		if err != nil {
			return 1, err
		}
		e.afterCall(core, t, st, op)

	case OpCondWait:
		m, err := e.addr(st, op.Addr)
		if err != nil {
			return 1, err
		}
		cv, err := e.addr(st, op.Cond)
		if err != nil {
			return 1, err
		}
		if err := e.svc(core, t, kernel.SVCWaitProcessWideKeyAtomic, m, cv, uint64(t.GuestHandle()), timeoutArg(op.Timeout)); err != nil {
			return 1, err
		}
		e.afterCall(core, t, st, op)

	case OpCondSignal:
		cv, err := e.addr(st, op.Cond)
		if err != nil {
			return 1, err
		}
		if err := e.svc(core, t, kernel.SVCSignalProcessWideKey, cv, uint64(uint32(int32(op.N)))); err != nil {
			return 1, err
		}
		e.done(core, t, st, op, kernel.ResultSuccess)

	case OpArbWait:
		a, err := e.addr(st, op.Addr)
		if err != nil {
			return 1, err
		}
		if err := e.svc(core, t, kernel.SVCWaitForAddress, a, uint64(op.M), uint64(uint32(int32(op.N))), timeoutArg(op.Timeout)); err != nil {
			return 1, err
		}
		e.afterCall(core, t, st, op)

	case OpArbSignal:
		a, err := e.addr(st, op.Addr)
		if err != nil {
			return 1, err
		}
		if err := e.svc(core, t, kernel.SVCSignalToAddress, a, uint64(op.M), uint64(uint32(int32(op.N))), uint64(uint32(int32(op.Value)))); err != nil {
			return 1, err
		}
		e.done(core, t, st, op, result(t))

	case OpSetPriority:
		if err := e.svc(core, t, kernel.SVCSetThreadPriority, self, uint64(op.N)); err != nil {
			return 1, err
		}
		e.done(core, t, st, op, result(t))

	case OpSetCore:
		if err := e.svc(core, t, kernel.SVCSetThreadCoreMask, self, uint64(uint32(int32(op.N))), uint64(op.M)); err != nil {
			return 1, err
		}
		e.done(core, t, st, op, result(t))

	case OpSpawn:
		res, err := e.spawn(core, t, st, op)
		if err != nil {
			return 1, err
		}
		e.done(core, t, st, op, res)

	case OpLog:
		e.logf("guest: %s: %s", t.Name(), op.Text)
		e.done(core, t, st, op, kernel.ResultSuccess)

	case OpJump:
		e.jump(st, op)

	case OpExit:
		return 1, e.exit(core, t, op)

	default:
		return 1, fmt.Errorf("guest: %s: bad op %v at %d", st.prog.Name, op.Code, st.pc)
	}
	return 1, nil
}

func (e *Executor) jump(st *threadState, op Op) {
	if op.M == 0 {
		st.pc = int(op.N)
		return
	}
	left, seen := st.loops[st.pc]
	if !seen {
		left = op.M
	}
	if left > 0 {
		st.loops[st.pc] = left - 1
		st.pc = int(op.N)
		return
	}
	delete(st.loops, st.pc)
	st.pc++
}

func (e *Executor) spawn(core int, t *kernel.Thread, st *threadState, op Op) (kernel.Result, error) {
	entry, ok := st.img.Entry(op.Text)
	if !ok {
		return 0, fmt.Errorf("guest: %s: unknown program %q", st.prog.Name, op.Text)
	}
	err := e.svc(core, t, kernel.SVCCreateThread, 0, entry, 0, st.img.StackTop(), uint64(op.N), uint64(uint32(int32(op.M))))
	if err != nil {
		return 0, err
	}
	if res := result(t); !res.IsSuccess() {
		return res, nil
	}
	h := kernel.Handle(t.Context.X[1])
	if len(op.Objects) > 0 {
		st.img.Bind(op.Objects[0], h)
	}
	if err := e.svc(core, t, kernel.SVCStartThread, uint64(h)); err != nil {
		return 0, err
	}
	return result(t), nil
}

func (e *Executor) exit(core int, t *kernel.Thread, op Op) error {
	e.record(core, t, op, kernel.ResultSuccess, -1, "")
	delete(e.threads, t)
	return e.svc(core, t, kernel.SVCExitThread)
}

// fault kills a thread that touched unmapped memory.
func (e *Executor) fault(core int, t *kernel.Thread, err error) error {
	if !kernel.IsFault(err) {
		return err
	}
	e.logf("guest: %s: %v", t.Name(), err)
	e.record(core, t, Op{Code: OpExit, Text: err.Error()}, kernel.ResultInvalidMemoryState, -1, "")
	delete(e.threads, t)
	e.k.Locked(t.Stop)
	return nil
}

func (e *Executor) relock(core int, t *kernel.Thread, st *threadState) (bool, error) {
	s, _, err := e.lock(core, t, st.relock)
	if err != nil {
		return false, err
	}
	if s == lockBlocked {
		return false, nil
	}
	st.relock = 0
	return true, nil
}

func (e *Executor) logf(format string, args ...any) {
	if e.log == nil {
		return
	}
	e.log.WriteLineString(fmt.Sprintf(format, args...))
}
