package scenario

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"hzn/guest"
	"hzn/kernel"
)

// node is what op builders hand back to the script: a single op or a
// repeated block.
type node struct {
	op    guest.Op
	body  []*node
	loop  bool
	times int64 // 0 repeats forever
}

type parser struct {
	spec *Spec
}

// Parse evaluates a scenario script.
func Parse(name, src string) (*Spec, error) {
	return ParseContext(context.Background(), name, src)
}

// ParseContext evaluates a scenario script, aborting when ctx is done.
func ParseContext(ctx context.Context, name, src string) (*Spec, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	p := &parser{spec: &Spec{Name: name}}
	p.register(L)
	if err := L.DoString(src); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", name, err)
	}
	if err := p.spec.validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", name, err)
	}
	return p.spec, nil
}

func (p *parser) register(L *lua.LState) {
	fns := map[string]lua.LGFunction{
		"cores":     p.cores,
		"slice":     p.slice,
		"tick":      p.tick,
		"word":      p.word,
		"mutex":     p.word,
		"condvar":   p.word,
		"event":     p.event,
		"semaphore": p.semaphore,
		"timer":     p.timer,
		"service":   p.service,
		"program":   p.program,
		"thread":    p.thread,

		"work":        opWork,
		"yield":       opYield,
		"sleep":       opSleep,
		"lock":        opAddr(guest.OpLock),
		"unlock":      opAddr(guest.OpUnlock),
		"wait":        opWait(false),
		"waitall":     opWait(true),
		"signal":      opObject(guest.OpSignal),
		"clear":       opObject(guest.OpClear),
		"release":     opRelease,
		"condwait":    opCondWait,
		"condsignal":  opCondSignal,
		"arbwait":     opArbWait,
		"arbsignal":   opArbSignal,
		"setpriority": opSetPriority,
		"setcore":     opSetCore,
		"spawn":       opSpawn,
		"request":     opRequest,
		"log":         opLog,
		"exit":        opExit,
		"loop":        opLoop,
		"forever":     opForever,
	}
	for name, fn := range fns {
		L.SetGlobal(name, L.NewFunction(fn))
	}
}

// Declarations.

func (p *parser) cores(L *lua.LState) int {
	n := L.CheckInt(1)
	if n < 1 || n > 64 {
		L.ArgError(1, "cores must be in 1..64")
	}
	p.spec.Cores = n
	return 0
}

func (p *parser) slice(L *lua.LState) int {
	n := L.CheckInt(1)
	if n < 1 {
		L.ArgError(1, "slice must be positive")
	}
	p.spec.Slice = n
	return 0
}

func (p *parser) tick(L *lua.LState) int {
	d := millis(L, 1)
	if d <= 0 {
		L.ArgError(1, "tick must be positive")
	}
	p.spec.Tick = d
	return 0
}

func (p *parser) fresh(L *lua.LState, name string) {
	if name == "" {
		L.ArgError(1, "empty name")
	}
	if p.spec.declared(name) {
		L.RaiseError("%q declared twice", name)
	}
}

func (p *parser) word(L *lua.LState) int {
	name := L.CheckString(1)
	p.fresh(L, name)
	p.spec.Words = append(p.spec.Words, Word{Name: name, Initial: uint32(L.OptInt64(2, 0))})
	return 0
}

func (p *parser) event(L *lua.LState) int {
	name := L.CheckString(1)
	p.fresh(L, name)
	p.spec.Objects = append(p.spec.Objects, Object{
		Kind:     KindEvent,
		Name:     name,
		Reset:    resetType(L, 2),
		Signaled: L.OptBool(3, false),
	})
	return 0
}

func (p *parser) semaphore(L *lua.LState) int {
	name := L.CheckString(1)
	p.fresh(L, name)
	initial := L.CheckInt(2)
	maxCount := L.OptInt(3, initial)
	p.spec.Objects = append(p.spec.Objects, Object{
		Kind:    KindSemaphore,
		Name:    name,
		Initial: int32(initial),
		Max:     int32(maxCount),
	})
	return 0
}

func (p *parser) timer(L *lua.LState) int {
	name := L.CheckString(1)
	p.fresh(L, name)
	delay := millis(L, 2)
	var period time.Duration
	if L.GetTop() >= 3 && L.Get(3) != lua.LNil {
		period = millis(L, 3)
	}
	if delay < 0 || period < 0 {
		L.ArgError(2, "timer durations must not be negative")
	}
	p.spec.Objects = append(p.spec.Objects, Object{
		Kind:   KindTimer,
		Name:   name,
		Reset:  resetType(L, 4),
		Delay:  delay,
		Period: period,
	})
	return 0
}

func (p *parser) service(L *lua.LState) int {
	name := L.CheckString(1)
	p.fresh(L, name)
	kind := L.OptString(2, "echo")
	if _, ok := services[kind]; !ok {
		L.ArgError(2, fmt.Sprintf("unknown service %q", kind))
	}
	p.spec.Objects = append(p.spec.Objects, Object{Kind: KindService, Name: name, Service: kind})
	return 0
}

func (p *parser) program(L *lua.LState) int {
	name := L.CheckString(1)
	if p.spec.program(name) != nil {
		L.RaiseError("program %q declared twice", name)
	}
	body := nodes(L, 2)
	p.spec.Programs = append(p.spec.Programs, &guest.Program{Name: name, Ops: flatten(body, nil)})
	return 0
}

func (p *parser) thread(L *lua.LState) int {
	name := L.CheckString(1)
	p.fresh(L, name)
	prog := L.OptString(2, name)
	prio := L.OptInt(3, int(kernel.PriorityDefault))
	if prio < 0 || prio > int(kernel.PriorityLowest) {
		L.ArgError(3, "priority must be in 0..63")
	}
	core := L.OptInt(4, int(kernel.ProcessorIDDefault))
	p.spec.Threads = append(p.spec.Threads, ThreadDecl{
		Name:     name,
		Program:  prog,
		Priority: uint32(prio),
		Core:     int32(core),
	})
	return 0
}

// Op builders.

func push(L *lua.LState, n *node) int {
	ud := L.NewUserData()
	ud.Value = n
	L.Push(ud)
	return 1
}

func pushOp(L *lua.LState, op guest.Op) int { return push(L, &node{op: op}) }

func opWork(L *lua.LState) int {
	n := L.CheckInt64(1)
	if n <= 0 {
		L.ArgError(1, "work must be positive")
	}
	return pushOp(L, guest.Op{Code: guest.OpWork, N: n})
}

func opYield(L *lua.LState) int {
	return pushOp(L, guest.Op{Code: guest.OpYield, All: L.OptString(1, "") == "balance"})
}

func opSleep(L *lua.LState) int {
	d := millis(L, 1)
	if d < 0 {
		L.ArgError(1, "sleep must not be negative")
	}
	return pushOp(L, guest.Op{Code: guest.OpSleep, Timeout: d})
}

func opAddr(code guest.OpCode) lua.LGFunction {
	return func(L *lua.LState) int {
		return pushOp(L, guest.Op{Code: code, Addr: L.CheckString(1)})
	}
}

func opObject(code guest.OpCode) lua.LGFunction {
	return func(L *lua.LState) int {
		return pushOp(L, guest.Op{Code: code, Objects: []string{L.CheckString(1)}})
	}
}

func opWait(all bool) lua.LGFunction {
	return func(L *lua.LState) int {
		return pushOp(L, guest.Op{
			Code:    guest.OpWait,
			Objects: names(L, 1),
			All:     all,
			Timeout: timeout(L, 2),
		})
	}
}

func opRelease(L *lua.LState) int {
	return pushOp(L, guest.Op{
		Code:    guest.OpRelease,
		Objects: []string{L.CheckString(1)},
		N:       L.OptInt64(2, 1),
	})
}

func opCondWait(L *lua.LState) int {
	return pushOp(L, guest.Op{
		Code:    guest.OpCondWait,
		Addr:    L.CheckString(1),
		Cond:    L.CheckString(2),
		Timeout: timeout(L, 3),
	})
}

func opCondSignal(L *lua.LState) int {
	return pushOp(L, guest.Op{Code: guest.OpCondSignal, Cond: L.CheckString(1), N: L.OptInt64(2, 1)})
}

var arbitrationTypes = map[string]kernel.ArbitrationType{
	"less":      kernel.ArbitrationWaitIfLessThan,
	"decrement": kernel.ArbitrationDecrementAndWaitIfLessThan,
	"equal":     kernel.ArbitrationWaitIfEqual,
}

var signalTypes = map[string]kernel.SignalType{
	"signal":    kernel.SignalTypeSignal,
	"increment": kernel.SignalTypeIncrementIfEqual,
	"modify":    kernel.SignalTypeModifyByWaitingCountIfEqual,
}

func opArbWait(L *lua.LState) int {
	typ, ok := arbitrationTypes[L.CheckString(2)]
	if !ok {
		L.ArgError(2, "want less, decrement or equal")
	}
	return pushOp(L, guest.Op{
		Code:    guest.OpArbWait,
		Addr:    L.CheckString(1),
		M:       int64(typ),
		N:       L.CheckInt64(3),
		Timeout: timeout(L, 4),
	})
}

func opArbSignal(L *lua.LState) int {
	typ, ok := signalTypes[L.CheckString(2)]
	if !ok {
		L.ArgError(2, "want signal, increment or modify")
	}
	return pushOp(L, guest.Op{
		Code:  guest.OpArbSignal,
		Addr:  L.CheckString(1),
		M:     int64(typ),
		N:     L.OptInt64(3, 0),
		Value: L.OptInt64(4, -1),
	})
}

func opSetPriority(L *lua.LState) int {
	return pushOp(L, guest.Op{Code: guest.OpSetPriority, N: L.CheckInt64(1)})
}

func opSetCore(L *lua.LState) int {
	core := L.CheckInt64(1)
	mask := L.OptInt64(2, 0)
	if mask == 0 && core >= 0 {
		mask = 1 << core
	}
	return pushOp(L, guest.Op{Code: guest.OpSetCore, N: core, M: mask})
}

func opSpawn(L *lua.LState) int {
	return pushOp(L, guest.Op{
		Code:    guest.OpSpawn,
		Objects: []string{L.CheckString(1)},
		Text:    L.CheckString(2),
		N:       L.OptInt64(3, int64(kernel.PriorityDefault)),
		M:       L.OptInt64(4, int64(kernel.ProcessorIDDefault)),
	})
}

func opRequest(L *lua.LState) int {
	text := L.OptString(2, "")
	if len(text) > kernel.MaxMessageBytes {
		L.ArgError(2, "request larger than the command buffer")
	}
	return pushOp(L, guest.Op{Code: guest.OpRequest, Objects: []string{L.CheckString(1)}, Text: text})
}

func opLog(L *lua.LState) int {
	return pushOp(L, guest.Op{Code: guest.OpLog, Text: L.CheckString(1)})
}

func opExit(L *lua.LState) int { return pushOp(L, guest.Op{Code: guest.OpExit}) }

func opLoop(L *lua.LState) int {
	times := L.CheckInt64(1)
	if times < 1 {
		L.ArgError(1, "loop count must be positive")
	}
	body := nodes(L, 2)
	if len(body) == 0 {
		L.ArgError(2, "empty loop body")
	}
	return push(L, &node{body: body, loop: true, times: times})
}

func opForever(L *lua.LState) int {
	body := nodes(L, 1)
	if len(body) == 0 {
		L.ArgError(1, "empty loop body")
	}
	return push(L, &node{body: body, loop: true})
}

// Argument helpers.

func millis(L *lua.LState, n int) time.Duration {
	return time.Duration(float64(L.CheckNumber(n)) * float64(time.Millisecond))
}

// timeout reads an optional millisecond timeout; nil waits forever.
func timeout(L *lua.LState, n int) time.Duration {
	if L.GetTop() < n || L.Get(n) == lua.LNil {
		return guest.Forever
	}
	d := millis(L, n)
	if d < 0 {
		return guest.Forever
	}
	return d
}

func resetType(L *lua.LState, n int) kernel.ResetType {
	switch s := L.OptString(n, "oneshot"); s {
	case "oneshot":
		return kernel.ResetOneShot
	case "sticky":
		return kernel.ResetSticky
	case "pulse":
		return kernel.ResetPulse
	default:
		L.ArgError(n, fmt.Sprintf("unknown reset type %q", s))
		return 0
	}
}

func names(L *lua.LState, n int) []string {
	switch v := L.Get(n).(type) {
	case lua.LString:
		return []string{string(v)}
	case *lua.LTable:
		out := make([]string, 0, v.Len())
		for i := 1; i <= v.Len(); i++ {
			s, ok := v.RawGetInt(i).(lua.LString)
			if !ok {
				L.ArgError(n, "object list must hold names")
			}
			out = append(out, string(s))
		}
		return out
	default:
		L.ArgError(n, "want a name or a list of names")
		return nil
	}
}

func nodes(L *lua.LState, n int) []*node {
	tbl := L.CheckTable(n)
	out := make([]*node, 0, tbl.Len())
	for i := 1; i <= tbl.Len(); i++ {
		ud, ok := tbl.RawGetInt(i).(*lua.LUserData)
		if !ok {
			L.ArgError(n, fmt.Sprintf("element %d is not an op", i))
		}
		nd, ok := ud.Value.(*node)
		if !ok {
			L.ArgError(n, fmt.Sprintf("element %d is not an op", i))
		}
		out = append(out, nd)
	}
	return out
}

// flatten lays nodes out as a flat op list, turning loops into jumps back
// to the start of their body.
func flatten(nodes []*node, out []guest.Op) []guest.Op {
	for _, n := range nodes {
		if !n.loop {
			out = append(out, n.op)
			continue
		}
		start := len(out)
		out = flatten(n.body, out)
		switch {
		case n.times == 0:
			out = append(out, guest.Op{Code: guest.OpJump, N: int64(start)})
		case n.times > 1:
			out = append(out, guest.Op{Code: guest.OpJump, N: int64(start), M: n.times - 1})
		}
	}
	return out
}
