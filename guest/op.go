// Package guest runs small scripted guest programs on emulated threads.
//
// A program is a flat list of ops. The executor plays the part of the CPU
// core: it interprets ops for the thread a core dispatched, performs the
// user-mode halves of the synchronization primitives directly on guest
// memory and enters the kernel through the SVC dispatch table for the rest.
package guest

import (
	"fmt"
	"time"
)

// OpCode selects what an Op does.
type OpCode uint8

const (
	OpWork        OpCode = iota + 1 // burn N budget units
	OpYield                         // SleepThread(0), or -1 when All is set
	OpSleep                         // SleepThread(Timeout)
	OpLock                          // user mutex at Addr
	OpUnlock                        // user mutex at Addr
	OpWait                          // WaitSynchronization(Objects, All, Timeout)
	OpSignal                        // SignalEvent(Objects[0])
	OpClear                         // ClearEvent(Objects[0])
	OpRelease                       // ReleaseSemaphore(Objects[0], N)
	OpCondWait                      // WaitProcessWideKeyAtomic(Addr, Cond, Timeout)
	OpCondSignal                    // SignalProcessWideKey(Cond, N)
	OpArbWait                       // WaitForAddress(Addr, M, N, Timeout)
	OpArbSignal                     // SignalToAddress(Addr, M, N, count Value)
	OpSetPriority                   // SetThreadPriority(self, N)
	OpSetCore                       // SetThreadCoreMask(self, N, M)
	OpSpawn                         // CreateThread(Text program, N prio, M core) + StartThread, handle bound to Objects[0]
	OpRequest                       // SendSyncRequest(Objects[0]) with Text as payload
	OpLog                           // log Text
	OpJump                          // jump to N, M more times (0 = forever)
	OpExit                          // ExitThread
)

var opNames = [...]string{
	OpWork:        "work",
	OpYield:       "yield",
	OpSleep:       "sleep",
	OpLock:        "lock",
	OpUnlock:      "unlock",
	OpWait:        "wait",
	OpSignal:      "signal",
	OpClear:       "clear",
	OpRelease:     "release",
	OpCondWait:    "condwait",
	OpCondSignal:  "condsignal",
	OpArbWait:     "arbwait",
	OpArbSignal:   "arbsignal",
	OpSetPriority: "setpriority",
	OpSetCore:     "setcore",
	OpSpawn:       "spawn",
	OpRequest:     "request",
	OpLog:         "log",
	OpJump:        "jump",
	OpExit:        "exit",
}

func (c OpCode) String() string {
	if int(c) < len(opNames) && opNames[c] != "" {
		return opNames[c]
	}
	return fmt.Sprintf("op(%d)", uint8(c))
}

// Op is one guest instruction. Fields are interpreted per OpCode.
type Op struct {
	Code    OpCode
	Objects []string
	Addr    string
	Cond    string
	N       int64
	M       int64
	Value   int64
	All     bool
	Timeout time.Duration
	Text    string
}

func (op Op) String() string {
	switch op.Code {
	case OpWork, OpSetPriority, OpRelease:
		return fmt.Sprintf("%s %d", op.Code, op.N)
	case OpLock, OpUnlock:
		return fmt.Sprintf("%s %s", op.Code, op.Addr)
	case OpWait, OpSignal, OpClear, OpRequest:
		return fmt.Sprintf("%s %v", op.Code, op.Objects)
	case OpCondWait:
		return fmt.Sprintf("%s %s/%s", op.Code, op.Addr, op.Cond)
	case OpSpawn:
		return fmt.Sprintf("%s %s", op.Code, op.Text)
	default:
		return op.Code.String()
	}
}

// Program is a named op list. Threads whose entry point resolves to the
// program start at its first op.
type Program struct {
	Name string
	Ops  []Op
}

// Forever is the timeout for waits that never time out.
const Forever time.Duration = -1

// Names returns every object, address and program name the program refers
// to, keyed by kind ("object", "addr", "program").
func (p *Program) Names() map[string][]string {
	out := map[string][]string{}
	for _, op := range p.Ops {
		switch op.Code {
		case OpSpawn:
			out["program"] = append(out["program"], op.Text)
		case OpWait, OpSignal, OpClear, OpRelease, OpRequest:
			out["object"] = append(out["object"], op.Objects...)
		}
		if op.Addr != "" {
			out["addr"] = append(out["addr"], op.Addr)
		}
		if op.Cond != "" {
			out["addr"] = append(out["addr"], op.Cond)
		}
	}
	return out
}
