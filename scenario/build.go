package scenario

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"hzn/guest"
	"hzn/kernel"
	"hzn/memory"
)

// services are the session handlers a script can declare.
var services = map[string]func() kernel.ServiceHandler{
	"echo": func() kernel.ServiceHandler {
		return kernel.ServiceFunc(func(_ *kernel.Thread, req []byte) ([]byte, kernel.Result) {
			return trimRequest(req), kernel.ResultSuccess
		})
	},
	"upper": func() kernel.ServiceHandler {
		return kernel.ServiceFunc(func(_ *kernel.Thread, req []byte) ([]byte, kernel.Result) {
			return []byte(strings.ToUpper(string(trimRequest(req)))), kernel.ResultSuccess
		})
	},
	"reverse": func() kernel.ServiceHandler {
		return kernel.ServiceFunc(func(_ *kernel.Thread, req []byte) ([]byte, kernel.Result) {
			out := slices.Clone(trimRequest(req))
			slices.Reverse(out)
			return out, kernel.ResultSuccess
		})
	},
	"counter": func() kernel.ServiceHandler {
		var n int
		return kernel.ServiceFunc(func(*kernel.Thread, []byte) ([]byte, kernel.Result) {
			n++
			return fmt.Appendf(nil, "%d", n), kernel.ResultSuccess
		})
	},
}

func trimRequest(req []byte) []byte {
	if i := slices.Index(req, 0); i >= 0 {
		return req[:i]
	}
	return req
}

// validate checks what the script alone can tell: every thread runs a
// declared program and every spawned program exists.
func (s *Spec) validate() error {
	if len(s.Threads) == 0 {
		return errors.New("no threads")
	}
	for _, t := range s.Threads {
		if s.program(t.Program) == nil {
			return fmt.Errorf("thread %q runs unknown program %q", t.Name, t.Program)
		}
	}
	for _, p := range s.Programs {
		for _, n := range p.Names()["program"] {
			if s.program(n) == nil {
				return fmt.Errorf("%s: spawn of unknown program %q", p.Name, n)
			}
		}
	}
	return nil
}

// Scenario is a built Spec: a guest process with its objects and threads.
type Scenario struct {
	Spec    *Spec
	Image   *guest.Image
	Threads []*kernel.Thread
	Objects map[string]kernel.Object
}

// Build creates the scenario's process in k, declares its objects and data
// words, attaches its programs to exec and starts its threads. It takes the
// kernel lock.
func (s *Spec) Build(k *kernel.Kernel, exec *guest.Executor) (*Scenario, error) {
	var (
		sc  *Scenario
		err error
	)
	k.Locked(func() { sc, err = s.build(k) })
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	exec.Attach(sc.Image)
	return sc, nil
}

func (s *Spec) build(k *kernel.Kernel) (*Scenario, error) {
	p := k.CreateProcess(s.Name, memory.NewSparse(), 0)
	img := guest.NewImage(p)
	sc := &Scenario{Spec: s, Image: img, Objects: map[string]kernel.Object{}}

	for _, w := range s.Words {
		if _, err := img.Alloc(w.Name, w.Initial); err != nil {
			return nil, err
		}
	}
	for _, o := range s.Objects {
		obj, err := newObject(k, o)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", o.Kind, o.Name, err)
		}
		h, res := p.Handles().Create(obj)
		if !res.IsSuccess() {
			return nil, fmt.Errorf("%s %q: %w", o.Kind, o.Name, res)
		}
		img.Bind(o.Name, h)
		sc.Objects[o.Name] = obj
	}
	for _, prog := range s.Programs {
		if _, err := img.AddProgram(prog); err != nil {
			return nil, err
		}
	}

	spawned := map[string]bool{}
	for _, t := range s.Threads {
		spawned[t.Name] = true
	}
	for _, prog := range s.Programs {
		for _, op := range prog.Ops {
			if op.Code == guest.OpSpawn && len(op.Objects) > 0 {
				spawned[op.Objects[0]] = true
			}
		}
	}
	for _, prog := range s.Programs {
		if err := img.Check(prog, spawned); err != nil {
			return nil, err
		}
	}

	for _, decl := range s.Threads {
		entry, _ := img.Entry(decl.Program)
		th, err := k.CreateThread(p, decl.Name, entry, decl.Priority, 0, decl.Core, img.StackTop())
		if err != nil {
			return nil, fmt.Errorf("thread %q: %w", decl.Name, err)
		}
		img.Bind(decl.Name, th.GuestHandle())
		sc.Threads = append(sc.Threads, th)
	}
	for _, th := range sc.Threads {
		if res := th.Start(); !res.IsSuccess() {
			return nil, fmt.Errorf("start %q: %w", th.Name(), res)
		}
	}
	return sc, nil
}

func newObject(k *kernel.Kernel, o Object) (kernel.Object, error) {
	switch o.Kind {
	case KindEvent:
		e := k.NewEvent(o.Name, o.Reset)
		if o.Signaled {
			e.Signal()
		}
		return e, nil
	case KindSemaphore:
		sem, res := k.NewSemaphore(o.Name, o.Initial, o.Max)
		if !res.IsSuccess() {
			return nil, res
		}
		return sem, nil
	case KindTimer:
		tm := k.NewTimer(o.Name, o.Reset)
		if res := tm.Set(o.Delay, o.Period); !res.IsSuccess() {
			return nil, res
		}
		return tm, nil
	case KindService:
		mk, ok := services[o.Service]
		if !ok {
			return nil, fmt.Errorf("unknown service %q", o.Service)
		}
		return k.NewSession(o.Name, mk()), nil
	default:
		return nil, fmt.Errorf("unknown kind %v", o.Kind)
	}
}
