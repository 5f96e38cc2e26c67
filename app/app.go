// Package app runs a scenario on the emulated cores and keeps its wait
// tree on screen.
package app

import (
	"fmt"
	"time"

	"hzn/debugger/termview"
	"hzn/debugger/waittree"
	"hzn/guest"
	"hzn/hal"
	"hzn/kernel"
	"hzn/scenario"
	"hzn/system"
)

// maxStepsPerFrame bounds how far the emulator catches up after a stall of
// the host loop.
const maxStepsPerFrame = 64

type Config struct {
	// Scenario is a Lua scenario file; empty runs the built-in one.
	Scenario string
	// Cores overrides the scenario's core count when non-zero.
	Cores int
	// Speed is the number of emulator ticks per host millisecond.
	Speed int
	// Paused starts with the emulator stopped.
	Paused bool
	// Trace logs every completed guest op.
	Trace bool
	// Headless returns errors from Step instead of freezing on them and
	// quits once every thread has exited.
	Headless bool
}

// App is the host-facing state of one emulator run.
type App struct {
	h    hal.HAL
	log  hal.Logger
	cfg  Config
	view *termview.View

	spec *scenario.Spec
	sys  *system.System
	exec *guest.Executor
	sc   *scenario.Scenario

	paused  bool
	pending int
	lastSeq uint64
	tree    string
	halted  error
}

// New loads the configured scenario and builds it.
func New(h hal.HAL, cfg Config) (*App, error) {
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	a := &App{h: h, log: h.Logger(), cfg: cfg, paused: cfg.Paused}
	if d := h.Display(); d != nil {
		a.view = termview.New(d.Framebuffer())
	} else {
		a.view = termview.New(nil)
	}
	installPanicHandler(h, a.view)

	spec, err := scenario.LoadFile(cfg.Scenario)
	if err != nil {
		return nil, err
	}
	if err := a.load(spec); err != nil {
		return nil, err
	}
	return a, nil
}

// NewWithConfig returns the step function the HAL runners call once per
// host frame.
func NewWithConfig(h hal.HAL, cfg Config) func() error {
	a, err := New(h, cfg)
	if err != nil {
		return func() error { return err }
	}
	return a.Step
}

// load replaces the running system with a fresh one running spec.
func (a *App) load(spec *scenario.Spec) error {
	cores := spec.Cores
	if a.cfg.Cores > 0 {
		cores = a.cfg.Cores
	}
	sys := system.New(system.Config{
		Cores:  cores,
		Slice:  spec.Slice,
		Tick:   spec.Tick,
		Logger: a.log,
	})
	exec := guest.NewExecutor(sys.Kernel(), sys.Now, a.log)
	if a.cfg.Trace {
		exec.OnEvent = a.onEvent
	}
	sys.SetExecutor(exec)
	sc, err := spec.Build(sys.Kernel(), exec)
	if err != nil {
		return err
	}
	a.spec, a.sys, a.exec, a.sc = spec, sys, exec, sc
	a.pending, a.halted = 0, nil
	a.logf("scenario %s: %d threads on %d cores", spec.Name, len(sc.Threads), cores)
	return nil
}

func (a *App) onEvent(ev guest.Event) { a.logf("%v", ev) }

// Step handles input, runs the ticks the host clock produced since the
// last call and redraws.
func (a *App) Step() error {
	if err := a.input(); err != nil {
		return err
	}
	a.drainTicks()

	if a.halted == nil && !a.paused && !a.sys.Done() {
		for n := min(a.pending, maxStepsPerFrame); n > 0 && !a.sys.Done(); n-- {
			if err := a.tick(); err != nil {
				break
			}
		}
	}
	a.pending = 0

	if a.halted != nil {
		if a.cfg.Headless {
			return a.halted
		}
		return nil
	}
	if err := a.redraw(); err != nil {
		return err
	}
	if a.cfg.Headless && a.sys.Done() {
		return hal.ErrQuit
	}
	return nil
}

// tick runs one emulator step. A kernel panic halts the app with the
// panic screen left up.
func (a *App) tick() (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if !kernel.InPanicMode() {
			panic(r)
		}
		err = fmt.Errorf("kernel panic: %v", r)
		a.halted = err
	}()

	if _, err := a.sys.Step(); err != nil {
		a.logf("halted: %v", err)
		a.halted = err
		return err
	}
	if a.sys.Done() {
		a.logf("all threads exited at %v", a.sys.Now())
	}
	return nil
}

func (a *App) drainTicks() {
	t := a.h.Time()
	if t == nil {
		return
	}
	ch := t.Ticks()
	if ch == nil {
		return
	}
	for {
		select {
		case seq := <-ch:
			if a.lastSeq != 0 && seq > a.lastSeq {
				a.pending += int(seq-a.lastSeq) * a.cfg.Speed
			} else {
				a.pending += a.cfg.Speed
			}
			a.lastSeq = seq
		default:
			return
		}
	}
}

func (a *App) input() error {
	in := a.h.Input()
	if in == nil {
		return nil
	}
	kbd := in.Keyboard()
	if kbd == nil {
		return nil
	}
	for {
		select {
		case ev := <-kbd.Events():
			if !ev.Press {
				continue
			}
			if err := a.key(ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (a *App) key(ev hal.KeyEvent) error {
	switch {
	case ev.Code == hal.KeyEscape || ev.Rune == 'q':
		return hal.ErrQuit
	case ev.Code == hal.KeyEnter || ev.Rune == ' ':
		a.paused = !a.paused
	case ev.Code == hal.KeyRight || ev.Rune == 'n':
		if a.halted == nil && !a.sys.Done() {
			a.tick()
		}
	case ev.Rune == 'r':
		return a.reload(a.spec)
	case ev.Code == hal.KeyCopy || ev.Rune == 'c':
		a.copyTree()
	case ev.Rune == 'v':
		a.pasteScenario()
	}
	return nil
}

func (a *App) reload(spec *scenario.Spec) error {
	if kernel.InPanicMode() {
		return nil
	}
	if err := a.load(spec); err != nil {
		a.logf("reload: %v", err)
	}
	return nil
}

// copyTree puts the current wait tree on the clipboard.
func (a *App) copyTree() {
	clip := a.h.Clipboard()
	if clip == nil || a.halted != nil {
		return
	}
	if err := clip.WriteText(a.snapshot().Render(0)); err != nil {
		a.logf("copy: %v", err)
		return
	}
	a.logf("wait tree copied")
}

// pasteScenario replaces the running scenario with a script taken from
// the clipboard.
func (a *App) pasteScenario() {
	clip := a.h.Clipboard()
	if clip == nil {
		return
	}
	src, err := clip.ReadText()
	if err != nil {
		a.logf("paste: %v", err)
		return
	}
	spec, err := scenario.Parse("clipboard", src)
	if err != nil {
		a.logf("paste: %v", err)
		return
	}
	a.reload(spec)
}

func (a *App) snapshot() waittree.Snapshot {
	return waittree.Take(a.sys.Kernel(), waittree.Options{
		Now:      a.sys.Now,
		PC:       a.exec.PC,
		AddrName: a.addrName,
	})
}

func (a *App) addrName(p *kernel.Process, addr uint64) string {
	if a.sc == nil || a.sc.Image.Process != p {
		return ""
	}
	return a.sc.Image.NameOf(addr)
}

func (a *App) redraw() error {
	a.tree = a.snapshot().Render(a.view.Columns())
	if _, err := a.view.Show(a.tree); err != nil {
		return err
	}
	if d := a.h.Display(); d != nil {
		d.SetStatus(a.status())
	}
	return nil
}

func (a *App) status() string {
	st := a.sys.Stats()
	state := "running"
	switch {
	case a.sys.Done():
		state = "finished"
	case a.paused:
		state = "paused"
	}
	return fmt.Sprintf("%s  %s  t=%v  ticks=%d  idle=%d  cores=%d",
		a.spec.Name, state, a.sys.Now().Round(time.Microsecond), st.Ticks, st.IdleTicks, a.sys.Kernel().Cores())
}

// Tree returns the wait tree drawn by the last Step.
func (a *App) Tree() string { return a.tree }

// Halted returns the error that stopped the emulator, if any.
func (a *App) Halted() error { return a.halted }

// System returns the running system.
func (a *App) System() *system.System { return a.sys }

func (a *App) logf(format string, args ...any) {
	if a.log == nil {
		return
	}
	a.log.WriteLineString(fmt.Sprintf(format, args...))
}
