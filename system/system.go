// Package system drives the emulated cores: each tick every core
// reschedules and runs its thread through the guest executor, sessions are
// served, and virtual time moves on.
package system

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hzn/kernel"
	"hzn/timing"
)

// Executor runs guest code for the thread core dispatched and returns the
// budget units it used.
type Executor interface {
	Run(core int, t *kernel.Thread, budget int) (int, error)
}

// Defaults for zero Config fields.
const (
	DefaultSlice = 16
	DefaultTick  = time.Millisecond
)

// ErrStalled is returned by Run when live threads remain but nothing can
// ever wake them.
var ErrStalled = errors.New("system: every live thread is blocked forever")

var errNoExecutor = errors.New("system: no executor")

// Config configures a System.
type Config struct {
	Cores           int
	HandleTableSize int
	// Slice is the budget each core gets per tick.
	Slice int
	// Tick is the virtual time one tick advances.
	Tick time.Duration
	// SkipIdle jumps straight to the next timer when no core ran.
	SkipIdle bool
	Logger   kernel.Logger
}

// Stats summarizes the ticks run so far.
type Stats struct {
	Ticks     uint64
	IdleTicks uint64
	Units     uint64
	Served    uint64
	Fired     uint64
}

// System owns the kernel and its timer queue.
type System struct {
	cfg  Config
	k    *kernel.Kernel
	q    *timing.Queue
	exec Executor

	stats   Stats
	started bool
}

// New builds a kernel on a fresh timer queue.
func New(cfg Config) *System {
	if cfg.Slice <= 0 {
		cfg.Slice = DefaultSlice
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	q := timing.New()
	k := kernel.New(kernel.Config{
		Cores:           cfg.Cores,
		HandleTableSize: cfg.HandleTableSize,
		Timer:           q,
		Logger:          cfg.Logger,
	})
	q.SetHandler(k.FireWakeup)
	return &System{cfg: cfg, k: k, q: q}
}

func (s *System) Kernel() *kernel.Kernel { return s.k }
func (s *System) Queue() *timing.Queue   { return s.q }

// Now returns the virtual time.
func (s *System) Now() time.Duration { return s.q.Now() }

// SetExecutor installs the CPU stand-in. Step does nothing without one.
func (s *System) SetExecutor(e Executor) { s.exec = e }

func (s *System) Stats() Stats { return s.stats }

// Done reports whether threads ran and all of them have exited.
func (s *System) Done() bool {
	var live int
	s.k.Locked(func() { live = len(s.k.Threads()) })
	return s.started && live == 0
}

// Step runs one tick. It reports whether anything happened: a core ran,
// a session answered or a timer fired.
func (s *System) Step() (bool, error) {
	if s.exec == nil {
		return false, nil
	}
	s.stats.Ticks++

	units := 0
	for core := range s.k.Cores() {
		n, err := s.runCore(core)
		units += n
		if err != nil {
			return true, err
		}
	}
	if units > 0 {
		s.started = true
	}
	served := s.k.ServeSessions()
	s.stats.Units += uint64(units)
	s.stats.Served += uint64(served)

	if units > 0 || served > 0 || !s.cfg.SkipIdle {
		fired := s.q.Advance(s.cfg.Tick)
		s.stats.Fired += uint64(fired)
		if units == 0 {
			s.stats.IdleTicks++
		}
		return units > 0 || served > 0 || fired > 0, nil
	}

	s.stats.IdleTicks++
	before := s.q.Fired()
	if !s.q.AdvanceToNext() {
		return false, nil
	}
	s.stats.Fired += s.q.Fired() - before
	return true, nil
}

func (s *System) runCore(core int) (int, error) {
	used := 0
	for used < s.cfg.Slice {
		t := s.k.Dispatch(core)
		if t == nil {
			break
		}
		n, err := s.exec.Run(core, t, s.cfg.Slice-used)
		used += max(n, 1)
		if err != nil {
			return used, fmt.Errorf("core %d: %s: %w", core, t.Name(), err)
		}
	}
	return used, nil
}

// Run steps until ctx is done, ticks steps have run (0 means no limit) or
// every thread has exited. With SkipIdle set it returns ErrStalled when
// live threads remain and nothing is left to wake them.
func (s *System) Run(ctx context.Context, ticks uint64) error {
	if s.exec == nil {
		return errNoExecutor
	}
	for n := uint64(0); ticks == 0 || n < ticks; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		busy, err := s.Step()
		if err != nil {
			return err
		}
		if s.Done() {
			s.logf("system: all threads exited at %v", s.Now())
			return nil
		}
		if !busy && s.cfg.SkipIdle && s.q.Pending() == 0 {
			return ErrStalled
		}
	}
	return nil
}

func (s *System) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.WriteLineString(fmt.Sprintf(format, args...))
}
