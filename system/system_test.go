package system

import (
	"context"
	"errors"
	"testing"
	"time"

	"hzn/guest"
	"hzn/kernel"
	"hzn/memory"
)

type world struct {
	sys  *System
	img  *guest.Image
	exec *guest.Executor
}

func newWorld(t *testing.T, cfg Config) *world {
	t.Helper()
	sys := New(cfg)
	p := sys.Kernel().CreateProcess("guest", memory.NewSparse(), 0)
	img := guest.NewImage(p)
	exec := guest.NewExecutor(sys.Kernel(), sys.Now, nil)
	exec.Attach(img)
	sys.SetExecutor(exec)
	return &world{sys: sys, img: img, exec: exec}
}

func (w *world) start(t *testing.T, name string, prio uint32, ops ...guest.Op) *kernel.Thread {
	t.Helper()
	entry, err := w.img.AddProgram(&guest.Program{Name: name, Ops: ops})
	if err != nil {
		t.Fatalf("AddProgram: %v", err)
	}
	th, err := w.sys.Kernel().CreateThread(w.img.Process, name, entry, prio, 0, 0, w.img.StackTop())
	if err != nil {
		t.Fatalf("CreateThread(%s): %v", name, err)
	}
	th.Start()
	return th
}

func TestRunUntilAllThreadsExit(t *testing.T) {
	w := newWorld(t, Config{Cores: 1, Slice: 16})
	w.start(t, "a", 30, guest.Op{Code: guest.OpWork, N: 20})
	w.start(t, "b", 30, guest.Op{Code: guest.OpWork, N: 20})

	if err := w.sys.Run(context.Background(), 100); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !w.sys.Done() {
		t.Fatalf("Done = false after Run returned")
	}
	if st := w.sys.Stats(); st.Units < 40 || st.Ticks > 10 {
		t.Fatalf("stats = %+v, want >= 40 units in at most 10 ticks", st)
	}
}

func TestSkipIdleJumpsToNextTimer(t *testing.T) {
	w := newWorld(t, Config{Cores: 2, SkipIdle: true})
	w.start(t, "sleeper", 30,
		guest.Op{Code: guest.OpSleep, Timeout: time.Second},
		guest.Op{Code: guest.OpExit})

	if err := w.sys.Run(context.Background(), 10); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !w.sys.Done() {
		t.Fatalf("sleeper did not finish within 10 ticks")
	}
	if now := w.sys.Now(); now < time.Second {
		t.Fatalf("Now = %v, want >= 1s", now)
	}
}

func TestTickAdvancesClock(t *testing.T) {
	w := newWorld(t, Config{Cores: 1, Tick: 2 * time.Millisecond})
	w.start(t, "sleeper", 30, guest.Op{Code: guest.OpSleep, Timeout: time.Hour})

	if err := w.sys.Run(context.Background(), 5); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if now := w.sys.Now(); now != 10*time.Millisecond {
		t.Fatalf("Now = %v, want 10ms", now)
	}
	if st := w.sys.Stats(); st.Ticks != 5 || st.IdleTicks != 4 {
		t.Fatalf("stats = %+v, want 5 ticks, 4 idle", st)
	}
}

func TestRunReportsStall(t *testing.T) {
	w := newWorld(t, Config{Cores: 1, SkipIdle: true})
	e := w.sys.Kernel().NewEvent("never", kernel.ResetOneShot)
	h, _ := w.img.Process.Handles().Create(e)
	w.img.Bind("never", h)
	w.start(t, "waiter", 30,
		guest.Op{Code: guest.OpWait, Objects: []string{"never"}, Timeout: guest.Forever})

	if err := w.sys.Run(context.Background(), 100); !errors.Is(err, ErrStalled) {
		t.Fatalf("Run err = %v, want %v", err, ErrStalled)
	}
}

func TestRunHonorsContext(t *testing.T) {
	w := newWorld(t, Config{Cores: 1})
	w.start(t, "spin", 30,
		guest.Op{Code: guest.OpWork, N: 1},
		guest.Op{Code: guest.OpJump, N: 0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.sys.Run(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want %v", err, context.Canceled)
	}
}

type failingExecutor struct{ err error }

func (f failingExecutor) Run(int, *kernel.Thread, int) (int, error) { return 1, f.err }

func TestStepWrapsExecutorError(t *testing.T) {
	w := newWorld(t, Config{Cores: 1})
	w.start(t, "t", 30, guest.Op{Code: guest.OpExit})
	boom := errors.New("boom")
	w.sys.SetExecutor(failingExecutor{err: boom})

	if _, err := w.sys.Step(); !errors.Is(err, boom) {
		t.Fatalf("Step err = %v, want %v", err, boom)
	}
}

func TestRunWithoutExecutor(t *testing.T) {
	sys := New(Config{})
	if err := sys.Run(context.Background(), 1); err == nil {
		t.Fatalf("Run without executor succeeded")
	}
	if sys.Kernel().Cores() != kernel.DefaultCores {
		t.Fatalf("Cores = %d, want %d", sys.Kernel().Cores(), kernel.DefaultCores)
	}
}
