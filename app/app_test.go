package app

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"hzn/hal"
)

type fakeLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *fakeLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, s)
}

func (l *fakeLogger) WriteLineBytes(b []byte) { l.WriteLineString(string(b)) }

func (l *fakeLogger) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

type fakeDisplay struct {
	fb     hal.Framebuffer
	status string
}

func (d *fakeDisplay) Framebuffer() hal.Framebuffer { return d.fb }
func (d *fakeDisplay) SetStatus(s string)           { d.status = s }

type fakeKeyboard struct{ ch chan hal.KeyEvent }

func (k *fakeKeyboard) Events() <-chan hal.KeyEvent { return k.ch }

type fakeInput struct{ kbd *fakeKeyboard }

func (in fakeInput) Keyboard() hal.Keyboard { return in.kbd }

type fakeTime struct{ ch chan uint64 }

func (t *fakeTime) Ticks() <-chan uint64 { return t.ch }

type fakeClipboard struct{ text string }

func (c *fakeClipboard) ReadText() (string, error) { return c.text, nil }
func (c *fakeClipboard) WriteText(s string) error  { c.text = s; return nil }

type fakeHAL struct {
	log  *fakeLogger
	disp *fakeDisplay
	kbd  *fakeKeyboard
	t    *fakeTime
	clip *fakeClipboard
	seq  uint64
}

func newFakeHAL() *fakeHAL {
	return &fakeHAL{
		log:  &fakeLogger{},
		disp: &fakeDisplay{fb: hal.NewFramebuffer(320, 240)},
		kbd:  &fakeKeyboard{ch: make(chan hal.KeyEvent, 16)},
		t:    &fakeTime{ch: make(chan uint64, 16)},
		clip: &fakeClipboard{},
	}
}

func (h *fakeHAL) Logger() hal.Logger       { return h.log }
func (h *fakeHAL) Display() hal.Display     { return h.disp }
func (h *fakeHAL) Input() hal.Input         { return fakeInput{kbd: h.kbd} }
func (h *fakeHAL) Time() hal.Time           { return h.t }
func (h *fakeHAL) Clipboard() hal.Clipboard { return h.clip }

func (h *fakeHAL) tick() {
	h.seq++
	h.t.ch <- h.seq
}

func (h *fakeHAL) press(ev hal.KeyEvent) {
	ev.Press = true
	h.kbd.ch <- ev
}

func newApp(t *testing.T, h *fakeHAL, cfg Config) *App {
	t.Helper()
	a, err := New(h, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestHeadlessRunsDefaultScenarioToEnd(t *testing.T) {
	h := newFakeHAL()
	a := newApp(t, h, Config{Headless: true, Speed: 32})

	var err error
	for range 1000 {
		h.tick()
		if err = a.Step(); err != nil {
			break
		}
	}
	if !errors.Is(err, hal.ErrQuit) {
		t.Fatalf("Step = %v, want ErrQuit", err)
	}
	if !a.System().Done() {
		t.Fatalf("scenario still running at %v", a.System().Now())
	}
	for _, want := range []string{"scenario default: 9 threads", "high done", "pool drained", "all threads exited"} {
		if !h.log.contains(want) {
			t.Fatalf("log missing %q: %v", want, h.log.lines)
		}
	}
	if !strings.Contains(a.Tree(), "threads=0") {
		t.Fatalf("final tree = %q", a.Tree())
	}
	if !strings.Contains(h.disp.status, "finished") {
		t.Fatalf("status = %q", h.disp.status)
	}
}

func TestPauseAndSingleStep(t *testing.T) {
	h := newFakeHAL()
	a := newApp(t, h, Config{Paused: true})

	h.tick()
	if err := a.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if n := a.System().Stats().Ticks; n != 0 {
		t.Fatalf("ticks while paused = %d, want 0", n)
	}
	if !strings.Contains(h.disp.status, "paused") {
		t.Fatalf("status = %q", h.disp.status)
	}

	h.press(hal.KeyEvent{Code: hal.KeyRight})
	if err := a.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if n := a.System().Stats().Ticks; n != 1 {
		t.Fatalf("ticks after single step = %d, want 1", n)
	}

	h.press(hal.KeyEvent{Rune: ' '})
	h.tick()
	if err := a.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if n := a.System().Stats().Ticks; n != 2 {
		t.Fatalf("ticks after resume = %d, want 2", n)
	}
}

func TestCopyTree(t *testing.T) {
	h := newFakeHAL()
	a := newApp(t, h, Config{Paused: true})
	h.press(hal.KeyEvent{Code: hal.KeyCopy})
	if err := a.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	for _, want := range []string{"threads=9", "core 0:", "core 1:", "high #"} {
		if !strings.Contains(h.clip.text, want) {
			t.Fatalf("clipboard missing %q:\n%s", want, h.clip.text)
		}
	}
}

func TestPasteScenario(t *testing.T) {
	h := newFakeHAL()
	a := newApp(t, h, Config{Paused: true})
	h.clip.text = `program("p", { work(1) }) thread("a", "p") thread("b", "p")`
	h.press(hal.KeyEvent{Rune: 'v'})
	if err := a.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !strings.Contains(a.Tree(), "threads=2") || !strings.Contains(h.disp.status, "clipboard") {
		t.Fatalf("tree after paste:\n%s\nstatus %q", a.Tree(), h.disp.status)
	}

	h.clip.text = `program(`
	h.press(hal.KeyEvent{Rune: 'v'})
	if err := a.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !h.log.contains("paste:") || !strings.Contains(a.Tree(), "threads=2") {
		t.Fatalf("bad paste replaced the scenario")
	}
}

func TestEscapeQuits(t *testing.T) {
	h := newFakeHAL()
	a := newApp(t, h, Config{})
	h.press(hal.KeyEvent{Code: hal.KeyEscape})
	if err := a.Step(); !errors.Is(err, hal.ErrQuit) {
		t.Fatalf("Step = %v, want ErrQuit", err)
	}
}

func TestMissingScenarioFile(t *testing.T) {
	step := NewWithConfig(newFakeHAL(), Config{Scenario: "/nonexistent/x.lua"})
	if err := step(); err == nil {
		t.Fatalf("step with a missing scenario succeeded")
	}
}

func TestWrap(t *testing.T) {
	got := wrap([]string{"abcdefg", "", "hi"}, 3)
	want := []string{"abc", "def", "g", "", "hi"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("wrap = %q, want %q", got, want)
	}
}
