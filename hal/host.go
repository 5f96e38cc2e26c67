package hal

import (
	"fmt"
	"io"
	"sync"
)

const (
	screenWidth  = 480
	screenHeight = 320
)

type hostHAL struct {
	logger *hostLogger
	disp   *hostDisplay
	kbd    *hostKeyboard
	t      *hostTime
	clip   *hostClipboard
}

func newHostHAL(w io.Writer) *hostHAL {
	return &hostHAL{
		logger: &hostLogger{w: w},
		disp:   &hostDisplay{fb: newHostFramebuffer(screenWidth, screenHeight)},
		kbd:    newHostKeyboard(),
		t:      newHostTime(),
		clip:   &hostClipboard{},
	}
}

func (h *hostHAL) Logger() Logger       { return h.logger }
func (h *hostHAL) Display() Display     { return h.disp }
func (h *hostHAL) Input() Input         { return hostInput{kbd: h.kbd} }
func (h *hostHAL) Time() Time           { return h.t }
func (h *hostHAL) Clipboard() Clipboard { return h.clip }

type hostDisplay struct {
	fb *hostFramebuffer

	mu     sync.Mutex
	status string
}

func (d *hostDisplay) Framebuffer() Framebuffer { return d.fb }

func (d *hostDisplay) SetStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *hostDisplay) Status() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

type hostInput struct {
	kbd *hostKeyboard
}

func (in hostInput) Keyboard() Keyboard { return in.kbd }

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}
