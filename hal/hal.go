// Package hal is the boundary between the emulator and the host: log
// output, a framebuffer with a status line, keyboard input, a millisecond
// tick stream and the clipboard.
package hal

import "errors"

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

var ErrNotImplemented = errors.New("not implemented")

// ErrQuit is returned by an app step to end the host loop cleanly.
var ErrQuit = errors.New("quit")

// PixelFormat defines the framebuffer pixel encoding.
type PixelFormat uint8

const (
	// PixelFormatRGB565 is 16bpp: rrrrrggggggbbbbb.
	PixelFormatRGB565 PixelFormat = iota + 1
)

// Framebuffer is a simple pixel buffer plus a "present" hook.
type Framebuffer interface {
	Width() int
	Height() int
	Format() PixelFormat
	StrideBytes() int
	Buffer() []byte
	ClearRGB(r, g, b uint8)
	Present() error
}

// KeyCode is a minimal key identifier.
type KeyCode uint16

const (
	KeyUnknown KeyCode = iota
	KeyUp
	KeyDown
	KeyLeft
	KeyRight
	KeyEnter
	KeyEscape
	KeyPageUp
	KeyPageDown
	KeyHome
	KeyEnd
	// KeyCopy is Ctrl+Shift+C.
	KeyCopy
)

// KeyEvent is a keyboard event. Text input arrives with Code KeyUnknown
// and the typed Rune.
type KeyEvent struct {
	Code  KeyCode
	Press bool
	Rune  rune
}

// Keyboard provides key events (best-effort on each platform).
type Keyboard interface {
	Events() <-chan KeyEvent
}

// Display provides the framebuffer and a one-line status text shown
// beneath it.
type Display interface {
	Framebuffer() Framebuffer
	SetStatus(s string)
}

// Input provides access to input devices (if available).
type Input interface {
	Keyboard() Keyboard
}

// Time provides a base tick stream of one tick per millisecond of host
// time.
type Time interface {
	Ticks() <-chan uint64
}

// Clipboard exchanges text with the host clipboard.
type Clipboard interface {
	ReadText() (string, error)
	WriteText(s string) error
}

// HAL provides the only contact point between the emulator and the outside
// world.
type HAL interface {
	Logger() Logger
	Display() Display
	Input() Input
	Time() Time
	Clipboard() Clipboard
}
