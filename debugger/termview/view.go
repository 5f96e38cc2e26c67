// Package termview shows the wait tree in a framebuffer through a small
// text terminal.
package termview

import (
	"strings"

	"hzn/hal"

	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
	"tinygo.org/x/tinyterm"
)

const (
	fontHeight = 10
	fontOffset = 6
)

const (
	sgrReset  = "\x1b[0m"
	sgrRed    = "\x1b[31m"
	sgrGreen  = "\x1b[32m"
	sgrYellow = "\x1b[33m"
	sgrCyan   = "\x1b[36m"
)

var font = &proggy.TinySZ8pt7b

// View redraws a framebuffer with the latest text it was shown.
type View struct {
	fb   hal.Framebuffer
	d    *fbDisplay
	t    *tinyterm.Terminal
	last string
}

// New returns a view drawing into fb. A nil fb gives a view that draws
// nothing.
func New(fb hal.Framebuffer) *View {
	v := &View{fb: fb, d: &fbDisplay{fb: fb}}
	if fb != nil {
		v.t = tinyterm.NewTerminal(v.d)
		v.t.Configure(&tinyterm.Config{
			Font:              font,
			FontHeight:        fontHeight,
			FontOffset:        fontOffset,
			UseSoftwareScroll: true,
		})
	}
	return v
}

// Columns returns how many characters fit on one line.
func (v *View) Columns() int {
	if v.fb == nil {
		return 0
	}
	_, w := tinyfont.LineWidth(font, "0")
	if w == 0 {
		return 0
	}
	return v.fb.Width() / int(w)
}

// Rows returns how many lines fit on the screen.
func (v *View) Rows() int {
	if v.fb == nil {
		return 0
	}
	return v.fb.Height() / fontHeight
}

// Show replaces the screen content with text. Lines past the last row are
// dropped. It reports whether the screen changed.
func (v *View) Show(text string) (bool, error) {
	if v.fb == nil || text == v.last {
		return false, nil
	}
	v.last = text
	v.t.Clear()

	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if rows := v.Rows(); rows > 0 && len(lines) > rows {
		lines = lines[:rows]
	}
	for i, l := range lines {
		if i > 0 {
			v.t.Write([]byte("\r\n"))
		}
		v.t.Write([]byte(colorize(l) + sgrReset))
	}
	return true, v.fb.Present()
}

// colorize picks a color from the thread state a wait-tree line shows.
func colorize(line string) string {
	switch {
	case strings.HasPrefix(line, "core "), strings.HasPrefix(line, "t="):
		return sgrCyan + line
	case strings.HasPrefix(line, " "):
		return line
	case strings.Contains(line, " running"):
		return sgrGreen + line
	case strings.Contains(line, " waiting"), strings.Contains(line, " sleeping"):
		return sgrYellow + line
	case strings.Contains(line, " dead"):
		return sgrRed + line
	}
	return line
}
