package tinyterm

import "image/color"

// SGR parameter values understood by the terminal.
const (
	SGRReset = 0
	SGRBold  = 1

	SGRFgBlack   = 30
	SGRFgRed     = 31
	SGRFgGreen   = 32
	SGRFgYellow  = 33
	SGRFgBlue    = 34
	SGRFgMagenta = 35
	SGRFgCyan    = 36
	SGRFgWhite   = 37

	SGRSetFgColor     = 38
	SGRDefaultFgColor = 39

	SGRBgBlack   = 40
	SGRBgRed     = 41
	SGRBgGreen   = 42
	SGRBgYellow  = 43
	SGRBgBlue    = 44
	SGRBgMagenta = 45
	SGRBgCyan    = 46
	SGRBgWhite   = 47

	SGRSetBgColor     = 48
	SGRDefaultBgColor = 49

	SGRFgBrightBlack = 90
	SGRFgBrightWhite = 97
)

// Color is an index into the xterm 256-color palette.
type Color uint8

const (
	ColorBlack Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorMagenta
	ColorCyan
	ColorWhite
	ColorBrightBlack
	ColorBrightRed
	ColorBrightGreen
	ColorBrightYellow
	ColorBrightBlue
	ColorBrightMagenta
	ColorBrightCyan
	ColorBrightWhite
)

var basePalette = [16]color.RGBA{
	{0x00, 0x00, 0x00, 0xFF},
	{0xCD, 0x31, 0x31, 0xFF},
	{0x0D, 0xBC, 0x79, 0xFF},
	{0xE5, 0xE5, 0x10, 0xFF},
	{0x24, 0x72, 0xC8, 0xFF},
	{0xBC, 0x3F, 0xBC, 0xFF},
	{0x11, 0xA8, 0xCD, 0xFF},
	{0xE5, 0xE5, 0xE5, 0xFF},
	{0x66, 0x66, 0x66, 0xFF},
	{0xF1, 0x4C, 0x4C, 0xFF},
	{0x23, 0xD1, 0x8B, 0xFF},
	{0xF5, 0xF5, 0x43, 0xFF},
	{0x3B, 0x8E, 0xEA, 0xFF},
	{0xD6, 0x70, 0xD6, 0xFF},
	{0x29, 0xB8, 0xDB, 0xFF},
	{0xFF, 0xFF, 0xFF, 0xFF},
}

// RGBA returns the palette entry: 0-15 are the ANSI colors, 16-231 the
// 6x6x6 cube and 232-255 the gray ramp.
func (c Color) RGBA() color.RGBA {
	switch {
	case c < 16:
		return basePalette[c]
	case c < 232:
		i := int(c) - 16
		level := func(v int) uint8 {
			if v == 0 {
				return 0
			}
			return uint8(55 + v*40)
		}
		return color.RGBA{level(i / 36), level(i / 6 % 6), level(i % 6), 0xFF}
	default:
		g := uint8(8 + (int(c)-232)*10)
		return color.RGBA{g, g, g, 0xFF}
	}
}

type sgrAttrs struct {
	attrs byte
	fgcol color.RGBA
	bgcol color.RGBA
}

func (a *sgrAttrs) reset() {
	a.attrs = 0
	a.fgcol = ColorWhite.RGBA()
	a.bgcol = ColorBlack.RGBA()
}

// setFG picks the bright variant of the eight base colors while bold is on.
func (a *sgrAttrs) setFG(c Color) {
	if a.attrs&SGRBold != 0 && c < 8 {
		c += 8
	}
	a.fgcol = c.RGBA()
}

func (a *sgrAttrs) setBG(c Color) { a.bgcol = c.RGBA() }
