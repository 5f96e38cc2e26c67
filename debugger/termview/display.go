package termview

import (
	"image/color"

	"hzn/hal"

	"tinygo.org/x/drivers"
)

// fbDisplay draws into an RGB565 framebuffer for tinyterm.
type fbDisplay struct {
	fb hal.Framebuffer
}

func (d *fbDisplay) usable() ([]byte, bool) {
	if d.fb == nil || d.fb.Format() != hal.PixelFormatRGB565 {
		return nil, false
	}
	buf := d.fb.Buffer()
	return buf, buf != nil
}

func (d *fbDisplay) Size() (x, y int16) {
	if d.fb == nil {
		return 0, 0
	}
	return int16(d.fb.Width()), int16(d.fb.Height())
}

func (d *fbDisplay) SetPixel(x, y int16, c color.RGBA) {
	buf, ok := d.usable()
	if !ok {
		return
	}
	ix, iy := int(x), int(y)
	if ix < 0 || ix >= d.fb.Width() || iy < 0 || iy >= d.fb.Height() {
		return
	}
	off := iy*d.fb.StrideBytes() + ix*2
	if off+1 >= len(buf) {
		return
	}
	putPixel(buf[off:], hal.RGB565(c.R, c.G, c.B))
}

func (d *fbDisplay) Display() error {
	if d.fb == nil {
		return nil
	}
	return d.fb.Present()
}

// ScrollUp moves the content up by lines pixel rows and clears the rows
// that become free at the bottom.
func (d *fbDisplay) ScrollUp(lines int16, bg color.RGBA) error {
	buf, ok := d.usable()
	if !ok || lines <= 0 {
		return nil
	}
	w, h := d.fb.Width(), d.fb.Height()
	n := int(lines)
	if n >= h {
		return d.FillRectangle(0, 0, int16(w), int16(h), bg)
	}
	stride := d.fb.StrideBytes()
	end := min(h*stride, len(buf))
	if n*stride < end {
		copy(buf, buf[n*stride:end])
	}
	return d.FillRectangle(0, int16(h-n), int16(w), int16(n), bg)
}

func (d *fbDisplay) FillRectangle(x, y, width, height int16, c color.RGBA) error {
	buf, ok := d.usable()
	if !ok {
		return nil
	}
	w, h := d.fb.Width(), d.fb.Height()
	x0, y0 := clamp(int(x), 0, w), clamp(int(y), 0, h)
	x1, y1 := clamp(int(x)+int(width), 0, w), clamp(int(y)+int(height), 0, h)

	pixel := hal.RGB565(c.R, c.G, c.B)
	stride := d.fb.StrideBytes()
	for py := y0; py < y1; py++ {
		for px := x0; px < x1; px++ {
			off := py*stride + px*2
			if off+1 >= len(buf) {
				break
			}
			putPixel(buf[off:], pixel)
		}
	}
	return nil
}

// SetScroll is a no-op: the view always scrolls in software.
func (d *fbDisplay) SetScroll(int16) {}

func (d *fbDisplay) SetRotation(drivers.Rotation) error { return nil }

func putPixel(b []byte, p uint16) {
	b[0] = byte(p)
	b[1] = byte(p >> 8)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
