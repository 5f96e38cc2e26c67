//go:build cgo

package hal

import (
	"errors"
	"image"
	"image/color"
	"os"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/text"
	"golang.org/x/image/font/basicfont"

	"hzn/internal/buildinfo"
)

const statusHeight = 16

// RunWindow opens a desktop window that shows the framebuffer and the
// status line and forwards keyboard input. It blocks until the window
// closes or step fails.
func RunWindow(newApp func(HAL) func() error) error {
	h := newHostHAL(os.Stdout)
	step := newApp(h)

	g := &hostGame{h: h, step: step}
	ebiten.SetWindowTitle("hzn wait tree (" + buildinfo.Short() + ")")
	ebiten.SetWindowSize(screenWidth*2, (screenHeight+statusHeight)*2)
	ebiten.SetTPS(60)
	err := ebiten.RunGame(g)
	if errors.Is(err, ErrQuit) {
		return nil
	}
	return err
}

type hostGame struct {
	h       *hostHAL
	img     *image.RGBA
	fbImg   *ebiten.Image
	scratch []byte
	gen     uint64
	step    func() error
}

func (g *hostGame) Update() error {
	g.h.kbd.poll()
	g.h.t.sample(time.Now())
	if g.step != nil {
		return g.step()
	}
	return nil
}

func (g *hostGame) Draw(screen *ebiten.Image) {
	fb := g.h.disp.fb
	if g.img == nil {
		g.img = image.NewRGBA(image.Rect(0, 0, fb.width, fb.height))
		g.scratch = make([]byte, len(fb.buf))
		g.fbImg = ebiten.NewImage(fb.width, fb.height)
	}

	if gen := fb.snapshotRGB565(g.scratch); gen != g.gen {
		g.gen = gen
		src, dst := g.scratch, g.img.Pix
		for i := 0; i+1 < len(src) && i*2+3 < len(dst); i += 2 {
			r, gg, b := rgb888From565(uint16(src[i]) | uint16(src[i+1])<<8)
			j := i * 2
			dst[j+0] = r
			dst[j+1] = gg
			dst[j+2] = b
			dst[j+3] = 0xFF
		}
		g.fbImg.WritePixels(g.img.Pix)
	}
	screen.DrawImage(g.fbImg, nil)

	if s := g.h.disp.Status(); s != "" {
		text.Draw(screen, s, basicfont.Face7x13, 4, fb.height+12, color.RGBA{190, 190, 190, 255})
	}
}

func (g *hostGame) Layout(outsideWidth, outsideHeight int) (int, int) {
	return screenWidth, screenHeight + statusHeight
}
