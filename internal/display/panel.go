package display

import (
	"image"
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/color"
	"github.com/lanikai/alohacam/internal/media"
)

var (
	ErrWindow = errors.New("display: window outside panel")
	ErrPixels = errors.New("display: pixel data does not match window")
)

// Panel is an addressable RGB565 display, driven the way LCD controllers are:
// select a window, then stream pixels into it row by row.
type Panel interface {
	Size() media.Resolution

	// SetWindow selects the inclusive rectangle (x0,y0)-(x1,y1) for the next
	// WritePixels.
	SetWindow(x0, y0, x1, y1 int) error

	// WritePixels writes big-endian RGB565 pixels into the current window.
	WritePixels(p []byte) error

	Close() error
}

// window tracks a selected rectangle. Shared by the panel implementations.
type window struct {
	rect     image.Rectangle
	selected bool
}

func (w *window) set(size media.Resolution, x0, y0, x1, y1 int) error {
	r := image.Rect(x0, y0, x1+1, y1+1)
	if x1 < x0 || y1 < y0 || !r.In(image.Rect(0, 0, size.Width, size.Height)) {
		return errors.Wrapf(ErrWindow, "(%d,%d)-(%d,%d) on %v panel", x0, y0, x1, y1, size)
	}
	w.rect = r
	w.selected = true
	return nil
}

func (w *window) check(p []byte) error {
	if !w.selected {
		return errors.Wrap(ErrWindow, "no window selected")
	}
	if want := 2 * w.rect.Dx() * w.rect.Dy(); len(p) != want {
		return errors.Wrapf(ErrPixels, "%d bytes for %v window (want %d)", len(p), w.rect, want)
	}
	return nil
}

// MemPanel is a Panel backed by an in-memory image.
type MemPanel struct {
	win    window
	writes int

	mu    sync.Mutex
	Image *color.Image
}

func NewMemPanel(size media.Resolution) *MemPanel {
	return &MemPanel{Image: color.NewImage(image.Rect(0, 0, size.Width, size.Height))}
}

func (p *MemPanel) Size() media.Resolution {
	return media.Resolution{Width: p.Image.Rect.Dx(), Height: p.Image.Rect.Dy()}
}

func (p *MemPanel) SetWindow(x0, y0, x1, y1 int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.win.set(p.Size(), x0, y0, x1, y1)
}

func (p *MemPanel) WritePixels(pix []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.win.check(pix); err != nil {
		return err
	}
	r := p.win.rect
	row := 2 * r.Dx()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		i := (y-p.Image.Rect.Min.Y)*p.Image.Stride + 2*r.Min.X
		copy(p.Image.Pix[i:i+row], pix[:row])
		pix = pix[row:]
	}
	p.writes++
	return nil
}

// Writes returns the number of successful WritePixels calls.
func (p *MemPanel) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func (p *MemPanel) Close() error {
	return nil
}
