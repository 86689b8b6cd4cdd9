// Package raster converts images into 1-bpp Star Line Mode raster
// commands for thermal printing.
package raster

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"time"

	_ "image/gif"  // decoder registration
	_ "image/jpeg" // decoder registration
	_ "image/png"  // decoder registration
)

// ErrFetch wraps any failure to download or decode a remote image.
var ErrFetch = errors.New("image fetch failed")

// Printer width codes and their printable pixel widths at 203 dpi.
const (
	Width58mm  = 2 // 384 px
	Width80mm  = 3 // 576 px
	Width112mm = 4 // 832 px
)

// PixelWidth returns the printable pixel width for a printer width code.
// Unknown codes fall back to 80 mm.
func PixelWidth(code int) int {
	switch code {
	case Width58mm:
		return 384
	case Width112mm:
		return 832
	default:
		return 576
	}
}

// WidthCodeForMM maps a paper width in millimetres to a width code.
func WidthCodeForMM(mm int) int {
	switch mm {
	case 58:
		return Width58mm
	case 112:
		return Width112mm
	default:
		return Width80mm
	}
}

// Options controls the conversion pipeline.
type Options struct {
	PrinterWidth int  // width code 2..4
	Dither       bool // Floyd-Steinberg when true, fixed threshold otherwise
	ScaleToFit   bool // shrink oversized images proportionally
}

// DefaultOptions matches an 80 mm printer with dithering.
func DefaultOptions() Options {
	return Options{PrinterWidth: Width80mm, Dither: true, ScaleToFit: true}
}

// Bitmap is a packed 1-bpp image, row-major, MSB first, black = 1.
type Bitmap struct {
	Width  int
	Height int
	Bits   []byte
}

// Command renders the bitmap as a Star Line Mode raster command:
// 1B 2A w_lo w_hi h_lo h_hi followed by the packed rows.
func (b *Bitmap) Command() []byte {
	out := make([]byte, 0, 6+len(b.Bits))
	out = append(out, 0x1B, 0x2A,
		byte(b.Width%256), byte(b.Width/256),
		byte(b.Height%256), byte(b.Height/256))
	return append(out, b.Bits...)
}

// Fetcher downloads and decodes remote images with a bounded timeout.
type Fetcher struct {
	Client *http.Client
	Opts   Options
}

// NewFetcher returns a fetcher with the given download timeout.
func NewFetcher(timeout time.Duration, opts Options) *Fetcher {
	return &Fetcher{
		Client: &http.Client{Timeout: timeout},
		Opts:   opts,
	}
}

// Render fetches the URL and converts it into a raster command fragment.
// It satisfies the markup compiler's image renderer interface.
func (f *Fetcher) Render(ctx context.Context, url string) ([]byte, error) {
	img, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return Convert(img, f.Opts), nil
}

// Fetch downloads and decodes a single image.
func (f *Fetcher) Fetch(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d for %s", ErrFetch, resp.StatusCode, url)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrFetch, err)
	}
	return img, nil
}

// Convert runs the full pipeline: flatten transparency over white, scale
// to the printer width, binarize, and emit the raster command.
func Convert(img image.Image, opts Options) []byte {
	g := Flatten(img)
	if max := PixelWidth(opts.PrinterWidth); opts.ScaleToFit && g.Rect.Dx() > max {
		g = Scale(g, max)
	}
	var bm *Bitmap
	if opts.Dither {
		bm = DitherFloydSteinberg(g)
	} else {
		bm = Threshold(g, 128)
	}
	return bm.Command()
}

// Flatten composites the image over opaque white and reduces it to
// 8-bit grayscale.
func Flatten(img image.Image) *image.Gray {
	bounds := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, gr, b, a := img.At(x, y).RGBA()
			// Composite over white: out = src*alpha + white*(1-alpha).
			// Channels are alpha-premultiplied 16-bit.
			w := 0xFFFF - a
			r += w
			gr += w
			b += w
			// ITU-R BT.601 luma.
			luma := (299*r + 587*gr + 114*b) / 1000
			g.SetGray(x-bounds.Min.X, y-bounds.Min.Y, color.Gray{Y: uint8(luma >> 8)})
		}
	}
	return g
}

// Scale shrinks the image proportionally to the target width using
// box sampling. Images narrower than the target are returned unchanged.
func Scale(g *image.Gray, targetWidth int) *image.Gray {
	w := g.Rect.Dx()
	h := g.Rect.Dy()
	if w <= targetWidth || targetWidth <= 0 {
		return g
	}
	targetHeight := h * targetWidth / w
	if targetHeight < 1 {
		targetHeight = 1
	}
	out := image.NewGray(image.Rect(0, 0, targetWidth, targetHeight))
	for y := 0; y < targetHeight; y++ {
		y0 := y * h / targetHeight
		y1 := (y + 1) * h / targetHeight
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for x := 0; x < targetWidth; x++ {
			x0 := x * w / targetWidth
			x1 := (x + 1) * w / targetWidth
			if x1 <= x0 {
				x1 = x0 + 1
			}
			var sum, n int
			for sy := y0; sy < y1; sy++ {
				for sx := x0; sx < x1; sx++ {
					sum += int(g.GrayAt(sx, sy).Y)
					n++
				}
			}
			out.SetGray(x, y, color.Gray{Y: uint8(sum / n)})
		}
	}
	return out
}

// Threshold binarizes with a fixed cutoff: pixels darker than the cutoff
// become black (bit set).
func Threshold(g *image.Gray, cutoff uint8) *Bitmap {
	w := g.Rect.Dx()
	h := g.Rect.Dy()
	bm := newBitmap(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if g.GrayAt(x, y).Y < cutoff {
				bm.set(x, y)
			}
		}
	}
	return bm
}

// DitherFloydSteinberg binarizes with Floyd-Steinberg error diffusion.
func DitherFloydSteinberg(g *image.Gray) *Bitmap {
	w := g.Rect.Dx()
	h := g.Rect.Dy()
	bm := newBitmap(w, h)

	// Working copy of pixel values with room for diffused error.
	px := make([]int, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px[y*w+x] = int(g.GrayAt(x, y).Y)
		}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			old := px[y*w+x]
			var quantized int
			if old < 128 {
				bm.set(x, y)
				quantized = 0
			} else {
				quantized = 255
			}
			err := old - quantized
			if x+1 < w {
				px[y*w+x+1] += err * 7 / 16
			}
			if y+1 < h {
				if x > 0 {
					px[(y+1)*w+x-1] += err * 3 / 16
				}
				px[(y+1)*w+x] += err * 5 / 16
				if x+1 < w {
					px[(y+1)*w+x+1] += err * 1 / 16
				}
			}
		}
	}
	return bm
}

func newBitmap(w, h int) *Bitmap {
	return &Bitmap{
		Width:  w,
		Height: h,
		Bits:   make([]byte, ((w+7)/8)*h),
	}
}

func (b *Bitmap) set(x, y int) {
	rowBytes := (b.Width + 7) / 8
	b.Bits[y*rowBytes+x/8] |= 1 << (7 - uint(x%8))
}
