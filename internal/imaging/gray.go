package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"golang.org/x/image/draw"

	"github.com/adverant/nexus/prescription-worker/internal/model"
)

// Gray is a row-major 8-bit intensity matrix
type Gray struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewGray allocates a black matrix
func NewGray(width, height int) *Gray {
	return &Gray{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// ToGray converts any image using the standard luminance weights
func ToGray(src image.Image) *Gray {
	b := src.Bounds()
	g := NewGray(b.Dx(), b.Dy())

	if gs, ok := src.(*image.Gray); ok {
		for y := 0; y < g.Height; y++ {
			off := gs.PixOffset(b.Min.X, b.Min.Y+y)
			copy(g.Pix[y*g.Width:(y+1)*g.Width], gs.Pix[off:off+g.Width])
		}
		return g
	}

	dst := &image.Gray{Pix: g.Pix, Stride: g.Width, Rect: image.Rect(0, 0, g.Width, g.Height)}
	draw.Draw(dst, dst.Rect, src, b.Min, draw.Src)
	return g
}

// Empty reports a nil or zero-size matrix
func (g *Gray) Empty() bool {
	return g == nil || g.Width <= 0 || g.Height <= 0 || len(g.Pix) < g.Width*g.Height
}

// At returns the intensity at (x, y)
func (g *Gray) At(x, y int) uint8 {
	return g.Pix[y*g.Width+x]
}

// Mean returns the mean intensity
func (g *Gray) Mean() float64 {
	if g.Empty() {
		return 0
	}
	var sum float64
	for _, p := range g.Pix {
		sum += float64(p)
	}
	return sum / float64(len(g.Pix))
}

// StdDev returns the population standard deviation of intensities
func (g *Gray) StdDev() float64 {
	if g.Empty() {
		return 0
	}
	mean := g.Mean()
	var acc float64
	for _, p := range g.Pix {
		d := float64(p) - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(g.Pix)))
}

// LaplacianVariance is the variance of the 4-neighbour Laplacian response.
// Borders reflect without repeating the edge pixel.
func (g *Gray) LaplacianVariance() float64 {
	if g.Empty() {
		return 0
	}

	n := float64(g.Width * g.Height)
	var sum, sumSq float64
	for y := 0; y < g.Height; y++ {
		up, down := reflect101(y-1, g.Height), reflect101(y+1, g.Height)
		for x := 0; x < g.Width; x++ {
			left, right := reflect101(x-1, g.Width), reflect101(x+1, g.Width)
			v := float64(g.At(x, up)) + float64(g.At(x, down)) +
				float64(g.At(left, y)) + float64(g.At(right, y)) -
				4*float64(g.At(x, y))
			sum += v
			sumSq += v * v
		}
	}
	mean := sum / n
	return sumSq/n - mean*mean
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*n - i - 2
	}
	return i
}

// Invert returns a new matrix with reversed polarity
func (g *Gray) Invert() *Gray {
	out := NewGray(g.Width, g.Height)
	for i, p := range g.Pix {
		out.Pix[i] = 255 - p
	}
	return out
}

// Crop returns a copy of the box area, clamped to the matrix
func (g *Gray) Crop(box model.Box) *Gray {
	box = box.Clamp(g.Width, g.Height)
	out := NewGray(box.W, box.H)
	for y := 0; y < box.H; y++ {
		row := (box.Y+y)*g.Width + box.X
		copy(out.Pix[y*box.W:(y+1)*box.W], g.Pix[row:row+box.W])
	}
	return out
}

// Image wraps the matrix as an image.Gray without copying
func (g *Gray) Image() *image.Gray {
	return &image.Gray{Pix: g.Pix, Stride: g.Width, Rect: image.Rect(0, 0, g.Width, g.Height)}
}

// EncodePNG encodes the box area of the source image as PNG. A zero box encodes the full image.
func (img *Image) EncodePNG(box model.Box) ([]byte, error) {
	src := img.Source
	if !box.Empty() {
		box = box.Clamp(img.Width(), img.Height())
		b := src.Bounds()
		rect := image.Rect(b.Min.X+box.X, b.Min.Y+box.Y, b.Min.X+box.Right(), b.Min.Y+box.Bottom())

		dst := image.NewRGBA(image.Rect(0, 0, box.W, box.H))
		draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)
		src = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
