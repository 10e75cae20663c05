package composite

import (
	"context"
	"fmt"
	"image"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/aliskhannn/himawari-tiler/internal/hsd"
	"github.com/aliskhannn/himawari-tiler/internal/model"
)

// rowsPerJob is the number of output rows rendered by one goroutine at a time.
const rowsPerJob = 64

// Grid returns the pixel size of the equirectangular grid of spec.
func Grid(spec model.CompositeSpec) (width, height int) {
	b := spec.Bounds
	width = int(math.Round((b.East() - b.West()) / spec.Resolution))
	height = int(math.Round((b.North() - b.South()) / spec.Resolution))
	return width, height
}

// Render resamples the calibrated bands onto the equirectangular grid of
// spec, nearest neighbour. Pixels off the disk or without valid data in any
// channel are fully transparent. The output depends only on its inputs.
func Render(ctx context.Context, bands map[int]*hsd.Band, spec model.CompositeSpec) (*image.NRGBA, error) {
	for _, b := range spec.Bands() {
		if bands[b] == nil {
			return nil, fmt.Errorf("render %s: band %d not loaded", spec.Name, b)
		}
	}

	width, height := Grid(spec)
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("render %s: empty grid %dx%d", spec.Name, width, height)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))

	// Bands of the same size share navigation; resolve each pixel once per size.
	var projs []hsd.Projection
	slot := make(map[int]int, len(bands))
	for _, n := range spec.Bands() {
		p := bands[n].Projection
		idx := -1
		for i, q := range projs {
			if q == p {
				idx = i
			}
		}
		if idx < 0 {
			idx = len(projs)
			projs = append(projs, p)
		}
		slot[n] = idx
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for y0 := 0; y0 < height; y0 += rowsPerJob {
		y0 := y0
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			y1 := min(y0+rowsPerJob, height)
			renderRows(img, bands, spec, projs, slot, y0, y1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("render %s: %w", spec.Name, err)
	}

	return img, nil
}

func renderRows(img *image.NRGBA, bands map[int]*hsd.Band, spec model.CompositeSpec, projs []hsd.Projection, slot map[int]int, y0, y1 int) {
	b := spec.Bounds
	res := spec.Resolution
	xs := make([]int, len(projs))
	ys := make([]int, len(projs))
	var rgb [3]float64

	for y := y0; y < y1; y++ {
		lat := b.North() - (float64(y)+0.5)*res
		row := img.Pix[y*img.Stride:]

	pixel:
		for x := 0; x < img.Rect.Dx(); x++ {
			lon := b.West() + (float64(x)+0.5)*res

			for i, p := range projs {
				col, line, ok := p.PixelOf(lon, lat)
				if !ok {
					continue pixel
				}
				xs[i] = int(math.Floor(col+0.5)) - 1
				ys[i] = int(math.Floor(line+0.5)) - 1
			}

			value := func(band int) float64 {
				i := slot[band]
				return float64(bands[band].At(xs[i], ys[i]))
			}

			for c, ch := range spec.Channels {
				v := value(ch.Band)
				if ch.MinusBand > 0 {
					v -= value(ch.MinusBand)
				}
				if math.IsNaN(v) {
					continue pixel
				}
				rgb[c] = Stretch(v, ch)
			}
			if len(spec.Channels) == 1 {
				rgb[1], rgb[2] = rgb[0], rgb[0]
			}

			px := row[x*4 : x*4+4]
			px[0] = toByte(rgb[0])
			px[1] = toByte(rgb[1])
			px[2] = toByte(rgb[2])
			px[3] = 0xff
		}
	}
}

// Stretch maps v linearly from [ch.Min, ch.Max] to [0, 1], then applies
// inversion and gamma.
func Stretch(v float64, ch model.Channel) float64 {
	t := (v - ch.Min) / (ch.Max - ch.Min)
	t = math.Max(0, math.Min(1, t))
	if ch.Invert {
		t = 1 - t
	}
	if ch.Gamma > 0 && ch.Gamma != 1 {
		t = math.Pow(t, 1/ch.Gamma)
	}
	return t
}

func toByte(t float64) uint8 {
	return uint8(math.Round(t * 255))
}
