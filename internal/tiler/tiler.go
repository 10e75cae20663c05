// Package tiler cuts a rendered composite into a Web-Mercator XYZ tile
// pyramid and writes the georeferenced full-resolution image next to it.
package tiler

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"golang.org/x/sync/errgroup"

	"github.com/aliskhannn/himawari-tiler/internal/model"
)

// File names written under the output directory.
const (
	CompositeFile = "composite.png"
	WorldFile     = "composite.pgw"
	PreviewFile   = "preview.png"
	TileJSONFile  = "tilejson.json"
	TilesDir      = "tiles"
)

// Options configures the pyramid.
type Options struct {
	TileSize    int // pixels, default 256
	PreviewSize int // longest preview edge, default 1024
}

// Tiler writes tile pyramids.
type Tiler struct {
	tileSize    int
	previewSize int
}

// Result lists what Write produced.
type Result struct {
	Files []string // slash-separated, relative to the output directory, sorted
	Tiles int
}

// New creates a Tiler with opts, filling zero values with defaults.
func New(opts Options) *Tiler {
	if opts.TileSize <= 0 {
		opts.TileSize = 256
	}
	if opts.PreviewSize <= 0 {
		opts.PreviewSize = 1024
	}
	return &Tiler{tileSize: opts.TileSize, previewSize: opts.PreviewSize}
}

// Write stores img, an equirectangular raster covering spec.Bounds at
// spec.Resolution, as tiles for spec's zoom range plus the georeferenced
// composite, its world file, a preview and a TileJSON document.
func (t *Tiler) Write(ctx context.Context, dir string, img *image.NRGBA, spec model.CompositeSpec, ts time.Time) (Result, error) {
	var (
		mu    sync.Mutex
		files []string
		tiles int
	)
	add := func(rel string, tile bool) {
		mu.Lock()
		defer mu.Unlock()
		files = append(files, rel)
		if tile {
			tiles++
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	g.Go(func() error {
		if err := savePNG(filepath.Join(dir, CompositeFile), img); err != nil {
			return err
		}
		add(CompositeFile, false)

		if err := writeWorldFile(filepath.Join(dir, WorldFile), spec); err != nil {
			return err
		}
		add(WorldFile, false)
		return nil
	})

	g.Go(func() error {
		if err := t.writePreview(filepath.Join(dir, PreviewFile), img, spec, ts); err != nil {
			return err
		}
		add(PreviewFile, false)
		return nil
	})

	for z := spec.MinZoom; z <= spec.MaxZoom; z++ {
		x0, y0 := TileOf(spec.Bounds.West(), spec.Bounds.North(), z)
		x1, y1 := TileOf(spec.Bounds.East(), spec.Bounds.South(), z)

		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				z, x, y := z, x, y
				g.Go(func() error {
					if err := ctx.Err(); err != nil {
						return err
					}
					tile, empty := t.cut(img, spec, z, x, y)
					if empty {
						return nil
					}
					rel := fmt.Sprintf("%s/%d/%d/%d.png", TilesDir, z, x, y)
					if err := savePNG(filepath.Join(dir, filepath.FromSlash(rel)), tile); err != nil {
						return err
					}
					add(rel, true)
					return nil
				})
			}
		}
	}

	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("write tiles: %w", err)
	}

	if err := writeTileJSON(filepath.Join(dir, TileJSONFile), spec, t.tileSize); err != nil {
		return Result{}, err
	}
	files = append(files, TileJSONFile)

	sort.Strings(files)
	return Result{Files: files, Tiles: tiles}, nil
}

// cut samples one tile from the equirectangular raster, nearest neighbour.
func (t *Tiler) cut(img *image.NRGBA, spec model.CompositeSpec, z, x, y int) (*image.NRGBA, bool) {
	size := t.tileSize
	tile := image.NewNRGBA(image.Rect(0, 0, size, size))
	world := float64(size) * math.Exp2(float64(z))
	b, res := spec.Bounds, spec.Resolution
	w, h := img.Rect.Dx(), img.Rect.Dy()

	empty := true
	for py := 0; py < size; py++ {
		lat := latOf((float64(y*size+py) + 0.5) / world)
		iy := int(math.Floor((b.North() - lat) / res))
		if iy < 0 || iy >= h {
			continue
		}

		for px := 0; px < size; px++ {
			lon := (float64(x*size+px)+0.5)/world*360 - 180
			ix := int(math.Floor((lon - b.West()) / res))
			if ix < 0 || ix >= w {
				continue
			}

			src := img.Pix[iy*img.Stride+ix*4 : iy*img.Stride+ix*4+4]
			if src[3] == 0 {
				continue
			}
			copy(tile.Pix[py*tile.Stride+px*4:], src)
			empty = false
		}
	}

	return tile, empty
}

// TileOf returns the XYZ tile containing lon/lat at zoom z.
func TileOf(lon, lat float64, z int) (x, y int) {
	n := math.Exp2(float64(z))
	lat = math.Max(-85.0511, math.Min(85.0511, lat))
	phi := lat * math.Pi / 180

	x = int(math.Floor((lon + 180) / 360 * n))
	y = int(math.Floor((1 - math.Log(math.Tan(phi)+1/math.Cos(phi))/math.Pi) / 2 * n))

	maxIdx := int(n) - 1
	return clamp(x, 0, maxIdx), clamp(y, 0, maxIdx)
}

// latOf converts a normalised Web-Mercator y (0 at the top) to latitude.
func latOf(v float64) float64 {
	return math.Atan(math.Sinh(math.Pi*(1-2*v))) * 180 / math.Pi
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

func savePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// writeWorldFile writes an ESRI world file for the composite raster.
func writeWorldFile(path string, spec model.CompositeSpec) error {
	res := spec.Resolution
	b := spec.Bounds
	body := fmt.Sprintf("%.10f\n0.0000000000\n0.0000000000\n%.10f\n%.10f\n%.10f\n",
		res, -res, b.West()+res/2, b.North()-res/2)

	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write world file: %w", err)
	}
	return nil
}

type tileJSON struct {
	TileJSON    string     `json:"tilejson"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Scheme      string     `json:"scheme"`
	Tiles       []string   `json:"tiles"`
	TileSize    int        `json:"tileSize"`
	MinZoom     int        `json:"minzoom"`
	MaxZoom     int        `json:"maxzoom"`
	Bounds      [4]float64 `json:"bounds"`
	Center      [3]float64 `json:"center"`
}

func writeTileJSON(path string, spec model.CompositeSpec, tileSize int) error {
	b := spec.Bounds
	doc := tileJSON{
		TileJSON:    "2.2.0",
		Name:        spec.Name,
		Description: spec.Description,
		Scheme:      "xyz",
		Tiles:       []string{TilesDir + "/{z}/{x}/{y}.png"},
		TileSize:    tileSize,
		MinZoom:     spec.MinZoom,
		MaxZoom:     spec.MaxZoom,
		Bounds:      b,
		Center:      [3]float64{(b.West() + b.East()) / 2, (b.South() + b.North()) / 2, float64(spec.MinZoom)},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tilejson: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write tilejson: %w", err)
	}
	return nil
}

// writePreview fits img into the preview size and captions it.
func (t *Tiler) writePreview(path string, img *image.NRGBA, spec model.CompositeSpec, ts time.Time) error {
	fit := imaging.Fit(img, t.previewSize, t.previewSize, imaging.Lanczos)
	bg := imaging.New(fit.Rect.Dx(), fit.Rect.Dy(), color.NRGBA{R: 8, G: 12, B: 24, A: 255})
	bg = imaging.Overlay(bg, fit, image.Pt(0, 0), 1.0)

	dc := gg.NewContextForImage(bg)
	caption := fmt.Sprintf("%s  %s UTC", spec.Name, model.FormatTimestamp(ts))
	w, h := dc.MeasureString(caption)

	dc.SetRGBA(0, 0, 0, 0.6)
	dc.DrawRectangle(4, 4, w+12, h+12)
	dc.Fill()
	dc.SetRGB(1, 1, 1)
	dc.DrawStringAnchored(caption, 10, 10+h/2, 0, 0.5)

	return savePNG(path, dc.Image())
}
