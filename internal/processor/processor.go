package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
	"golang.org/x/sync/errgroup"

	"github.com/aliskhannn/himawari-tiler/internal/composite"
	"github.com/aliskhannn/himawari-tiler/internal/hsd"
	"github.com/aliskhannn/himawari-tiler/internal/model"
	"github.com/aliskhannn/himawari-tiler/internal/storage/file"
	"github.com/aliskhannn/himawari-tiler/internal/tiler"
)

// ErrMissingSegment is returned when a segment a composite needs is not in the scene.
var ErrMissingSegment = errors.New("missing segment")

// rawStorage is the raw-data bucket.
type rawStorage interface {
	Load(ctx context.Context, key string) (io.ReadCloser, error)
}

// tileStorage is the bucket artifacts are published to.
type tileStorage interface {
	Save(ctx context.Context, key string, src io.Reader, size int64, contentType string, metadata map[string]string) error
}

// publisher announces finished artifacts to the tile-serving side.
type publisher interface {
	PublishArtifact(ctx context.Context, ref model.ArtifactRef) error
}

// Options configures a Processor.
type Options struct {
	ScratchDir  string
	Retry       retry.Strategy
	Concurrency int // parallel downloads and uploads, default 4
	Tiler       tiler.Options
}

// Processor turns a complete scene into a tiled artifact for one composite.
type Processor struct {
	raw         rawStorage
	tiles       tileStorage
	publisher   publisher
	tiler       *tiler.Tiler
	scratchDir  string
	strategy    retry.Strategy
	concurrency int
}

// New creates a new Processor.
// - raw: bucket holding the segment files
// - tiles: bucket artifacts are uploaded to
// - pub: artifact event publisher, may be nil
func New(raw rawStorage, tiles tileStorage, pub publisher, opts Options) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry.Attempts = 1
	}

	return &Processor{
		raw:         raw,
		tiles:       tiles,
		publisher:   pub,
		tiler:       tiler.New(opts.Tiler),
		scratchDir:  opts.ScratchDir,
		strategy:    opts.Retry,
		concurrency: opts.Concurrency,
	}
}

// Process downloads the segments spec needs, renders and tiles the composite
// and uploads every file under the artifact prefix, replacing what is there.
// Scratch files are removed on every exit path.
func (p *Processor) Process(ctx context.Context, scene model.Scene, spec model.CompositeSpec) (model.ArtifactRef, error) {
	start := time.Now()
	prefix := model.ArtifactPrefix(spec.Name, scene.Timestamp)

	if p.scratchDir != "" {
		if err := os.MkdirAll(p.scratchDir, 0o755); err != nil {
			return model.ArtifactRef{}, fmt.Errorf("create scratch root: %w", err)
		}
	}
	scratch, err := os.MkdirTemp(p.scratchDir, spec.Name+"-"+scene.Timestamp.UTC().Format("20060102T1504")+"-")
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			zlog.Logger.Err(err).Str("dir", scratch).Msg("failed to remove scratch dir")
		}
	}()

	byBand, err := selectSegments(scene, spec)
	if err != nil {
		return model.ArtifactRef{}, err
	}

	files, err := p.download(ctx, byBand, filepath.Join(scratch, "raw"))
	if err != nil {
		return model.ArtifactRef{}, err
	}

	bands, err := p.decode(ctx, files, spec.SampleColumns)
	if err != nil {
		return model.ArtifactRef{}, err
	}

	img, err := composite.Render(ctx, bands, spec)
	if err != nil {
		return model.ArtifactRef{}, err
	}

	outDir := filepath.Join(scratch, "out")
	res, err := p.tiler.Write(ctx, outDir, img, spec, scene.Timestamp)
	if err != nil {
		return model.ArtifactRef{}, err
	}

	objects, err := p.upload(ctx, outDir, prefix, res.Files, spec, scene.Timestamp)
	if err != nil {
		return model.ArtifactRef{}, err
	}

	ref := model.ArtifactRef{
		Composite:      spec.Name,
		SceneTimestamp: scene.Timestamp,
		Prefix:         prefix,
		Objects:        objects,
		Tiles:          res.Tiles,
		Bounds:         spec.Bounds,
	}

	if p.publisher != nil {
		if err := p.publisher.PublishArtifact(ctx, ref); err != nil {
			zlog.Logger.Err(err).Str("prefix", prefix).Msg("failed to publish artifact event")
		}
	}

	zlog.Logger.Info().
		Str("prefix", prefix).
		Int("tiles", res.Tiles).
		Dur("took", time.Since(start)).
		Msg("composite published")

	return ref, nil
}

// selectSegments groups the scene keys of the bands spec reads and checks
// every segment of those bands is present.
func selectSegments(scene model.Scene, spec model.CompositeSpec) (map[int][]string, error) {
	byBand := make(map[int][]string)
	seen := make(map[[2]int]bool)
	totals := make(map[int]int)

	for _, key := range scene.SegmentKeys {
		info, ok := hsd.ParseKey(key)
		if !ok || !spec.RequiresBand(info.Band) {
			continue
		}
		id := [2]int{info.Band, info.Segment}
		if seen[id] {
			continue
		}
		seen[id] = true
		totals[info.Band] = info.Total
		byBand[info.Band] = append(byBand[info.Band], key)
	}

	for _, band := range spec.Bands() {
		total := totals[band]
		if total == 0 {
			return nil, fmt.Errorf("%w: band %d of %s", ErrMissingSegment, band, model.FormatTimestamp(scene.Timestamp))
		}
		if len(byBand[band]) != total {
			return nil, fmt.Errorf("%w: band %d has %d of %d segments", ErrMissingSegment, band, len(byBand[band]), total)
		}
	}

	return byBand, nil
}

// download copies the selected segments into dir and returns local paths by band.
func (p *Processor) download(ctx context.Context, byBand map[int][]string, dir string) (map[int][]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	var mu sync.Mutex
	local := make(map[int][]string, len(byBand))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for band, keys := range byBand {
		for _, key := range keys {
			band, key := band, key
			g.Go(func() error {
				dst := filepath.Join(dir, path.Base(key))
				if err := p.fetch(ctx, key, dst); err != nil {
					return err
				}
				mu.Lock()
				local[band] = append(local[band], dst)
				mu.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return local, nil
}

// fetch downloads one object with retries. A missing object is not retried.
func (p *Processor) fetch(ctx context.Context, key, dst string) error {
	// stop ends the retries early for errors another attempt cannot fix.
	var stop error

	err := retry.Do(func() error {
		if err := ctx.Err(); err != nil {
			stop = err
			return nil
		}

		rc, err := p.raw.Load(ctx, key)
		if err != nil {
			if errors.Is(err, file.ErrObjectNotFound) {
				stop = fmt.Errorf("%w: %s", ErrMissingSegment, key)
				return nil
			}
			return err
		}
		defer rc.Close()

		f, err := os.Create(dst)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, rc); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}, p.strategy)

	if stop != nil {
		return stop
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	return nil
}

// decode assembles one calibrated band per band number, in parallel.
func (p *Processor) decode(ctx context.Context, files map[int][]string, sampleColumns int) (map[int]*hsd.Band, error) {
	var mu sync.Mutex
	bands := make(map[int]*hsd.Band, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for band, paths := range files {
		band, paths := band, paths
		g.Go(func() error {
			segs := make([]*hsd.Segment, 0, len(paths))
			for _, fp := range paths {
				if err := ctx.Err(); err != nil {
					return err
				}
				seg, err := hsd.Open(fp)
				if err != nil {
					return err
				}
				if seg.Calibration.Band != band {
					return fmt.Errorf("%w: %s holds band %d", hsd.ErrInvalidSegment, filepath.Base(fp), seg.Calibration.Band)
				}
				segs = append(segs, seg)
			}

			b, err := hsd.Assemble(segs, sampleColumns)
			if err != nil {
				return fmt.Errorf("assemble band %d: %w", band, err)
			}

			mu.Lock()
			bands[band] = b
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bands, nil
}

// upload stores every file of the artifact under prefix and returns the
// sorted object keys.
func (p *Processor) upload(ctx context.Context, dir, prefix string, files []string, spec model.CompositeSpec, ts time.Time) ([]string, error) {
	meta := map[string]string{
		"Composite":       spec.Name,
		"Scene-Timestamp": model.FormatTimestamp(ts),
	}

	keys := make([]string, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, rel := range files {
		i, rel := i, rel
		key := prefix + "/" + rel
		keys[i] = key

		g.Go(func() error {
			err := retry.Do(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
				if err != nil {
					return err
				}
				defer f.Close()

				st, err := f.Stat()
				if err != nil {
					return err
				}
				return p.tiles.Save(ctx, key, f, st.Size(), contentType(rel), meta)
			}, p.strategy)
			if err != nil {
				return fmt.Errorf("upload %s: %w", key, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(keys)
	return keys, nil
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	case ".pgw":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
