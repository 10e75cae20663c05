// Package mirror copies raw segments from the public upstream bucket into the
// local raw bucket so the detector sees them.
package mirror

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/himawari-tiler/internal/detector"
	"github.com/aliskhannn/himawari-tiler/internal/hsd"
	"github.com/aliskhannn/himawari-tiler/internal/model"
)

// source is the upstream bucket.
type source interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
}

// sink is the local raw bucket.
type sink interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Save(ctx context.Context, key string, src io.Reader, size int64, contentType string, metadata map[string]string) error
}

// Syncer mirrors one scene slot at a time.
type Syncer struct {
	upstream source
	local    sink
	expected int
	interval time.Duration
	strategy retry.Strategy
	now      func() time.Time
}

// New creates a Syncer. expected <= 0 uses model.ExpectedSegmentCount and
// interval <= 0 waits one minute between checks of an incomplete slot.
func New(upstream source, local sink, expected int, interval time.Duration, s retry.Strategy) *Syncer {
	if expected <= 0 {
		expected = model.ExpectedSegmentCount
	}
	if interval <= 0 {
		interval = time.Minute
	}

	return &Syncer{
		upstream: upstream,
		local:    local,
		expected: expected,
		interval: interval,
		strategy: s,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sync copies every segment of the slot containing ts that the local bucket
// lacks, then reports whether the slot is complete locally. A failed copy is
// logged and left for the next call.
func (s *Syncer) Sync(ctx context.Context, ts time.Time) (bool, error) {
	ts = model.SlotOf(ts)
	prefix := hsd.ScenePrefix(ts)

	remote, err := s.upstream.List(ctx, prefix)
	if err != nil {
		return false, fmt.Errorf("list upstream %s: %w", prefix, err)
	}
	remote = segments(remote)
	if len(remote) == 0 {
		zlog.Logger.Warn().Str("prefix", prefix).Msg("no upstream segments yet")
		return false, nil
	}

	local, err := s.local.List(ctx, prefix)
	if err != nil {
		return false, fmt.Errorf("list local %s: %w", prefix, err)
	}
	have := make(map[string]struct{}, len(local))
	for _, k := range segments(local) {
		have[k] = struct{}{}
	}

	var missing []string
	for _, k := range remote {
		if _, ok := have[k]; !ok {
			missing = append(missing, k)
		}
	}

	if len(missing) > 0 {
		copied := 0
		for _, key := range missing {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if err := s.copy(ctx, key); err != nil {
				zlog.Logger.Err(err).Str("key", key).Msg("failed to mirror segment")
				continue
			}
			have[key] = struct{}{}
			copied++
		}

		zlog.Logger.Info().
			Str("prefix", prefix).
			Int("copied", copied).
			Int("missing", len(missing)).
			Msg("mirrored scene segments")
	}

	return len(have) >= s.expected, nil
}

func (s *Syncer) copy(ctx context.Context, key string) error {
	return retry.Do(func() error {
		body, err := s.upstream.Load(ctx, key)
		if err != nil {
			return err
		}
		defer body.Close()

		return s.local.Save(ctx, key, body, -1, "application/x-bzip2", nil)
	}, s.strategy)
}

// segments keeps the keys that name segment files.
func segments(keys []string) []string {
	out := keys[:0:0]
	for _, k := range keys {
		if !strings.HasSuffix(k, ".DAT.bz2") && !strings.HasSuffix(k, ".DAT") {
			continue
		}
		if _, ok := hsd.ParseKey(k); ok {
			out = append(out, k)
		}
	}
	return out
}

// Run mirrors slots in order starting from the latest one expected to be
// available. An incomplete slot is retried every interval until it completes
// or falls more than AvailabilityLag behind the latest available slot.
func (s *Syncer) Run(ctx context.Context) error {
	next := detector.LatestAvailable(s.now())
	zlog.Logger.Info().Str("from", model.FormatTimestamp(next)).Msg("starting raw mirror")

	for {
		complete, err := s.Sync(ctx, next)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			zlog.Logger.Err(err).Str("scene", model.FormatTimestamp(next)).Msg("mirror sync failed")
		case complete:
			zlog.Logger.Info().Str("scene", model.FormatTimestamp(next)).Msg("scene mirrored")
			next = next.Add(model.SceneInterval)
			continue
		}

		if latest := detector.LatestAvailable(s.now()); latest.Sub(next) > detector.AvailabilityLag {
			zlog.Logger.Warn().
				Str("skipped", model.FormatTimestamp(next)).
				Str("latest", model.FormatTimestamp(latest)).
				Msg("giving up on incomplete scene")
			next = next.Add(model.SceneInterval)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}
