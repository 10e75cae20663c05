// Package detector groups raw segment listings into 10-minute scenes.
package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/aliskhannn/himawari-tiler/internal/hsd"
	"github.com/aliskhannn/himawari-tiler/internal/model"
)

// AvailabilityLag is how long after acquisition a scene is usually complete
// on the raw store.
const AvailabilityLag = 20 * time.Minute

// lister lists object keys under a prefix.
type lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// Detector finds scenes on the raw-data store.
type Detector struct {
	store    lister
	expected int
}

// New creates a Detector over store expecting expected segments per scene.
// expected <= 0 uses model.ExpectedSegmentCount.
func New(store lister, expected int) *Detector {
	if expected <= 0 {
		expected = model.ExpectedSegmentCount
	}
	return &Detector{store: store, expected: expected}
}

// Expected returns the segment count that makes a scene complete.
func (d *Detector) Expected() int {
	return d.expected
}

// ListCandidateScenes returns one Scene per 10-minute slot from since through
// now, oldest first, including partial and empty ones.
func (d *Detector) ListCandidateScenes(ctx context.Context, since, now time.Time) ([]model.Scene, error) {
	from, to := model.SlotOf(since), model.SlotOf(now)

	var scenes []model.Scene
	for ts := from; !ts.After(to); ts = ts.Add(model.SceneInterval) {
		scene, err := d.Scene(ctx, ts)
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, scene)
	}

	return scenes, nil
}

// Scene lists the segments of the slot containing ts.
func (d *Detector) Scene(ctx context.Context, ts time.Time) (model.Scene, error) {
	ts = model.SlotOf(ts)

	keys, err := d.store.List(ctx, hsd.ScenePrefix(ts))
	if err != nil {
		return model.Scene{}, fmt.Errorf("list scene %s: %w", model.FormatTimestamp(ts), err)
	}

	segments := keys[:0:0]
	for _, k := range keys {
		info, ok := hsd.ParseKey(k)
		if !ok || !info.Timestamp.Equal(ts) {
			continue
		}
		segments = append(segments, k)
	}

	return model.NewScene(ts, segments, d.expected), nil
}

// IsNewAndComplete reports whether scene is complete and its timestamp is not known.
func IsNewAndComplete(scene model.Scene, known map[time.Time]struct{}) bool {
	if _, ok := known[scene.Timestamp]; ok {
		return false
	}
	return scene.IsComplete()
}

// LatestAvailable returns the newest slot expected to be complete at now.
func LatestAvailable(now time.Time) time.Time {
	return model.SlotOf(now).Add(-AvailabilityLag)
}
