package detector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aliskhannn/himawari-tiler/internal/hsd"
	"github.com/aliskhannn/himawari-tiler/internal/model"
)

type fakeLister struct {
	keys []string
	err  error
	seen []string
}

func (f *fakeLister) List(_ context.Context, prefix string) ([]string, error) {
	f.seen = append(f.seen, prefix)
	if f.err != nil {
		return nil, f.err
	}
	var out []string
	for _, k := range f.keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

var ts = time.Date(2025, 4, 20, 4, 0, 0, 0, time.UTC)

func sceneKeys(ts time.Time, n int) []string {
	var keys []string
	for band := 1; band <= 16 && len(keys) < n; band++ {
		for seg := 1; seg <= 10 && len(keys) < n; seg++ {
			keys = append(keys, hsd.SegmentKey("H09", ts, band, seg, true))
		}
	}
	return keys
}

func TestListCandidateScenes(t *testing.T) {
	keys := sceneKeys(ts, 160)
	keys = append(keys, sceneKeys(ts.Add(10*time.Minute), 80)...)
	keys = append(keys, hsd.ScenePrefix(ts)+"index.html")

	d := New(&fakeLister{keys: keys}, 0)

	scenes, err := d.ListCandidateScenes(context.Background(), ts.Add(-10*time.Minute), ts.Add(25*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(scenes) != 4 {
		t.Fatalf("got %d scenes, want 4 slots", len(scenes))
	}

	counts := []int{0, 160, 80, 0}
	for i, s := range scenes {
		if len(s.SegmentKeys) != counts[i] {
			t.Errorf("slot %s has %d segments, want %d", s.Timestamp, len(s.SegmentKeys), counts[i])
		}
	}
	if !scenes[1].Timestamp.Equal(ts) || !scenes[1].IsComplete() {
		t.Fatalf("scene at %s not complete", scenes[1].Timestamp)
	}
	if scenes[2].IsComplete() {
		t.Fatal("partial scene reported complete")
	}
}

func TestDuplicateKeysCountedOnce(t *testing.T) {
	keys := sceneKeys(ts, 159)
	// Re-listed uploads of the same object.
	keys = append(keys, keys[0], keys[10], keys[158])

	d := New(&fakeLister{keys: keys}, 0)
	scene, err := d.Scene(context.Background(), ts.Add(3*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(scene.SegmentKeys) != 159 || scene.IsComplete() {
		t.Fatalf("scene has %d segments, complete=%v", len(scene.SegmentKeys), scene.IsComplete())
	}
	if !scene.Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %s, want slot start", scene.Timestamp)
	}
}

func TestIsNewAndComplete(t *testing.T) {
	complete := model.NewScene(ts, sceneKeys(ts, 160), model.ExpectedSegmentCount)
	partial := model.NewScene(ts, sceneKeys(ts, 100), model.ExpectedSegmentCount)
	known := map[time.Time]struct{}{}

	if IsNewAndComplete(partial, known) {
		t.Fatal("partial scene reported processable")
	}
	if !IsNewAndComplete(complete, known) {
		t.Fatal("complete scene not reported")
	}

	known[complete.Timestamp] = struct{}{}
	if IsNewAndComplete(complete, known) {
		t.Fatal("known scene reported again")
	}
}

func TestListErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	d := New(&fakeLister{err: boom}, 0)

	if _, err := d.ListCandidateScenes(context.Background(), ts, ts); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
}

func TestLatestAvailable(t *testing.T) {
	now := time.Date(2025, 4, 20, 4, 27, 13, 0, time.UTC)
	if got, want := LatestAvailable(now), time.Date(2025, 4, 20, 4, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("latest = %s, want %s", got, want)
	}
}
