package model

import "time"

const (
	// SceneInterval is the acquisition cadence of a full-disk scene.
	SceneInterval = 10 * time.Minute

	// ExpectedSegmentCount is 16 bands times 10 segments.
	ExpectedSegmentCount = 160

	timestampLayout = "2006-01-02T15:04:05"
)

// Scene is the set of raw segments observed for one 10-minute window.
// A new listing produces a new Scene value; existing values are never mutated.
type Scene struct {
	Timestamp            time.Time `json:"timestamp"`
	SegmentKeys          []string  `json:"segment_keys"`
	ExpectedSegmentCount int       `json:"expected_segment_count"`
}

// NewScene builds a Scene from raw keys, dropping duplicates while keeping
// first-seen order.
func NewScene(ts time.Time, keys []string, expected int) Scene {
	seen := make(map[string]struct{}, len(keys))
	unique := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}

	return Scene{
		Timestamp:            SlotOf(ts),
		SegmentKeys:          unique,
		ExpectedSegmentCount: expected,
	}
}

// IsComplete reports whether every expected segment has been observed.
func (s Scene) IsComplete() bool {
	return len(s.SegmentKeys) == s.ExpectedSegmentCount
}

// SlotOf truncates t to its 10-minute scene boundary in UTC.
func SlotOf(t time.Time) time.Time {
	return t.UTC().Truncate(SceneInterval)
}

// FormatTimestamp renders a scene timestamp the way artifact keys and the
// task service expect it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp accepts RFC 3339 or the bare artifact layout (assumed UTC).
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(timestampLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
