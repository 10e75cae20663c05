package model

import "time"

// ArtifactRef identifies a published tiled artifact.
type ArtifactRef struct {
	Composite      string    `json:"composite"`
	SceneTimestamp time.Time `json:"scene_timestamp"`
	Prefix         string    `json:"prefix"`
	Objects        []string  `json:"objects"`
	Tiles          int       `json:"tiles"`
	Bounds         Bounds    `json:"bounds"`
}

// ArtifactPrefix is the deterministic tile-store prefix of a composite scene,
// e.g. "true_color/2025-04-20T04:00:00".
func ArtifactPrefix(composite string, ts time.Time) string {
	return composite + "/" + FormatTimestamp(ts)
}
