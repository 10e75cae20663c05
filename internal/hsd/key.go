package hsd

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"time"
)

// RootPrefix is the top-level prefix of full-disk L1b data in the raw bucket.
const RootPrefix = "AHI-L1b-FLDK"

// SegmentsPerBand is the number of segments a band is split into.
const SegmentsPerBand = 10

var keyPattern = regexp.MustCompile(`HS_H0[89]_(\d{8})_(\d{4})_B(\d{2})_FLDK_R(\d{2})_S(\d{2})(\d{2})\.DAT(\.bz2)?$`)

// KeyInfo is what a raw object key says about its segment.
type KeyInfo struct {
	Timestamp  time.Time
	Band       int
	Resolution int
	Segment    int
	Total      int
	Compressed bool
}

// ScenePrefix returns the listing prefix of one scene, with trailing slash.
func ScenePrefix(ts time.Time) string {
	return RootPrefix + "/" + ts.UTC().Format("2006/01/02/1504") + "/"
}

// SegmentKey builds the raw object key of one segment.
func SegmentKey(satellite string, ts time.Time, band, segment int, compressed bool) string {
	ts = ts.UTC()
	name := fmt.Sprintf("HS_%s_%s_B%02d_FLDK_R%02d_S%02d%02d.DAT",
		satellite, ts.Format("20060102_1504"), band, resolutionOf(band), segment, SegmentsPerBand)
	if compressed {
		name += ".bz2"
	}
	return ScenePrefix(ts) + name
}

// ParseKey extracts segment identity from a raw key. ok is false for keys that
// are not segment files.
func ParseKey(key string) (KeyInfo, bool) {
	m := keyPattern.FindStringSubmatch(path.Base(key))
	if m == nil {
		return KeyInfo{}, false
	}

	ts, err := time.ParseInLocation("20060102 1504", m[1]+" "+m[2], time.UTC)
	if err != nil {
		return KeyInfo{}, false
	}
	band, _ := strconv.Atoi(m[3])
	res, _ := strconv.Atoi(m[4])
	seg, _ := strconv.Atoi(m[5])
	total, _ := strconv.Atoi(m[6])
	if band < 1 || band > 16 || seg < 1 || seg > total {
		return KeyInfo{}, false
	}

	return KeyInfo{
		Timestamp:  ts,
		Band:       band,
		Resolution: res,
		Segment:    seg,
		Total:      total,
		Compressed: m[7] != "",
	}, true
}

// resolutionOf returns the nominal sub-satellite resolution code of a band.
func resolutionOf(band int) int {
	switch band {
	case 3:
		return 5
	case 1, 2, 4:
		return 10
	default:
		return 20
	}
}
