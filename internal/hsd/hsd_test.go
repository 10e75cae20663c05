package hsd_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aliskhannn/himawari-tiler/internal/hsd"
	"github.com/aliskhannn/himawari-tiler/internal/hsd/hsdtest"
)

func TestDecodeRoundTrip(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		s := hsdtest.Defaults(13, 3, 100)
		s.ByteOrder = order
		s.Count = func(x, y int) uint16 { return uint16(x + y) }

		seg, err := hsd.Decode(bytes.NewReader(s.Bytes()))
		if err != nil {
			t.Fatalf("%v: decode: %v", order, err)
		}

		if seg.Columns != 100 || seg.Lines != 10 {
			t.Fatalf("size = %dx%d, want 100x10", seg.Columns, seg.Lines)
		}
		if seg.Calibration.Band != 13 || seg.Segment.Number != 3 || seg.Segment.Total != 10 {
			t.Fatalf("unexpected header %+v", seg.Header)
		}
		if seg.Segment.FirstLine != 21 {
			t.Fatalf("first line = %d, want 21", seg.Segment.FirstLine)
		}
		if got := seg.Counts[5*100+50]; got != uint16(50+25) {
			t.Fatalf("count = %d, want 75", got)
		}
		if got := seg.Counts[0]; got != hsd.CountOutsideScan {
			t.Fatalf("corner count = %d, want outside scan", got)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := hsd.Decode(bytes.NewReader([]byte("not a segment file at all")))
	if !errors.Is(err, hsd.ErrInvalidSegment) {
		t.Fatalf("err = %v, want ErrInvalidSegment", err)
	}

	full := hsdtest.Defaults(1, 1, 40).Bytes()
	_, err = hsd.Decode(bytes.NewReader(full[:len(full)-10]))
	if !errors.Is(err, hsd.ErrInvalidSegment) {
		t.Fatalf("truncated: err = %v, want ErrInvalidSegment", err)
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.DAT")
	if err := os.WriteFile(path, hsdtest.Defaults(1, 1, 40).Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	seg, err := hsd.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if seg.Columns != 40 {
		t.Fatalf("columns = %d", seg.Columns)
	}
}

func TestDecimateAdjustsNavigation(t *testing.T) {
	s := hsdtest.Defaults(1, 2, 100)
	seg, err := hsd.Decode(bytes.NewReader(s.Bytes()))
	if err != nil {
		t.Fatal(err)
	}

	d := seg.Decimate(2)
	if d.Columns != 50 || d.Lines != 5 {
		t.Fatalf("size = %dx%d, want 50x5", d.Columns, d.Lines)
	}
	if d.Segment.FirstLine != 6 {
		t.Fatalf("first line = %d, want 6", d.Segment.FirstLine)
	}

	// The sub-satellite point stays at the disk centre.
	col, line, ok := d.Projection.PixelOf(d.Projection.SubLon, 0)
	if !ok {
		t.Fatal("sub-satellite point not visible")
	}
	if math.Abs(col-25.5) > 0.01 || math.Abs(line-25.5) > 0.01 {
		t.Fatalf("centre = (%f, %f), want (25.5, 25.5)", col, line)
	}
}

func TestPixelOf(t *testing.T) {
	p := hsd.AHI2km

	col, line, ok := p.PixelOf(140.7, 0)
	if !ok || col != 2750.5 || line != 2750.5 {
		t.Fatalf("sub-satellite = (%f, %f, %v)", col, line, ok)
	}

	// North is up: a northern point has a smaller line number.
	_, line, ok = p.PixelOf(140.7, 35)
	if !ok || line >= 2750.5 {
		t.Fatalf("north line = %f, ok %v", line, ok)
	}

	// East is right.
	col, _, ok = p.PixelOf(150, 0)
	if !ok || col <= 2750.5 {
		t.Fatalf("east col = %f, ok %v", col, ok)
	}

	if _, _, ok := p.PixelOf(-40, 0); ok {
		t.Fatal("far side of the earth reported visible")
	}
}

func TestCalibrate(t *testing.T) {
	vis := hsd.Calibration{Band: 3, Gain: 0.1, Constant: -1, RadToAlbedo: 0.002}
	if got, want := vis.Calibrate(1010), (0.1*1010-1)*0.002; math.Abs(got-want) > 1e-12 {
		t.Fatalf("albedo = %f, want %f", got, want)
	}

	const wl = 10.4
	rad := hsd.PlanckRadiance(280, wl)
	if got := hsd.BrightnessTemperature(rad, wl); math.Abs(got-280) > 1e-6 {
		t.Fatalf("brightness temperature = %f, want 280", got)
	}

	if !math.IsNaN(hsd.BrightnessTemperature(0, wl)) {
		t.Fatal("non-positive radiance must be NaN")
	}
}

func TestAssemble(t *testing.T) {
	var segs []*hsd.Segment
	// Reverse order and one missing segment.
	for n := 10; n >= 2; n-- {
		seg, err := hsd.Decode(bytes.NewReader(hsdtest.Defaults(2, n, 100).Bytes()))
		if err != nil {
			t.Fatal(err)
		}
		segs = append(segs, seg)
	}

	band, err := hsd.Assemble(segs, 50)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if band.Columns != 50 || band.Lines != 50 {
		t.Fatalf("size = %dx%d, want 50x50", band.Columns, band.Lines)
	}

	if v := band.At(25, 2); !math.IsNaN(float64(v)) {
		t.Fatalf("missing segment value = %f, want NaN", v)
	}
	if v := band.At(0, 25); !math.IsNaN(float64(v)) {
		t.Fatalf("off-disk value = %f, want NaN", v)
	}
	want := float32(hsdtest.DefaultCount * 0.1 * 0.0025)
	if v := band.At(25, 25); math.Abs(float64(v-want)) > 1e-6 {
		t.Fatalf("centre value = %f, want %f", v, want)
	}
}

func TestKeys(t *testing.T) {
	ts := time.Date(2025, 4, 20, 4, 0, 0, 0, time.UTC)

	key := hsd.SegmentKey("H09", ts, 3, 7, true)
	want := "AHI-L1b-FLDK/2025/04/20/0400/HS_H09_20250420_0400_B03_FLDK_R05_S0710.DAT.bz2"
	if key != want {
		t.Fatalf("key = %q, want %q", key, want)
	}

	info, ok := hsd.ParseKey(key)
	if !ok {
		t.Fatal("key not parsed")
	}
	if !info.Timestamp.Equal(ts) || info.Band != 3 || info.Segment != 7 || info.Total != 10 || !info.Compressed {
		t.Fatalf("info = %+v", info)
	}

	for _, k := range []string{
		"AHI-L1b-FLDK/2025/04/20/0400/README.txt",
		"AHI-L1b-FLDK/2025/04/20/0400/HS_H09_20250420_0400_B17_FLDK_R20_S0110.DAT",
		"AHI-L1b-FLDK/2025/04/20/0400/HS_H09_20250420_0400_B01_FLDK_R10_S0110.DAT.tmp",
	} {
		if _, ok := hsd.ParseKey(k); ok {
			t.Errorf("%q parsed as a segment", k)
		}
	}
}
