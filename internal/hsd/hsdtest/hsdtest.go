// Package hsdtest writes small synthetic HSD segments for tests.
package hsdtest

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/aliskhannn/himawari-tiler/internal/hsd"
)

// Block lengths, as in real files.
const (
	lenBasic       = 282
	lenData        = 50
	lenProjection  = 127
	lenNavigation  = 139
	lenCalibration = 147
	lenSegment     = 47
)

// Segment describes one synthetic segment file.
type Segment struct {
	Band      int
	Number    int // 1..Total
	Total     int
	Columns   int // full-disk width; the disk is Columns x Columns
	Gain      float64
	Constant  float64
	Albedo    float64
	ByteOrder binary.ByteOrder

	// Count returns the raw count at 0-based full-disk column x and line y.
	// Nil writes DefaultCount inside the disk.
	Count func(x, y int) uint16
}

// DefaultCount is the count written when Segment.Count is nil.
const DefaultCount = 2000

// Defaults fills calibration values typical for the band.
func Defaults(band, number, columns int) Segment {
	s := Segment{
		Band:      band,
		Number:    number,
		Total:     hsd.SegmentsPerBand,
		Columns:   columns,
		ByteOrder: binary.LittleEndian,
	}
	if hsd.Reflective(band) {
		s.Gain, s.Constant, s.Albedo = 0.1, 0, 0.0025
	} else {
		s.Gain, s.Constant = -0.01, 25
	}
	return s
}

// Wavelength returns the central wavelength of an AHI band in μm.
func Wavelength(band int) float64 {
	w := [...]float64{0, 0.47, 0.51, 0.64, 0.86, 1.6, 2.3, 3.9, 6.2, 6.9, 7.3, 8.6, 9.6, 10.4, 11.2, 12.4, 13.3}
	if band < 1 || band >= len(w) {
		return 0
	}
	return w[band]
}

// Bytes encodes s as an uncompressed segment file.
func (s Segment) Bytes() []byte {
	var buf bytes.Buffer
	_ = s.Write(&buf)
	return buf.Bytes()
}

// Write encodes s to w.
func (s Segment) Write(w io.Writer) error {
	o := s.ByteOrder
	if o == nil {
		o = binary.LittleEndian
	}
	lines := s.Columns / s.Total
	firstLine := (s.Number-1)*lines + 1
	headerLen := lenBasic + lenData + lenProjection + lenNavigation + lenCalibration + lenSegment

	basic := make([]byte, lenBasic)
	basic[0] = 1
	o.PutUint16(basic[1:3], lenBasic)
	o.PutUint16(basic[3:5], 6)
	if o == binary.BigEndian {
		basic[5] = 1
	}
	o.PutUint32(basic[70:74], uint32(headerLen))
	o.PutUint32(basic[74:78], uint32(s.Columns*lines*2))

	data := make([]byte, lenData)
	data[0] = 2
	o.PutUint16(data[1:3], lenData)
	o.PutUint16(data[3:5], 16)
	o.PutUint16(data[5:7], uint16(s.Columns))
	o.PutUint16(data[7:9], uint16(lines))

	p := hsd.AHI2km.Scaled(5500, s.Columns)
	proj := make([]byte, lenProjection)
	proj[0] = 3
	o.PutUint16(proj[1:3], lenProjection)
	o.PutUint64(proj[3:11], math.Float64bits(p.SubLon))
	o.PutUint32(proj[11:15], uint32(math.Round(p.CFAC)))
	o.PutUint32(proj[15:19], uint32(math.Round(p.LFAC)))
	o.PutUint32(proj[19:23], math.Float32bits(float32(p.COFF)))
	o.PutUint32(proj[23:27], math.Float32bits(float32(p.LOFF)))
	o.PutUint64(proj[27:35], math.Float64bits(p.Distance))
	o.PutUint64(proj[35:43], math.Float64bits(p.EquatorialRe))
	o.PutUint64(proj[43:51], math.Float64bits(p.PolarRe))

	// Navigation block; the decoder must skip it by length.
	nav := make([]byte, lenNavigation)
	nav[0] = 4
	o.PutUint16(nav[1:3], lenNavigation)

	cal := make([]byte, lenCalibration)
	cal[0] = 5
	o.PutUint16(cal[1:3], lenCalibration)
	o.PutUint16(cal[3:5], uint16(s.Band))
	o.PutUint64(cal[5:13], math.Float64bits(Wavelength(s.Band)))
	o.PutUint16(cal[13:15], 12)
	o.PutUint16(cal[15:17], hsd.CountError)
	o.PutUint16(cal[17:19], hsd.CountOutsideScan)
	o.PutUint64(cal[19:27], math.Float64bits(s.Gain))
	o.PutUint64(cal[27:35], math.Float64bits(s.Constant))
	o.PutUint64(cal[35:43], math.Float64bits(s.Albedo))

	seg := make([]byte, lenSegment)
	seg[0] = 7
	o.PutUint16(seg[1:3], lenSegment)
	seg[3] = byte(s.Total)
	seg[4] = byte(s.Number)
	o.PutUint16(seg[5:7], uint16(firstLine))

	for _, b := range [][]byte{basic, data, proj, nav, cal, seg} {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}

	counts := make([]uint16, s.Columns*lines)
	half := float64(s.Columns) / 2
	radius := half * 0.98
	for y := 0; y < lines; y++ {
		line := firstLine - 1 + y
		for x := 0; x < s.Columns; x++ {
			dx, dy := float64(x)+0.5-half, float64(line)+0.5-half
			switch {
			case dx*dx+dy*dy > radius*radius:
				counts[y*s.Columns+x] = hsd.CountOutsideScan
			case s.Count != nil:
				counts[y*s.Columns+x] = s.Count(x, line)
			default:
				counts[y*s.Columns+x] = DefaultCount
			}
		}
	}
	return binary.Write(w, o, counts)
}

// Scene returns every segment of a full scene keyed by raw object key.
func Scene(ts time.Time, columns int) map[string][]byte {
	out := make(map[string][]byte, 16*hsd.SegmentsPerBand)
	for band := 1; band <= 16; band++ {
		for n := 1; n <= hsd.SegmentsPerBand; n++ {
			out[hsd.SegmentKey("H09", ts, band, n, false)] = Defaults(band, n, columns).Bytes()
		}
	}
	return out
}
