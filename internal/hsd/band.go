package hsd

import (
	"fmt"
	"math"
	"sort"
)

// Physical constants for the inverse Planck function.
const (
	planckH   = 6.62607015e-34
	lightC    = 2.99792458e8
	boltzmann = 1.380649e-23
)

// Band is one calibrated full-disk band. Values are reflectance (0..1+) for
// bands 1-6 and brightness temperature in kelvin for bands 7-16; NaN marks
// pixels with no valid observation.
type Band struct {
	Number     int
	Columns    int
	Lines      int
	Projection Projection
	Values     []float32
}

// At returns the value at 0-based column x and line y.
func (b *Band) At(x, y int) float32 {
	if x < 0 || y < 0 || x >= b.Columns || y >= b.Lines {
		return float32(math.NaN())
	}
	return b.Values[y*b.Columns+x]
}

// Reflective reports whether band n is calibrated to reflectance.
func Reflective(n int) bool {
	return n >= 1 && n <= 6
}

// Calibrate converts one count to reflectance or brightness temperature.
func (c Calibration) Calibrate(count uint16) float64 {
	rad := c.Gain*float64(count) + c.Constant
	if Reflective(c.Band) {
		return rad * c.RadToAlbedo
	}
	return BrightnessTemperature(rad, c.Wavelength)
}

// BrightnessTemperature inverts the Planck function for a radiance in
// W/(m² sr μm) at a wavelength in μm.
func BrightnessTemperature(radiance, wavelength float64) float64 {
	if radiance <= 0 || wavelength <= 0 {
		return math.NaN()
	}
	lambda := wavelength * 1e-6
	l := radiance * 1e6
	c1 := planckH * lightC / (lambda * boltzmann)
	c2 := 2 * planckH * lightC * lightC / (math.Pow(lambda, 5) * l)
	return c1 / math.Log1p(c2)
}

// PlanckRadiance is the inverse of BrightnessTemperature.
func PlanckRadiance(temperature, wavelength float64) float64 {
	lambda := wavelength * 1e-6
	num := 2 * planckH * lightC * lightC / math.Pow(lambda, 5)
	den := math.Expm1(planckH * lightC / (lambda * boltzmann * temperature))
	return num / den * 1e-6
}

// Assemble decimates the segments of one band to sampleColumns wide and
// stitches them into a calibrated full disk. Lines without a segment stay NaN.
func Assemble(segments []*Segment, sampleColumns int) (*Band, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrInvalidSegment)
	}

	sorted := make([]*Segment, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Segment.Number < sorted[j].Segment.Number
	})

	band := sorted[0].Calibration.Band
	columns := sorted[0].Columns
	factor := 1
	if sampleColumns > 0 && sampleColumns < columns {
		factor = columns / sampleColumns
	}

	decimated := make([]*Segment, len(sorted))
	for i, s := range sorted {
		if s.Calibration.Band != band {
			return nil, fmt.Errorf("%w: band %d mixed with band %d", ErrInvalidSegment, s.Calibration.Band, band)
		}
		if s.Columns != columns {
			return nil, fmt.Errorf("%w: segment %d is %d columns, want %d", ErrInvalidSegment, s.Segment.Number, s.Columns, columns)
		}
		decimated[i] = s.Decimate(factor)
	}

	first := decimated[0]
	out := &Band{
		Number:     band,
		Columns:    first.Columns,
		Lines:      first.Columns, // full disk is square
		Projection: first.Projection,
	}
	out.Values = make([]float32, out.Columns*out.Lines)
	nan := float32(math.NaN())
	for i := range out.Values {
		out.Values[i] = nan
	}

	// Counts repeat heavily; a lookup table makes calibration one index per pixel.
	lut := make(map[uint16]float32)
	for _, s := range decimated {
		row0 := s.Segment.FirstLine - 1
		for y := 0; y < s.Lines; y++ {
			line := row0 + y
			if line < 0 || line >= out.Lines {
				continue
			}
			dst := out.Values[line*out.Columns : (line+1)*out.Columns]
			src := s.Counts[y*s.Columns : (y+1)*s.Columns]
			for x, c := range src {
				if !s.Valid(c) {
					continue
				}
				v, ok := lut[c]
				if !ok {
					v = float32(s.Calibration.Calibrate(c))
					lut[c] = v
				}
				dst[x] = v
			}
		}
	}

	return out, nil
}
