package hsd

import "math"

const (
	degToRad = math.Pi / 180
	radToDeg = 180 / math.Pi

	// 2^-16, the CFAC/LFAC scaling of the CGMS navigation.
	scale16 = 1.0 / 65536
)

// AHI2km is the navigation of a 5500-column full disk.
var AHI2km = Projection{
	SubLon:       140.7,
	CFAC:         20466275,
	LFAC:         20466275,
	COFF:         2750.5,
	LOFF:         2750.5,
	Distance:     42164,
	EquatorialRe: 6378.137,
	PolarRe:      6356.7523,
}

// PixelOf maps a geodetic longitude/latitude in degrees to a 1-based
// (column, line) of the full disk. ok is false when the point is not visible
// from the satellite.
func (p Projection) PixelOf(lon, lat float64) (col, line float64, ok bool) {
	req, rpol, h := p.EquatorialRe, p.PolarRe, p.Distance
	e2 := (req*req - rpol*rpol) / (req * req)

	phi := lat * degToRad
	dlon := (lon - p.SubLon) * degToRad

	cLat := math.Atan(rpol * rpol / (req * req) * math.Tan(phi))
	cosC := math.Cos(cLat)
	rl := rpol / math.Sqrt(1-e2*cosC*cosC)

	r1 := h - rl*cosC*math.Cos(dlon)
	r2 := -rl * cosC * math.Sin(dlon)
	r3 := rl * math.Sin(cLat)

	if (h-r1)*r1-r2*r2-r3*r3*(req*req)/(rpol*rpol) <= 0 {
		return 0, 0, false
	}

	rn := math.Sqrt(r1*r1 + r2*r2 + r3*r3)
	x := math.Atan(-r2/r1) * radToDeg
	y := math.Asin(-r3/rn) * radToDeg

	col = p.COFF + x*scale16*p.CFAC
	line = p.LOFF + y*scale16*p.LFAC
	return col, line, true
}

// Scaled returns the navigation of the same disk sampled at columns pixels,
// relative to p describing a disk of fromColumns pixels.
func (p Projection) Scaled(fromColumns, columns int) Projection {
	if columns <= 0 || columns == fromColumns {
		return p
	}
	f := float64(fromColumns) / float64(columns)
	p.CFAC /= f
	p.LFAC /= f
	p.COFF = (p.COFF-0.5)/f + 0.5
	p.LOFF = (p.LOFF-0.5)/f + 0.5
	return p
}
