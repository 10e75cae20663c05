// Package hsd decodes Himawari Standard Data segment files.
package hsd

import (
	"bufio"
	"compress/bzip2"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Header block numbers the decoder reads. Other blocks are skipped by length.
const (
	blockBasic       = 1
	blockData        = 2
	blockProjection  = 3
	blockCalibration = 5
	blockSegment     = 7
)

// Special counts written by the ground segment.
const (
	CountError       = 65535
	CountOutsideScan = 65534
)

var (
	ErrInvalidSegment = errors.New("invalid hsd segment")
	ErrUnsupported    = errors.New("unsupported hsd segment")
)

// Projection holds the CGMS normalized geostationary navigation of a segment.
type Projection struct {
	SubLon       float64 // degrees east
	CFAC         float64
	LFAC         float64
	COFF         float64
	LOFF         float64
	Distance     float64 // km, satellite to earth centre
	EquatorialRe float64 // km
	PolarRe      float64 // km
}

// Calibration converts counts to physical values.
type Calibration struct {
	Band         int
	Wavelength   float64 // micrometres
	ValidBits    int
	Gain         float64
	Constant     float64
	RadToAlbedo  float64 // visible and near-infrared bands only
	ErrorCount   int
	OutsideCount int
}

// SegmentInfo locates a segment inside the full disk.
type SegmentInfo struct {
	Total     int
	Number    int
	FirstLine int // 1-based full-disk line of the first segment line
}

// Header is the decoded header of one segment file.
type Header struct {
	ByteOrder    binary.ByteOrder
	HeaderBlocks int
	HeaderLength int
	DataLength   int
	BitsPerPixel int
	Columns      int
	Lines        int
	Compression  int
	Projection   Projection
	Calibration  Calibration
	Segment      SegmentInfo
}

// Segment is a decoded segment: header plus Lines*Columns counts, row major.
type Segment struct {
	Header
	Counts []uint16
}

// Open decodes the segment file at path, decompressing bzip2 files by extension.
func Open(path string) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReaderSize(f, 1<<16)
	if strings.HasSuffix(path, ".bz2") {
		r = bzip2.NewReader(r)
	}

	seg, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return seg, nil
}

// Decode reads one uncompressed segment from r.
func Decode(r io.Reader) (*Segment, error) {
	h, err := decodeHeader(r)
	if err != nil {
		return nil, err
	}

	if h.BitsPerPixel != 16 {
		return nil, fmt.Errorf("%w: %d bits per pixel", ErrUnsupported, h.BitsPerPixel)
	}
	if h.Compression != 0 {
		return nil, fmt.Errorf("%w: compression flag %d", ErrUnsupported, h.Compression)
	}

	counts := make([]uint16, h.Columns*h.Lines)
	if err := binary.Read(r, h.ByteOrder, counts); err != nil {
		return nil, fmt.Errorf("%w: read data: %v", ErrInvalidSegment, err)
	}

	return &Segment{Header: *h, Counts: counts}, nil
}

func decodeHeader(r io.Reader) (*Header, error) {
	// Block 1 carries the byte order, which is needed to read its own length.
	lead := make([]byte, 6)
	if _, err := io.ReadFull(r, lead); err != nil {
		return nil, fmt.Errorf("%w: read basic block: %v", ErrInvalidSegment, err)
	}
	if lead[0] != blockBasic {
		return nil, fmt.Errorf("%w: first block is %d", ErrInvalidSegment, lead[0])
	}

	h := &Header{ByteOrder: binary.LittleEndian}
	if lead[5] != 0 {
		h.ByteOrder = binary.BigEndian
	}

	blockLen := int(h.ByteOrder.Uint16(lead[1:3]))
	if blockLen < 78 {
		return nil, fmt.Errorf("%w: basic block length %d", ErrInvalidSegment, blockLen)
	}
	basic := make([]byte, blockLen)
	copy(basic, lead)
	if _, err := io.ReadFull(r, basic[len(lead):]); err != nil {
		return nil, fmt.Errorf("%w: read basic block: %v", ErrInvalidSegment, err)
	}

	o := h.ByteOrder
	h.HeaderBlocks = int(o.Uint16(basic[3:5]))
	h.HeaderLength = int(o.Uint32(basic[70:74]))
	h.DataLength = int(o.Uint32(basic[74:78]))
	if h.HeaderLength < blockLen {
		return nil, fmt.Errorf("%w: header length %d", ErrInvalidSegment, h.HeaderLength)
	}

	rest := make([]byte, h.HeaderLength-blockLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrInvalidSegment, err)
	}

	var seen [12]bool
	for off := 0; off < len(rest); {
		if off+3 > len(rest) {
			return nil, fmt.Errorf("%w: truncated block at %d", ErrInvalidSegment, off)
		}
		num := int(rest[off])
		n := int(o.Uint16(rest[off+1 : off+3]))
		if n < 3 || off+n > len(rest) {
			return nil, fmt.Errorf("%w: block %d length %d", ErrInvalidSegment, num, n)
		}
		b := rest[off : off+n]

		switch num {
		case blockData:
			if err := need(b, 10, num); err != nil {
				return nil, err
			}
			h.BitsPerPixel = int(o.Uint16(b[3:5]))
			h.Columns = int(o.Uint16(b[5:7]))
			h.Lines = int(o.Uint16(b[7:9]))
			h.Compression = int(b[9])
		case blockProjection:
			if err := need(b, 51, num); err != nil {
				return nil, err
			}
			h.Projection = Projection{
				SubLon:       f64(o, b[3:11]),
				CFAC:         float64(o.Uint32(b[11:15])),
				LFAC:         float64(o.Uint32(b[15:19])),
				COFF:         float64(f32(o, b[19:23])),
				LOFF:         float64(f32(o, b[23:27])),
				Distance:     f64(o, b[27:35]),
				EquatorialRe: f64(o, b[35:43]),
				PolarRe:      f64(o, b[43:51]),
			}
		case blockCalibration:
			if err := need(b, 43, num); err != nil {
				return nil, err
			}
			h.Calibration = Calibration{
				Band:         int(o.Uint16(b[3:5])),
				Wavelength:   f64(o, b[5:13]),
				ValidBits:    int(o.Uint16(b[13:15])),
				ErrorCount:   int(o.Uint16(b[15:17])),
				OutsideCount: int(o.Uint16(b[17:19])),
				Gain:         f64(o, b[19:27]),
				Constant:     f64(o, b[27:35]),
				RadToAlbedo:  f64(o, b[35:43]),
			}
		case blockSegment:
			if err := need(b, 7, num); err != nil {
				return nil, err
			}
			h.Segment = SegmentInfo{
				Total:     int(b[3]),
				Number:    int(b[4]),
				FirstLine: int(o.Uint16(b[5:7])),
			}
		}
		if num < len(seen) {
			seen[num] = true
		}
		off += n
	}

	for _, num := range []int{blockData, blockProjection, blockCalibration, blockSegment} {
		if !seen[num] {
			return nil, fmt.Errorf("%w: missing block %d", ErrInvalidSegment, num)
		}
	}
	if h.Columns <= 0 || h.Lines <= 0 {
		return nil, fmt.Errorf("%w: %dx%d pixels", ErrInvalidSegment, h.Columns, h.Lines)
	}

	return h, nil
}

func need(b []byte, n, block int) error {
	if len(b) < n {
		return fmt.Errorf("%w: block %d is %d bytes", ErrInvalidSegment, block, len(b))
	}
	return nil
}

func f64(o binary.ByteOrder, b []byte) float64 {
	return math.Float64frombits(o.Uint64(b))
}

func f32(o binary.ByteOrder, b []byte) float32 {
	return math.Float32frombits(o.Uint32(b))
}

// Valid reports whether count is a real observation.
func (s *Segment) Valid(count uint16) bool {
	if count == CountError || count == CountOutsideScan {
		return false
	}
	if bits := s.Calibration.ValidBits; bits > 0 && bits < 16 && int(count) >= 1<<bits {
		return false
	}
	return true
}

// Decimate box-averages the segment by factor in both directions and adjusts
// the navigation so pixel centres keep their geographic position.
// Invalid counts are excluded from the mean; an all-invalid box becomes CountError.
func (s *Segment) Decimate(factor int) *Segment {
	if factor <= 1 {
		return s
	}

	cols, lines := s.Columns/factor, s.Lines/factor
	out := &Segment{Header: s.Header, Counts: make([]uint16, cols*lines)}
	out.Columns, out.Lines = cols, lines

	for y := 0; y < lines; y++ {
		for x := 0; x < cols; x++ {
			var sum, n int
			for dy := 0; dy < factor; dy++ {
				row := (y*factor + dy) * s.Columns
				for dx := 0; dx < factor; dx++ {
					c := s.Counts[row+x*factor+dx]
					if s.Valid(c) {
						sum += int(c)
						n++
					}
				}
			}
			if n == 0 {
				out.Counts[y*cols+x] = CountError
				continue
			}
			out.Counts[y*cols+x] = uint16((sum + n/2) / n)
		}
	}

	f := float64(factor)
	p := &out.Projection
	p.CFAC /= f
	p.LFAC /= f
	p.COFF = (p.COFF-0.5)/f + 0.5
	p.LOFF = (p.LOFF-0.5)/f + 0.5
	out.Segment.FirstLine = (s.Segment.FirstLine-1)/factor + 1

	return out
}
