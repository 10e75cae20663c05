package model

// Bounds is a geographic box: west, south, east, north in degrees.
type Bounds [4]float64

func (b Bounds) West() float64  { return b[0] }
func (b Bounds) South() float64 { return b[1] }
func (b Bounds) East() float64  { return b[2] }
func (b Bounds) North() float64 { return b[3] }

// Channel maps one output colour channel to a calibrated band value.
type Channel struct {
	Band      int     `yaml:"band" json:"band" validate:"min=1,max=16"`
	MinusBand int     `yaml:"minus_band" json:"minus_band,omitempty" validate:"omitempty,min=1,max=16"`
	Min       float64 `yaml:"min" json:"min"`
	Max       float64 `yaml:"max" json:"max"`
	Invert    bool    `yaml:"invert" json:"invert,omitempty"`
	Gamma     float64 `yaml:"gamma" json:"gamma,omitempty" validate:"gte=0"`
}

// CompositeSpec is the static description of one composite product.
type CompositeSpec struct {
	Name          string    `yaml:"name" json:"name" validate:"required,lowercase"`
	Description   string    `yaml:"description" json:"description,omitempty"`
	Priority      int       `yaml:"priority" json:"priority"`
	Channels      []Channel `yaml:"channels" json:"channels" validate:"required,len=1|len=3,dive"`
	Bounds        Bounds    `yaml:"bounds" json:"bounds"`
	Resolution    float64   `yaml:"resolution" json:"resolution" validate:"gt=0"`
	MinZoom       int       `yaml:"min_zoom" json:"min_zoom" validate:"gte=0,lte=22"`
	MaxZoom       int       `yaml:"max_zoom" json:"max_zoom" validate:"gte=0,lte=22,gtefield=MinZoom"`
	SampleColumns int       `yaml:"sample_columns" json:"sample_columns" validate:"gte=0"`
}

// Bands returns the distinct band numbers the composite reads, in ascending order.
func (c CompositeSpec) Bands() []int {
	var seen [17]bool
	for _, ch := range c.Channels {
		seen[ch.Band] = true
		if ch.MinusBand > 0 {
			seen[ch.MinusBand] = true
		}
	}

	bands := make([]int, 0, 4)
	for b := 1; b <= 16; b++ {
		if seen[b] {
			bands = append(bands, b)
		}
	}
	return bands
}

// RequiresBand reports whether band is read by any channel.
func (c CompositeSpec) RequiresBand(band int) bool {
	for _, b := range c.Bands() {
		if b == band {
			return true
		}
	}
	return false
}
