// Package composite holds the composite catalog and renders calibrated
// full-disk bands onto a composite's map grid.
package composite

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aliskhannn/himawari-tiler/internal/model"
)

// ErrUnknownComposite is returned for names outside the catalog.
var ErrUnknownComposite = errors.New("unknown composite")

// Catalog is the closed, read-only set of composites a process serves.
type Catalog struct {
	specs map[string]model.CompositeSpec
	names []string
}

type catalogFile struct {
	Defaults   defaults              `yaml:"defaults"`
	Composites []model.CompositeSpec `yaml:"composites"`
}

// defaults apply to every composite that leaves the field zero.
type defaults struct {
	Bounds        model.Bounds `yaml:"bounds"`
	Resolution    float64      `yaml:"resolution"`
	MinZoom       int          `yaml:"min_zoom"`
	MaxZoom       int          `yaml:"max_zoom"`
	SampleColumns int          `yaml:"sample_columns"`
}

// Load reads and validates the catalog file at path.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open composite catalog: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes a YAML catalog. Unknown fields are rejected.
func Parse(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode composite catalog: %w", err)
	}

	d := file.Defaults
	for i := range file.Composites {
		c := &file.Composites[i]
		if c.Bounds == (model.Bounds{}) {
			c.Bounds = d.Bounds
		}
		if c.Resolution == 0 {
			c.Resolution = d.Resolution
		}
		if c.MinZoom == 0 && c.MaxZoom == 0 {
			c.MinZoom, c.MaxZoom = d.MinZoom, d.MaxZoom
		}
		if c.SampleColumns == 0 {
			c.SampleColumns = d.SampleColumns
		}
	}

	return NewCatalog(file.Composites...)
}

// NewCatalog validates specs and builds a catalog from them.
func NewCatalog(specs ...model.CompositeSpec) (*Catalog, error) {
	if len(specs) == 0 {
		return nil, errors.New("composite catalog is empty")
	}

	v := validator.New()
	c := &Catalog{specs: make(map[string]model.CompositeSpec, len(specs))}

	for _, s := range specs {
		if err := v.Struct(s); err != nil {
			return nil, fmt.Errorf("composite %q: %w", s.Name, err)
		}
		if err := checkBounds(s.Bounds); err != nil {
			return nil, fmt.Errorf("composite %q: %w", s.Name, err)
		}
		for _, ch := range s.Channels {
			if ch.Max == ch.Min {
				return nil, fmt.Errorf("composite %q: band %d has an empty stretch range", s.Name, ch.Band)
			}
		}
		if _, dup := c.specs[s.Name]; dup {
			return nil, fmt.Errorf("composite %q defined twice", s.Name)
		}

		c.specs[s.Name] = s
		c.names = append(c.names, s.Name)
	}
	sort.Strings(c.names)

	return c, nil
}

func checkBounds(b model.Bounds) error {
	if b.West() < -180 || b.East() > 180 || b.West() >= b.East() {
		return fmt.Errorf("invalid longitude range %v..%v", b.West(), b.East())
	}
	if b.South() < -85 || b.North() > 85 || b.South() >= b.North() {
		return fmt.Errorf("invalid latitude range %v..%v", b.South(), b.North())
	}
	return nil
}

// Lookup returns the composite named name.
func (c *Catalog) Lookup(name string) (model.CompositeSpec, error) {
	s, ok := c.specs[name]
	if !ok {
		return model.CompositeSpec{}, fmt.Errorf("%w: %q", ErrUnknownComposite, name)
	}
	return s, nil
}

// Has reports whether name is in the catalog.
func (c *Catalog) Has(name string) bool {
	_, ok := c.specs[name]
	return ok
}

// Names returns the composite names in sorted order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Specs returns every spec, sorted by name.
func (c *Catalog) Specs() []model.CompositeSpec {
	out := make([]model.CompositeSpec, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.specs[n])
	}
	return out
}
