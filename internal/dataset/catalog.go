// Package dataset declares the electricity datasets the dashboard knows about.
package dataset

import (
	"fmt"
	"sort"
)

// Descriptor is the immutable description of one supported dataset.
type Descriptor struct {
	Key           string
	Name          string
	Description   string
	Color         string // UI only
	Icon          string // UI only
	EstimatedRows int
	Origin        string

	// Paths lists equivalent stream resource paths, legacy naming first.
	Paths []string
	// ManifestPaths lists equivalent manifest paths in the same order.
	ManifestPaths []string
}

// SampleFile is the bundled fallback document name for the dataset.
func (d Descriptor) SampleFile() string {
	return SampleFile(d.Key)
}

// SampleFile returns the convention-based fallback file name for key.
func SampleFile(key string) string {
	return fmt.Sprintf("%s_sample.json", key)
}

func descriptor(key, name, description, color, icon, origin string, rows int, slug string) Descriptor {
	return Descriptor{
		Key:           key,
		Name:          name,
		Description:   description,
		Color:         color,
		Icon:          icon,
		EstimatedRows: rows,
		Origin:        origin,
		Paths: []string{
			"/stream-" + slug,
			"/" + slug + "-stream",
			"/api/stream/" + slug,
		},
		ManifestPaths: []string{
			"/manifest-" + slug,
			"/" + slug + "-manifest",
			"/api/manifest/" + slug,
		},
	}
}

// Builtin returns the datasets shipped with the dashboard.
func Builtin() []Descriptor {
	return []Descriptor{
		descriptor("ontario_demand", "Ontario Demand",
			"Hourly Ontario and market demand published by the IESO.",
			"#2563eb", "activity", "IESO", 8760, "ontario-demand"),
		descriptor("ontario_prices", "Ontario Prices",
			"Hourly Ontario energy price and zonal prices.",
			"#16a34a", "dollar-sign", "IESO", 8760, "ontario-prices"),
		descriptor("provincial_generation", "Provincial Generation",
			"Monthly electricity generation by province and fuel type.",
			"#f59e0b", "zap", "Statistics Canada", 12000, "provincial-generation"),
		descriptor("ieso_generator_output", "Generator Output",
			"Hourly output and capability per Ontario generator.",
			"#dc2626", "cpu", "IESO", 50000, "ieso-generator-output"),
		descriptor("hfed_demand", "High-Frequency Demand",
			"High-frequency electricity demand across Canadian provinces.",
			"#7c3aed", "trending-up", "HFED", 100000, "hfed-demand"),
	}
}

// Catalog is a lookup table over descriptors.
type Catalog struct {
	byKey map[string]Descriptor
	order []string
}

// NewCatalog indexes descriptors. Keys must be unique and non-empty.
func NewCatalog(descs []Descriptor) (*Catalog, error) {
	c := &Catalog{byKey: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if d.Key == "" {
			return nil, fmt.Errorf("dataset descriptor with empty key")
		}
		if _, dup := c.byKey[d.Key]; dup {
			return nil, fmt.Errorf("duplicate dataset key %q", d.Key)
		}
		if len(d.Paths) == 0 {
			return nil, fmt.Errorf("dataset %q declares no stream paths", d.Key)
		}
		c.byKey[d.Key] = d
		c.order = append(c.order, d.Key)
	}
	return c, nil
}

// Get returns the descriptor for key.
func (c *Catalog) Get(key string) (Descriptor, bool) {
	d, ok := c.byKey[key]
	return d, ok
}

// All returns descriptors in declaration order.
func (c *Catalog) All() []Descriptor {
	out := make([]Descriptor, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.byKey[k])
	}
	return out
}

// Keys returns the dataset keys sorted alphabetically.
func (c *Catalog) Keys() []string {
	keys := append([]string(nil), c.order...)
	sort.Strings(keys)
	return keys
}
