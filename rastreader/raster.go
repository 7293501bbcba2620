package rastreader

import (
	"fmt"

	"github.com/terrascope/geometry"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// BoundingBox is a lat/lon rectangle in WGS84 degrees.
type BoundingBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Valid reports whether the box is non-degenerate. Boxes crossing the
// antimeridian are not supported.
func (b BoundingBox) Valid() bool {
	return b.North > b.South && b.East > b.West
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("N%.6f S%.6f E%.6f W%.6f", b.North, b.South, b.East, b.West)
}

// SampleFormat mirrors the TIFF SampleFormat tag.
type SampleFormat uint16

const (
	SampleUint  SampleFormat = 1
	SampleInt   SampleFormat = 2
	SampleFloat SampleFormat = 3
)

// Raster is a decoded multi-band GeoTIFF with its bounds already in WGS84.
// Pixel (x, y) of band b is Bands[b][y*Width+x].
type Raster struct {
	Width  int
	Height int
	Bands  [][]float64
	Bounds BoundingBox

	// Native is the bounding box in the raster's own CRS, described by Proj4.
	Native geometry.BoundingBox
	Proj4  string

	BitsPerSample int
	SampleFormat  SampleFormat
	NoData        *float64
}

// Validate checks that every band holds Width*Height samples.
func (r *Raster) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid raster size %dx%d", r.Width, r.Height)
	}
	if len(r.Bands) == 0 {
		return fmt.Errorf("raster has no bands")
	}
	n := r.Width * r.Height
	for i, band := range r.Bands {
		if len(band) != n {
			return fmt.Errorf("band %d has %d samples, expected %d", i, len(band), n)
		}
	}
	return nil
}

// At returns the value of band b at pixel (x, y).
func (r *Raster) At(b, x, y int) float64 {
	return r.Bands[b][y*r.Width+x]
}

// IsNoData reports whether v equals the raster's declared nodata value.
func (r *Raster) IsNoData(v float64) bool {
	return r.NoData != nil && v == *r.NoData
}

// Stats summarises one band.
type Stats struct {
	Min   float64
	Max   float64
	Mean  float64
	Count int
}

// BandStats computes min, max and mean of band b, skipping nodata samples.
func (r *Raster) BandStats(b int) Stats {
	if b < 0 || b >= len(r.Bands) {
		return Stats{}
	}
	vals := make([]float64, 0, len(r.Bands[b]))
	for _, v := range r.Bands[b] {
		if r.IsNoData(v) || v != v {
			continue
		}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return Stats{}
	}
	return Stats{
		Min:   floats.Min(vals),
		Max:   floats.Max(vals),
		Mean:  stat.Mean(vals, nil),
		Count: len(vals),
	}
}
