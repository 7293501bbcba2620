// Package visualize turns raster bands into RGBA frames, either through a
// gradient palette or directly from red/green/blue bands.
package visualize

import (
	"fmt"
	"image/color"
	"math"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Stops used by the solar layers.
var (
	Binary   = []string{"212121", "B3E5FC"}
	Rainbow  = []string{"3949AB", "81D4FA", "66BB6A", "FFE082", "E53935"}
	Iron     = []string{"00000A", "91009C", "E64616", "FEB400", "FFFFF6"}
	Sunlight = []string{"212121", "FFCA28"}
)

// Palette is the legend of a palette-mapped layer.
type Palette struct {
	Colors   []string `json:"colors"`
	MinLabel string   `json:"min"`
	MaxLabel string   `json:"max"`
}

// LUTSize is the number of entries in a palette lookup table.
const LUTSize = 256

// LUT is a palette sampled at evenly spaced positions in [0, 1].
type LUT []color.NRGBA

// NewLUT linearly interpolates hex colour stops into n entries. The first
// and last entries are exactly the first and last stops.
func NewLUT(stops []string, n int) (LUT, error) {
	if len(stops) < 2 {
		return nil, fmt.Errorf("palette needs at least 2 colors, got %d", len(stops))
	}
	if n < 2 {
		return nil, fmt.Errorf("lookup table needs at least 2 entries, got %d", n)
	}
	cs := make([]colorful.Color, len(stops))
	for i, s := range stops {
		c, err := colorful.Hex("#" + strings.TrimPrefix(s, "#"))
		if err != nil {
			return nil, fmt.Errorf("palette color %q: %w", s, err)
		}
		cs[i] = c
	}
	lut := make(LUT, n)
	last := len(cs) - 1
	for i := range lut {
		pos := float64(i*last) / float64(n-1)
		lo := int(math.Floor(pos))
		hi := int(math.Ceil(pos))
		if hi > last {
			hi = last
		}
		r, g, b := cs[lo].BlendRgb(cs[hi], pos-float64(lo)).RGB255()
		lut[i] = color.NRGBA{R: r, G: g, B: b, A: 0xff}
	}
	return lut, nil
}

// At returns the colour for a normalised position t in [0, 1].
func (l LUT) At(t float64) color.NRGBA {
	return l[int(math.Round(t*float64(len(l)-1)))]
}

// Normalize maps v into [0, 1] relative to [min, max]. NaN and empty ranges
// map to 0.
func Normalize(v, min, max float64) float64 {
	if math.IsNaN(v) || max <= min {
		return 0
	}
	t := (v - min) / (max - min)
	switch {
	case t < 0:
		return 0
	case t > 1:
		return 1
	}
	return t
}
