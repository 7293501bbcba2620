package rastreader

import (
	"fmt"
	"strings"

	"github.com/ctessum/geom/proj"
	"github.com/terrascope/geometry"
	"github.com/terrascope/proj4go"
)

const geographicWGS84 = "+proj=longlat +ellps=WGS84 +datum=WGS84 +no_defs"

// Transformer maps one coordinate pair between two CRSes.
type Transformer func(x, y float64) (float64, float64, error)

// Projections with a pure Go transformer. Everything else goes through proj4go.
var pureGoProjections = map[string]bool{
	"aea":     true,
	"eqdc":    true,
	"krovak":  true,
	"lcc":     true,
	"longlat": true,
	"merc":    true,
	"tmerc":   true,
	"utm":     true,
}

// Reproject converts a native bounding box to WGS84 using the CRS described
// by keys. Only the south-west and north-east corners are transformed.
func Reproject(native geometry.BoundingBox, keys GeoKeys) (BoundingBox, error) {
	p, err := ProjectionFromKeys(keys)
	if err != nil {
		return BoundingBox{}, &ProjectionError{Err: err}
	}
	return p.Bounds(native)
}

// Forward returns a transformer from native coordinates (already scaled by
// XScale/YScale) to WGS84 lon/lat degrees.
func (p Projection) Forward() (Transformer, error) {
	return p.transform(false)
}

// Inverse returns a transformer from WGS84 lon/lat degrees to scaled native
// coordinates.
func (p Projection) Inverse() (Transformer, error) {
	return p.transform(true)
}

func (p Projection) transform(inverse bool) (Transformer, error) {
	src, dst := p.Proj4, geographicWGS84
	if inverse {
		src, dst = dst, src
	}
	if !pureGoProjections[projName(p.Proj4)] {
		return proj4Transformer(src, dst), nil
	}

	from, err := proj.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", src, err)
	}
	to, err := proj.Parse(dst)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", dst, err)
	}
	t, err := from.NewTransform(to)
	if err != nil {
		return nil, fmt.Errorf("creating transform for %q: %w", p.Proj4, err)
	}
	return Transformer(t), nil
}

func proj4Transformer(src, dst string) Transformer {
	return func(x, y float64) (float64, float64, error) {
		cov := proj4go.Coverage{BoundingBox: geometry.BBox(x, y, x, y), Proj4: src}
		out, err := cov.Transform(dst)
		if err != nil {
			return 0, 0, fmt.Errorf("transforming from %q: %w", src, err)
		}
		return out.BoundingBox.Min.X, out.BoundingBox.Min.Y, nil
	}
}

func projName(def string) string {
	for _, f := range strings.Fields(def) {
		if name, ok := strings.CutPrefix(f, "+proj="); ok {
			return name
		}
	}
	return ""
}

// Bounds forward-projects the SW and NE corners of native.
func (p Projection) Bounds(native geometry.BoundingBox) (BoundingBox, error) {
	t, err := p.Forward()
	if err != nil {
		return BoundingBox{}, &ProjectionError{Err: err}
	}
	swLon, swLat, err := t(native.Min.X*p.XScale, native.Min.Y*p.YScale)
	if err != nil {
		return BoundingBox{}, &ProjectionError{Err: fmt.Errorf("south-west corner: %w", err)}
	}
	neLon, neLat, err := t(native.Max.X*p.XScale, native.Max.Y*p.YScale)
	if err != nil {
		return BoundingBox{}, &ProjectionError{Err: fmt.Errorf("north-east corner: %w", err)}
	}
	box := BoundingBox{North: neLat, South: swLat, East: neLon, West: swLon}
	if !box.Valid() {
		return BoundingBox{}, &ProjectionError{Err: fmt.Errorf("degenerate bounds %v", box)}
	}
	return box, nil
}
