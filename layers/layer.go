package layers

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/prl900/solarlayers/rastreader"
	"github.com/prl900/solarlayers/visualize"
)

const (
	DefaultAnnualFluxMax  = 1800
	DefaultMonthlyFluxMax = 200

	months = 12
	// defaultShadeHour is used when HourlyShade is rendered without an hour.
	defaultShadeHour = 1
)

// RenderOptions select what a layer renders. Month and Day are accepted
// for every kind but currently only Hour affects HourlyShade.
type RenderOptions struct {
	ShowRoofOnly bool
	Month        *int
	Day          *int
	Hour         *int
}

// Layer is an immutable, renderable view over one or more rasters sharing
// the mask's bounds.
type Layer struct {
	Kind    Kind
	Bounds  rastreader.BoundingBox
	Palette *visualize.Palette
	// Stats summarises band 0 of the data raster. Set by Loader.
	Stats   rastreader.Stats

	frames int
	render func(ctx context.Context, opts RenderOptions) ([]visualize.Frame, error)
}

// Render produces the layer's frames: 12 for MonthlyFlux, 1 otherwise.
func (l *Layer) Render(ctx context.Context, opts RenderOptions) ([]visualize.Frame, error) {
	frames, err := l.render(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", l.Kind, err)
	}
	return frames, nil
}

// FrameCount is the number of frames Render returns.
func (l *Layer) FrameCount() int {
	return l.frames
}

// Factory builds layers. Ranges of the fixed-range kinds can be tuned per
// region; Styles override palettes and legends.
type Factory struct {
	AnnualFluxMax  float64
	MonthlyFluxMax float64
	Styles         Styles
}

func NewFactory() *Factory {
	return &Factory{
		AnnualFluxMax:  DefaultAnnualFluxMax,
		MonthlyFluxMax: DefaultMonthlyFluxMax,
	}
}

// Build constructs the layer for kind from in. The layer's bounds are
// always the mask's bounds.
func (f *Factory) Build(kind Kind, in Inputs) (*Layer, error) {
	if in == nil || in.mask() == nil {
		return nil, &DomainConfigError{Kind: kind.String(), Reason: "missing mask raster"}
	}
	mask := in.mask()
	style := f.Styles.get(kind)

	switch kind {
	case Mask:
		if _, ok := in.(MaskInputs); !ok {
			return nil, mismatch(kind, in)
		}
		min, max := style.rangeOr(0, 1)
		return f.paletteLayer(kind, mask, mask, min, max, ""), nil

	case Dsm:
		data, err := dataOf(kind, in)
		if err != nil {
			return nil, err
		}
		min, max, err := elevationRange(data)
		if err != nil {
			return nil, err
		}
		return f.paletteLayer(kind, mask, data, min, max, "%.1f m"), nil

	case Rgb:
		data, err := dataOf(kind, in)
		if err != nil {
			return nil, err
		}
		if len(data.Bands) < 3 {
			return nil, &DomainConfigError{Kind: kind.String(), Reason: fmt.Sprintf("rgb raster has %d bands, need 3", len(data.Bands))}
		}
		return &Layer{
			Kind:   kind,
			Bounds: mask.Bounds,
			frames: 1,
			render: func(_ context.Context, opts RenderOptions) ([]visualize.Frame, error) {
				frame, err := visualize.RenderRGB(data, roofMask(opts, mask), 0)
				if err != nil {
					return nil, err
				}
				return []visualize.Frame{frame}, nil
			},
		}, nil

	case AnnualFlux:
		data, err := dataOf(kind, in)
		if err != nil {
			return nil, err
		}
		min, max := style.rangeOr(0, f.annualMax())
		return f.paletteLayer(kind, mask, data, min, max, ""), nil

	case MonthlyFlux:
		data, err := dataOf(kind, in)
		if err != nil {
			return nil, err
		}
		if len(data.Bands) < months {
			return nil, &DomainConfigError{Kind: kind.String(), Reason: fmt.Sprintf("monthly flux raster has %d bands, need %d", len(data.Bands), months)}
		}
		legend := f.Legend(kind)
		colors := legend.Colors
		min, max := style.rangeOr(0, f.monthlyMax())
		return &Layer{
			Kind:    kind,
			Bounds:  mask.Bounds,
			Palette: legend,
			frames:  months,
			render: func(ctx context.Context, opts RenderOptions) ([]visualize.Frame, error) {
				m := roofMask(opts, mask)
				return visualize.RenderFrames(ctx, months, func(month int) (visualize.Frame, error) {
					return visualize.RenderPalette(visualize.PaletteJob{
						Data: data, Band: month, Mask: m, Colors: colors, Min: min, Max: max,
					}, month)
				})
			},
		}, nil

	case HourlyShade:
		shade, ok := in.(ShadeInputs)
		if !ok {
			return nil, mismatch(kind, in)
		}
		if len(shade.Months) == 0 {
			return nil, &DomainConfigError{Kind: kind.String(), Reason: "no per-month shade rasters"}
		}
		for i, r := range shade.Months {
			if r == nil {
				return nil, &DomainConfigError{Kind: kind.String(), Reason: fmt.Sprintf("shade raster %d is missing", i)}
			}
		}
		perMonth := slices.Clone(shade.Months)
		legend := f.Legend(kind)
		colors := legend.Colors
		min, max := style.rangeOr(0, 1)
		return &Layer{
			Kind:    kind,
			Bounds:  mask.Bounds,
			Palette: legend,
			frames:  1,
			render: func(_ context.Context, opts RenderOptions) ([]visualize.Frame, error) {
				// The hour selects a raster from the per-month sequence; no
				// per-day bit is extracted.
				hour := defaultShadeHour
				if opts.Hour != nil {
					hour = *opts.Hour
				}
				if hour < 0 || hour >= len(perMonth) {
					return nil, fmt.Errorf("hour %d outside the %d shade rasters", hour, len(perMonth))
				}
				frame, err := visualize.RenderPalette(visualize.PaletteJob{
					Data: perMonth[hour], Mask: roofMask(opts, mask), Colors: colors, Min: min, Max: max,
				}, hour)
				if err != nil {
					return nil, err
				}
				return []visualize.Frame{frame}, nil
			},
		}, nil
	}
	return nil, &DomainConfigError{Kind: kind.String(), Reason: "unknown layer kind"}
}

// Legend returns the palette Build attaches to kind, or nil for Rgb. The
// Dsm labels depend on the data and are left empty here.
func (f *Factory) Legend(kind Kind) *visualize.Palette {
	var colors []string
	var minLabel, maxLabel string
	switch kind {
	case Mask:
		colors, minLabel, maxLabel = visualize.Binary, "No roof", "Roof"
	case Dsm:
		colors = visualize.Rainbow
	case AnnualFlux, MonthlyFlux:
		colors, minLabel, maxLabel = visualize.Iron, "Shady", "Sunny"
	case HourlyShade:
		colors, minLabel, maxLabel = visualize.Sunlight, "Shade", "Sun"
	default:
		return nil
	}
	style := f.Styles.get(kind)
	minLabel, maxLabel = style.labels(minLabel, maxLabel)
	return &visualize.Palette{Colors: style.colors(colors), MinLabel: minLabel, MaxLabel: maxLabel}
}

// Abstract describes kind, preferring the style's text.
func (f *Factory) Abstract(kind Kind) string {
	if a := f.Styles.get(kind).Abstract; a != "" {
		return a
	}
	return kind.Abstract()
}

// paletteLayer builds a single-frame layer mapping band 0 of data. A
// non-empty rangeLabel formats min and max as the legend labels.
func (f *Factory) paletteLayer(kind Kind, mask, data *rastreader.Raster, min, max float64, rangeLabel string) *Layer {
	legend := f.Legend(kind)
	if rangeLabel != "" && f.Styles.get(kind).MinLabel == "" {
		legend.MinLabel = fmt.Sprintf(rangeLabel, min)
	}
	if rangeLabel != "" && f.Styles.get(kind).MaxLabel == "" {
		legend.MaxLabel = fmt.Sprintf(rangeLabel, max)
	}
	colors := legend.Colors
	return &Layer{
		Kind:    kind,
		Bounds:  mask.Bounds,
		Palette: legend,
		frames:  1,
		render: func(_ context.Context, opts RenderOptions) ([]visualize.Frame, error) {
			frame, err := visualize.RenderPalette(visualize.PaletteJob{
				Data: data, Mask: roofMask(opts, mask), Colors: colors, Min: min, Max: max,
			}, 0)
			if err != nil {
				return nil, err
			}
			return []visualize.Frame{frame}, nil
		},
	}
}

func (f *Factory) annualMax() float64 {
	if f.AnnualFluxMax > 0 {
		return f.AnnualFluxMax
	}
	return DefaultAnnualFluxMax
}

func (f *Factory) monthlyMax() float64 {
	if f.MonthlyFluxMax > 0 {
		return f.MonthlyFluxMax
	}
	return DefaultMonthlyFluxMax
}

func roofMask(opts RenderOptions, mask *rastreader.Raster) *rastreader.Raster {
	if opts.ShowRoofOnly {
		return mask
	}
	return nil
}

func dataOf(kind Kind, in Inputs) (*rastreader.Raster, error) {
	d, ok := in.(DataInputs)
	if !ok {
		return nil, mismatch(kind, in)
	}
	if d.Data == nil {
		return nil, &DomainConfigError{Kind: kind.String(), Reason: "missing data raster"}
	}
	return d.Data, nil
}

func mismatch(kind Kind, in Inputs) error {
	return &DomainConfigError{Kind: kind.String(), Reason: fmt.Sprintf("inputs of type %T do not fit this kind", in)}
}

// elevationRange sorts the elevation samples and takes the first and last,
// ignoring NaN and nodata.
func elevationRange(data *rastreader.Raster) (float64, float64, error) {
	if len(data.Bands) == 0 {
		return 0, 0, &DomainConfigError{Kind: Dsm.String(), Reason: "elevation raster has no bands"}
	}
	sorted := make([]float64, 0, len(data.Bands[0]))
	for _, v := range data.Bands[0] {
		if math.IsNaN(v) || data.IsNoData(v) {
			continue
		}
		sorted = append(sorted, v)
	}
	if len(sorted) == 0 {
		return 0, 0, &DomainConfigError{Kind: Dsm.String(), Reason: "elevation raster has no valid samples"}
	}
	slices.Sort(sorted)
	return sorted[0], sorted[len(sorted)-1], nil
}

// Build uses a Factory with default ranges and palettes.
func Build(kind Kind, in Inputs) (*Layer, error) {
	return NewFactory().Build(kind, in)
}
