package layers

import "github.com/prl900/solarlayers/rastreader"

// Inputs is the raster payload for one layer kind. It is one of
// MaskInputs, DataInputs or ShadeInputs.
type Inputs interface {
	mask() *rastreader.Raster
}

// MaskInputs feeds the Mask kind.
type MaskInputs struct {
	Mask *rastreader.Raster
}

// DataInputs feeds Dsm, Rgb, AnnualFlux and MonthlyFlux.
type DataInputs struct {
	Mask *rastreader.Raster
	Data *rastreader.Raster
}

// ShadeInputs feeds HourlyShade: the mask plus one raster per month.
type ShadeInputs struct {
	Mask   *rastreader.Raster
	Months []*rastreader.Raster
}

func (in MaskInputs) mask() *rastreader.Raster  { return in.Mask }
func (in DataInputs) mask() *rastreader.Raster  { return in.Mask }
func (in ShadeInputs) mask() *rastreader.Raster { return in.Mask }

// inputsFor arranges fetched rasters, mask first, into the payload kind
// expects.
func inputsFor(kind Kind, rasters []*rastreader.Raster) Inputs {
	switch kind {
	case Mask:
		return MaskInputs{Mask: rasters[0]}
	case HourlyShade:
		return ShadeInputs{Mask: rasters[0], Months: rasters[1:]}
	}
	in := DataInputs{Mask: rasters[0]}
	if len(rasters) > 1 {
		in.Data = rasters[1]
	}
	return in
}
