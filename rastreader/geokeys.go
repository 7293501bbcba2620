package rastreader

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// GeoKey ids from the GeoTIFF 1.0 key directory.
const (
	GTModelTypeGeoKey            = 1024
	GTRasterTypeGeoKey           = 1025
	GeographicTypeGeoKey         = 2048
	GeogGeodeticDatumGeoKey      = 2050
	GeogAngularUnitsGeoKey       = 2054
	GeogAngularUnitSizeGeoKey    = 2055
	GeogEllipsoidGeoKey          = 2056
	GeogSemiMajorAxisGeoKey      = 2057
	GeogSemiMinorAxisGeoKey      = 2058
	GeogInvFlatteningGeoKey      = 2059
	GeogPrimeMeridianLongGeoKey  = 2061
	ProjectedCSTypeGeoKey        = 3072
	ProjectionGeoKey             = 3074
	ProjCoordTransGeoKey         = 3075
	ProjLinearUnitsGeoKey        = 3076
	ProjLinearUnitSizeGeoKey     = 3077
	ProjStdParallel1GeoKey       = 3078
	ProjStdParallel2GeoKey       = 3079
	ProjNatOriginLongGeoKey      = 3080
	ProjNatOriginLatGeoKey       = 3081
	ProjFalseEastingGeoKey       = 3082
	ProjFalseNorthingGeoKey      = 3083
	ProjFalseOriginLongGeoKey    = 3084
	ProjFalseOriginLatGeoKey     = 3085
	ProjFalseOriginEastingGeoKey = 3086
	ProjFalseOriginNorthingKey   = 3087
	ProjCenterLongGeoKey         = 3088
	ProjCenterLatGeoKey          = 3089
	ProjScaleAtNatOriginGeoKey   = 3092
	ProjScaleAtCenterGeoKey      = 3093
	ProjStraightVertPoleLongKey  = 3095

	modelProjected  = 1
	modelGeographic = 2
	userDefined     = 32767
)

// GeoKeys holds a decoded GeoKey directory, split by storage location.
type GeoKeys struct {
	Shorts  map[uint16]uint16
	Doubles map[uint16][]float64
	ASCII   map[uint16]string
}

func NewGeoKeys() GeoKeys {
	return GeoKeys{
		Shorts:  map[uint16]uint16{},
		Doubles: map[uint16][]float64{},
		ASCII:   map[uint16]string{},
	}
}

// Empty reports whether no keys were present.
func (k GeoKeys) Empty() bool {
	return len(k.Shorts) == 0 && len(k.Doubles) == 0 && len(k.ASCII) == 0
}

func (k GeoKeys) short(id uint16) (int, bool) {
	v, ok := k.Shorts[id]
	return int(v), ok
}

func (k GeoKeys) number(id uint16) (float64, bool) {
	if v, ok := k.Doubles[id]; ok && len(v) > 0 {
		return v[0], true
	}
	if v, ok := k.Shorts[id]; ok {
		return float64(v), true
	}
	return 0, false
}

// Projection is a proj4 definition plus the factors that convert native
// coordinates into the units the definition expects.
type Projection struct {
	Proj4  string
	XScale float64
	YScale float64
}

const webMerc = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +wktext +no_defs"

var datums = map[int]string{
	6326: "+datum=WGS84",
	6269: "+ellps=GRS80 +towgs84=0,0,0",
	6258: "+ellps=GRS80 +towgs84=0,0,0",
	6283: "+ellps=GRS80 +towgs84=0,0,0",
	6267: "+datum=NAD27",
}

var geographicDatums = map[int]int{
	4326: 6326,
	4269: 6269,
	4258: 6258,
	4283: 6283,
	4267: 6267,
}

var ellipsoids = map[int]string{
	7030: "+ellps=WGS84",
	7019: "+ellps=GRS80",
	7008: "+ellps=clrk66",
	7004: "+ellps=bessel",
	7022: "+ellps=intl",
}

var linearUnits = map[int]float64{
	9001: 1,
	9002: 0.3048,
	9003: 1200.0 / 3937.0,
	9030: 1852,
	9036: 1000,
}

var angularUnits = map[int]float64{
	9101: 180 / math.Pi,
	9102: 1,
	9105: 0.9,
}

// ProjectionFromKeys derives a proj4 definition from a GeoKey directory.
func ProjectionFromKeys(k GeoKeys) (Projection, error) {
	if k.Empty() {
		return Projection{}, errors.New("no geo keys")
	}
	model, ok := k.short(GTModelTypeGeoKey)
	if !ok {
		// Some writers omit the model type; infer it.
		if _, ok := k.short(ProjectedCSTypeGeoKey); ok {
			model = modelProjected
		} else {
			model = modelGeographic
		}
	}
	switch model {
	case modelProjected:
		return projected(k)
	case modelGeographic:
		return geographic(k)
	default:
		return Projection{}, fmt.Errorf("unsupported model type %d", model)
	}
}

func geographic(k GeoKeys) (Projection, error) {
	datum, err := datumParams(k)
	if err != nil {
		return Projection{}, err
	}
	f, err := angularFactor(k)
	if err != nil {
		return Projection{}, err
	}
	def := "+proj=longlat " + datum
	if pm, ok := k.number(GeogPrimeMeridianLongGeoKey); ok && pm != 0 {
		def += " +pm=" + num(pm*f)
	}
	return Projection{Proj4: def + " +no_defs", XScale: f, YScale: f}, nil
}

func projected(k GeoKeys) (Projection, error) {
	f, err := linearFactor(k)
	if err != nil {
		return Projection{}, err
	}
	code, _ := k.short(ProjectedCSTypeGeoKey)
	if def, ok := epsgProjected(code); ok {
		return Projection{Proj4: def, XScale: f, YScale: f}, nil
	}
	if code != 0 && code != userDefined {
		return Projection{}, fmt.Errorf("unsupported ProjectedCSTypeGeoKey %d", code)
	}

	datum, err := datumParams(k)
	if err != nil {
		return Projection{}, err
	}
	if p, ok := k.short(ProjectionGeoKey); ok && p != userDefined {
		zone, south := 0, ""
		switch {
		case p > 16000 && p <= 16060:
			zone = p - 16000
		case p > 16100 && p <= 16160:
			zone, south = p-16100, " +south"
		default:
			return Projection{}, fmt.Errorf("unsupported ProjectionGeoKey %d", p)
		}
		def := fmt.Sprintf("+proj=utm +zone=%d%s %s +units=m +no_defs", zone, south, datum)
		return Projection{Proj4: def, XScale: f, YScale: f}, nil
	}

	params, err := coordTransParams(k, f)
	if err != nil {
		return Projection{}, err
	}
	return Projection{Proj4: params + " " + datum + " +units=m +no_defs", XScale: f, YScale: f}, nil
}

// epsgProjected covers EPSG families whose parameters follow from the code.
func epsgProjected(code int) (string, bool) {
	utm := func(zone int, south bool, datum string) string {
		s := ""
		if south {
			s = " +south"
		}
		return fmt.Sprintf("+proj=utm +zone=%d%s %s +units=m +no_defs", zone, s, datum)
	}
	switch {
	case code > 32600 && code <= 32660:
		return utm(code-32600, false, datums[6326]), true
	case code > 32700 && code <= 32760:
		return utm(code-32700, true, datums[6326]), true
	case code > 26900 && code <= 26923:
		return utm(code-26900, false, datums[6269]), true
	case code >= 25828 && code <= 25838:
		return utm(code-25800, false, datums[6258]), true
	case code >= 28348 && code <= 28358:
		return utm(code-28300, true, datums[6283]), true
	case code == 3857 || code == 3785 || code == 900913:
		return webMerc, true
	}
	return "", false
}

func datumParams(k GeoKeys) (string, error) {
	if g, ok := k.short(GeographicTypeGeoKey); ok && g != userDefined {
		d, known := geographicDatums[g]
		if !known {
			return "", fmt.Errorf("unsupported GeographicTypeGeoKey %d", g)
		}
		return datums[d], nil
	}
	if d, ok := k.short(GeogGeodeticDatumGeoKey); ok && d != userDefined {
		if s, known := datums[d]; known {
			return s, nil
		}
		return "", fmt.Errorf("unsupported GeogGeodeticDatumGeoKey %d", d)
	}
	if e, ok := k.short(GeogEllipsoidGeoKey); ok && e != userDefined {
		if s, known := ellipsoids[e]; known {
			return s, nil
		}
		return "", fmt.Errorf("unsupported GeogEllipsoidGeoKey %d", e)
	}
	a, okA := k.number(GeogSemiMajorAxisGeoKey)
	if !okA {
		return "", errors.New("no datum, ellipsoid or semi-major axis keys")
	}
	if b, ok := k.number(GeogSemiMinorAxisGeoKey); ok {
		return "+a=" + num(a) + " +b=" + num(b), nil
	}
	if rf, ok := k.number(GeogInvFlatteningGeoKey); ok {
		return "+a=" + num(a) + " +rf=" + num(rf), nil
	}
	return "+a=" + num(a) + " +b=" + num(a), nil
}

func linearFactor(k GeoKeys) (float64, error) {
	u, ok := k.short(ProjLinearUnitsGeoKey)
	if !ok {
		return 1, nil
	}
	if u == userDefined {
		size, ok := k.number(ProjLinearUnitSizeGeoKey)
		if !ok || size <= 0 {
			return 0, errors.New("user-defined linear unit without ProjLinearUnitSizeGeoKey")
		}
		return size, nil
	}
	f, known := linearUnits[u]
	if !known {
		return 0, fmt.Errorf("unsupported ProjLinearUnitsGeoKey %d", u)
	}
	return f, nil
}

func angularFactor(k GeoKeys) (float64, error) {
	u, ok := k.short(GeogAngularUnitsGeoKey)
	if !ok {
		return 1, nil
	}
	if u == userDefined {
		size, ok := k.number(GeogAngularUnitSizeGeoKey)
		if !ok || size <= 0 {
			return 0, errors.New("user-defined angular unit without GeogAngularUnitSizeGeoKey")
		}
		return size * 180 / math.Pi, nil
	}
	f, known := angularUnits[u]
	if !known {
		return 0, fmt.Errorf("unsupported GeogAngularUnitsGeoKey %d", u)
	}
	return f, nil
}

// coordTransParams maps ProjCoordTransGeoKey and its parameters onto the
// equivalent proj4 projection. Angular parameters are converted to degrees
// and linear ones to metres using lf.
func coordTransParams(k GeoKeys, lf float64) (string, error) {
	ct, ok := k.short(ProjCoordTransGeoKey)
	if !ok {
		return "", errors.New("user-defined projection without ProjCoordTransGeoKey")
	}
	af, err := angularFactor(k)
	if err != nil {
		return "", err
	}
	deg := func(id uint16) string {
		v, _ := k.number(id)
		return num(v * af)
	}
	lin := func(id uint16) string {
		v, _ := k.number(id)
		return num(v * lf)
	}
	scale := func(id uint16) string {
		if v, ok := k.number(id); ok {
			return num(v)
		}
		return "1"
	}
	fe := " +x_0=" + lin(ProjFalseEastingGeoKey) + " +y_0=" + lin(ProjFalseNorthingGeoKey)

	var b strings.Builder
	switch ct {
	case 1: // TransverseMercator
		b.WriteString("+proj=tmerc +lat_0=" + deg(ProjNatOriginLatGeoKey) + " +lon_0=" + deg(ProjNatOriginLongGeoKey) +
			" +k_0=" + scale(ProjScaleAtNatOriginGeoKey) + fe)
	case 7: // Mercator
		b.WriteString("+proj=merc +lon_0=" + deg(ProjNatOriginLongGeoKey))
		if _, ok := k.number(ProjStdParallel1GeoKey); ok {
			b.WriteString(" +lat_ts=" + deg(ProjStdParallel1GeoKey))
		} else {
			b.WriteString(" +k_0=" + scale(ProjScaleAtNatOriginGeoKey))
		}
		b.WriteString(fe)
	case 8: // LambertConfConic_2SP
		b.WriteString("+proj=lcc +lat_1=" + deg(ProjStdParallel1GeoKey) + " +lat_2=" + deg(ProjStdParallel2GeoKey) +
			" +lat_0=" + deg(ProjFalseOriginLatGeoKey) + " +lon_0=" + deg(ProjFalseOriginLongGeoKey) +
			" +x_0=" + lin(ProjFalseOriginEastingGeoKey) + " +y_0=" + lin(ProjFalseOriginNorthingKey))
	case 9: // LambertConfConic_1SP
		b.WriteString("+proj=lcc +lat_1=" + deg(ProjNatOriginLatGeoKey) + " +lat_0=" + deg(ProjNatOriginLatGeoKey) +
			" +lon_0=" + deg(ProjNatOriginLongGeoKey) + " +k_0=" + scale(ProjScaleAtNatOriginGeoKey) + fe)
	case 10: // LambertAzimEqualArea
		b.WriteString("+proj=laea +lat_0=" + deg(ProjCenterLatGeoKey) + " +lon_0=" + deg(ProjCenterLongGeoKey) + fe)
	case 11: // AlbersEqualArea
		b.WriteString("+proj=aea +lat_1=" + deg(ProjStdParallel1GeoKey) + " +lat_2=" + deg(ProjStdParallel2GeoKey) +
			" +lat_0=" + deg(ProjNatOriginLatGeoKey) + " +lon_0=" + deg(ProjNatOriginLongGeoKey) + fe)
	case 14: // Stereographic
		b.WriteString("+proj=stere +lat_0=" + deg(ProjCenterLatGeoKey) + " +lon_0=" + deg(ProjCenterLongGeoKey) +
			" +k_0=" + scale(ProjScaleAtNatOriginGeoKey) + fe)
	case 15: // PolarStereographic
		lat, _ := k.number(ProjNatOriginLatGeoKey)
		pole := "90"
		if lat < 0 {
			pole = "-90"
		}
		b.WriteString("+proj=stere +lat_0=" + pole + " +lat_ts=" + deg(ProjNatOriginLatGeoKey) +
			" +lon_0=" + deg(ProjStraightVertPoleLongKey) + " +k_0=" + scale(ProjScaleAtNatOriginGeoKey) + fe)
	case 16: // ObliqueStereographic
		b.WriteString("+proj=sterea +lat_0=" + deg(ProjNatOriginLatGeoKey) + " +lon_0=" + deg(ProjNatOriginLongGeoKey) +
			" +k_0=" + scale(ProjScaleAtNatOriginGeoKey) + fe)
	case 17: // Equirectangular
		b.WriteString("+proj=eqc +lat_ts=" + deg(ProjStdParallel1GeoKey) + " +lon_0=" + deg(ProjCenterLongGeoKey) + fe)
	case 24: // Sinusoidal
		b.WriteString("+proj=sinu +lon_0=" + deg(ProjCenterLongGeoKey) + fe)
	default:
		return "", fmt.Errorf("unsupported ProjCoordTransGeoKey %d", ct)
	}
	return b.String(), nil
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
