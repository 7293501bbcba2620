// Package layers builds renderable solar data layers from co-registered
// rasters, and loads the rasters for several layer kinds concurrently.
package layers

import (
	"fmt"
	"strings"
)

// Kind identifies a solar data layer.
type Kind int

const (
	Mask Kind = iota + 1
	Dsm
	Rgb
	AnnualFlux
	MonthlyFlux
	HourlyShade
)

// Kinds lists every layer kind in a stable order.
var Kinds = []Kind{Mask, Dsm, Rgb, AnnualFlux, MonthlyFlux, HourlyShade}

// DefaultKinds are rendered when a caller does not choose.
var DefaultKinds = []Kind{Rgb, AnnualFlux}

func (k Kind) String() string {
	switch k {
	case Mask:
		return "mask"
	case Dsm:
		return "dsm"
	case Rgb:
		return "rgb"
	case AnnualFlux:
		return "annualFlux"
	case MonthlyFlux:
		return "monthlyFlux"
	case HourlyShade:
		return "hourlyShade"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Abstract is a one-line description used in capability listings.
func (k Kind) Abstract() string {
	switch k {
	case Mask:
		return "Building roof mask"
	case Dsm:
		return "Digital surface model, metres above sea level"
	case Rgb:
		return "Aerial imagery"
	case AnnualFlux:
		return "Annual solar flux, kWh/kW/year"
	case MonthlyFlux:
		return "Monthly solar flux, kWh/kW/month, one frame per month"
	case HourlyShade:
		return "Hourly shade"
	}
	return ""
}

// RoofOnlyByDefault reports whether the kind is normally shown clipped to
// the roof mask.
func (k Kind) RoofOnlyByDefault() bool {
	return k == AnnualFlux || k == MonthlyFlux || k == HourlyShade
}

// ParseKind accepts the Solar API layer ids, case-insensitively.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, &DomainConfigError{Kind: s, Reason: "unknown layer kind"}
}

// ParseKinds parses a comma separated list of kinds.
func ParseKinds(s string) ([]Kind, error) {
	var out []Kind
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, err := ParseKind(part)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// DomainConfigError reports an unknown layer kind or inputs that do not
// fit the requested kind.
type DomainConfigError struct {
	Kind   string
	Reason string
}

func (e *DomainConfigError) Error() string {
	return fmt.Sprintf("layer %s: %s", e.Kind, e.Reason)
}
