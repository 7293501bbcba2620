package layers

import (
	"encoding/json"
	"fmt"
	"os"
)

// Style overrides the palette, legend or fixed range of a layer kind.
// Unset fields keep the built-in defaults.
type Style struct {
	Abstract string   `json:"abstract"`
	MinVal   *float64 `json:"min_value"`
	MaxVal   *float64 `json:"max_value"`
	Palette  []string `json:"palette"`
	MinLabel string   `json:"min_label"`
	MaxLabel string   `json:"max_label"`
}

// Styles are keyed by layer id, e.g. "annualFlux".
type Styles map[string]Style

// ReadStyles loads a JSON styles file.
func ReadStyles(fileName string) (Styles, error) {
	styles := Styles{}

	bytes, err := os.ReadFile(fileName)
	if err != nil {
		return styles, err
	}
	if err := json.Unmarshal(bytes, &styles); err != nil {
		return styles, fmt.Errorf("parsing %s: %w", fileName, err)
	}
	for id, s := range styles {
		if _, err := ParseKind(id); err != nil {
			return styles, fmt.Errorf("%s: %w", fileName, err)
		}
		if s.Palette != nil && len(s.Palette) < 2 {
			return styles, fmt.Errorf("%s: style %s needs at least 2 palette colors", fileName, id)
		}
	}
	return styles, nil
}

func (s Styles) get(k Kind) Style {
	if s == nil {
		return Style{}
	}
	return s[k.String()]
}

func (s Style) colors(def []string) []string {
	if len(s.Palette) >= 2 {
		return s.Palette
	}
	return def
}

func (s Style) labels(min, max string) (string, string) {
	if s.MinLabel != "" {
		min = s.MinLabel
	}
	if s.MaxLabel != "" {
		max = s.MaxLabel
	}
	return min, max
}

func (s Style) rangeOr(min, max float64) (float64, float64) {
	if s.MinVal != nil {
		min = *s.MinVal
	}
	if s.MaxVal != nil {
		max = *s.MaxVal
	}
	return min, max
}
