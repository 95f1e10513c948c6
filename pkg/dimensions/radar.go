package dimensions

import (
	"strings"

	"atelier/pkg/proto"
)

// Value bands on the 0..100 slider.
const (
	extremeLow   = 25
	extremeHigh  = 75
	balancedLow  = 45
	balancedHigh = 55
	leaningLow   = 35
	leaningHigh  = 65
	midpoint     = 50
)

// BalancedLabel is the profile label when no canonical axis leans either way.
const BalancedLabel = "均衡型"

// profileAxes are the canonical axes the profile label is built from, in order.
//
//nolint:gochecknoglobals // fixed ordering table
var profileAxes = []string{"cultural_axis", "temporal_axis", "decoration_axis", "function_axis", "material_axis"}

// Analysis classifies slider values.
type Analysis struct {
	Values       map[string]int `json:"values"`
	Extreme      []string       `json:"extreme_dimensions"`
	Balanced     []string       `json:"balanced_dimensions"`
	Gaps         []string       `json:"gap_dimensions"`
	ProfileLabel string         `json:"profile_label"`
}

// IsGap reports whether v sits within threshold of the midpoint.
func IsGap(v, threshold int) bool {
	d := v - midpoint
	if d < 0 {
		d = -d
	}
	return d < threshold
}

// Analyze classifies each dimension's value. Missing values take the dimension
// default; out-of-range values are clamped. Unknown ids in values are ignored.
func Analyze(dims []proto.Dimension, values map[string]int) Analysis {
	a := Analysis{
		Values:   make(map[string]int, len(dims)),
		Extreme:  []string{},
		Balanced: []string{},
		Gaps:     []string{},
	}
	for _, d := range dims {
		v, ok := values[d.ID]
		if !ok {
			v = d.DefaultValue
		}
		v = max(0, min(v, 100))
		a.Values[d.ID] = v

		if v <= extremeLow || v >= extremeHigh {
			a.Extreme = append(a.Extreme, d.ID)
		}
		if v >= balancedLow && v <= balancedHigh {
			a.Balanced = append(a.Balanced, d.ID)
		}
		if IsGap(v, d.GapThreshold) {
			a.Gaps = append(a.Gaps, d.ID)
		}
	}
	a.ProfileLabel = ProfileLabel(dims, a.Values)
	return a
}

// ProfileLabel joins the leaning pole of each canonical axis with "·".
func ProfileLabel(dims []proto.Dimension, values map[string]int) string {
	byID := make(map[string]proto.Dimension, len(dims))
	for _, d := range dims {
		byID[d.ID] = d
	}
	var parts []string
	for _, axis := range profileAxes {
		d, ok := byID[axis]
		if !ok {
			continue
		}
		v, ok := values[axis]
		if !ok {
			continue
		}
		switch {
		case v <= leaningLow && d.LeftLabel != "":
			parts = append(parts, d.LeftLabel)
		case v >= leaningHigh && d.RightLabel != "":
			parts = append(parts, d.RightLabel)
		}
	}
	if len(parts) == 0 {
		return BalancedLabel
	}
	return strings.Join(parts, "·")
}

// Defaults returns each dimension's default value.
func Defaults(dims []proto.Dimension) map[string]int {
	out := make(map[string]int, len(dims))
	for _, d := range dims {
		out[d.ID] = d.DefaultValue
	}
	return out
}

// Tendency describes a value relative to the dimension poles, e.g. "偏向东方".
func Tendency(d proto.Dimension, v int) string {
	switch {
	case v <= leaningLow:
		return "偏向" + d.LeftLabel
	case v >= leaningHigh:
		return "偏向" + d.RightLabel
	default:
		return "中立"
	}
}
