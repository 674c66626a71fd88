package scoring

import (
	"math"
	"strings"

	"github.com/hpungsan/casegate/internal/config"
)

// clamp bounds v to [lo, hi]. NaN maps to lo.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// evalCurve maps x onto [0, c.Max] per the curve shape. Unknown shapes and
// negative inputs score zero.
func evalCurve(c config.Curve, x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		x = 0
	}

	var v float64
	switch c.Shape {
	case config.ShapeStep:
		for _, s := range c.Steps {
			if x >= s.At {
				v = s.Points
			}
		}
	case config.ShapeLinear:
		if c.Cap > 0 {
			v = c.Max * math.Min(x/c.Cap, 1)
		}
	case config.ShapeLog:
		if c.Cap > 0 {
			v = c.Max * math.Log1p(math.Min(x, c.Cap)) / math.Log1p(c.Cap)
		}
	}
	return clamp(v, 0, c.Max)
}

// lookup finds key in table ignoring case. ok is false when the key is
// missing or blank.
func lookup(table map[string]float64, key string) (float64, bool) {
	if key == "" {
		return 0, false
	}
	if v, ok := table[key]; ok {
		return v, true
	}
	for k, v := range table {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return 0, false
}
