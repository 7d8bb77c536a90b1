// Package capacity estimates the peak output of a PV site from its history
// and bounds predictions by it.
//
// Sites rarely report their installed capacity reliably, so models use a
// high quantile of the observed power instead.
package capacity

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// DefaultQuantile is the level used when none is configured.
const DefaultQuantile = 0.99

// Estimate returns the q-quantile of the finite values of powers, or NaN when
// there are none.
func Estimate(powers []float64, q float64) float64 {
	finite := Finite(powers)
	if len(finite) == 0 {
		return math.NaN()
	}
	sort.Float64s(finite)
	return stat.Quantile(q, stat.LinInterp, finite, nil)
}

// Clip bounds every finite power to [0, max]. A non-finite or non-positive
// max only clips at zero. NaNs are kept.
func Clip(powers []float64, max float64) []float64 {
	out := make([]float64, len(powers))
	for i, p := range powers {
		switch {
		case math.IsNaN(p):
			out[i] = p
		case p < 0:
			out[i] = 0
		case max > 0 && !math.IsInf(max, 0) && p > max:
			out[i] = max
		default:
			out[i] = p
		}
	}
	return out
}

// Finite returns a copy of values without NaNs and infinities.
func Finite(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// ParseQuantileLevel parses a level written either as a percentile ("p99")
// or as a fraction ("0.99"). An empty string selects DefaultQuantile.
func ParseQuantileLevel(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultQuantile, nil
	}

	scale := 1.0
	if strings.HasPrefix(strings.ToLower(s), "p") {
		s, scale = s[1:], 100
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantile level %q: %w", s, err)
	}
	v /= scale
	if v <= 0 || v > 1 {
		return 0, fmt.Errorf("quantile level %v out of range (0, 1]", v)
	}
	return v, nil
}

// FormatQuantileLevel formats q in percentile notation, e.g. "p99".
func FormatQuantileLevel(q float64) string {
	return "p" + strconv.FormatFloat(math.Round(q*1e6)/1e4, 'f', -1, 64)
}
