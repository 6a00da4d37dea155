package forecast

import (
	"math"

	"worldcast/internal/domain"
)

// CDFPoints is the exact CDF length the platform accepts for continuous
// questions.
const CDFPoints = 201

const (
	// cdfMinStep discourages flat plateaus that read as numerical artifacts.
	cdfMinStep = 5e-5
	// Open bounds imply probability mass beyond the displayed range.
	openLowerFloor = 0.001
	openUpperCeil  = 0.999
)

// SanitizeCDF transforms an arbitrary float sequence into a canonical
// 201-point CDF: non-decreasing, in [0,1], with endpoints matching the
// question's boundary openness. It is a total function (empty input is
// treated as a flat 0-to-1 ramp) and a pure one: the input is never mutated.
//
// The passes run in a fixed order; later passes assume the invariants the
// earlier ones establish.
func SanitizeCDF(raw []float64, q domain.Question) []float64 {
	v := make([]float64, len(raw))
	copy(v, raw)
	if len(v) == 0 {
		v = linspace(0, 1, CDFPoints)
	}

	repairNonFinite(v)
	clampAll(v)
	forwardMonotonic(v)
	backwardCeiling(v)
	minimumStep(v)
	enforceBounds(v, q)
	v = resample(v, CDFPoints)
	clampAll(v)
	enforceBounds(v, q)
	return v
}

// repairNonFinite replaces NaN/Inf entries by linear interpolation between the
// nearest finite neighbors, extending flat past the ends. A sequence with no
// finite entry at all becomes a 0-to-1 ramp.
func repairNonFinite(v []float64) {
	finite := func(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

	first := -1
	for i, x := range v {
		if finite(x) {
			first = i
			break
		}
	}
	if first == -1 {
		ramp := linspace(0, 1, len(v))
		copy(v, ramp)
		return
	}
	for i := 0; i < first; i++ {
		v[i] = v[first]
	}
	last := first
	for i := first + 1; i < len(v); i++ {
		if !finite(v[i]) {
			continue
		}
		if gap := i - last; gap > 1 {
			step := (v[i] - v[last]) / float64(gap)
			for k := last + 1; k < i; k++ {
				v[k] = v[last] + step*float64(k-last)
			}
		}
		last = i
	}
	for i := last + 1; i < len(v); i++ {
		v[i] = v[last]
	}
}

func clampAll(v []float64) {
	for i, x := range v {
		v[i] = clamp(x, 0, 1)
	}
}

func forwardMonotonic(v []float64) {
	for i := 1; i < len(v); i++ {
		if v[i] < v[i-1] {
			v[i] = v[i-1]
		}
	}
}

func backwardCeiling(v []float64) {
	for i := len(v) - 2; i >= 0; i-- {
		if v[i] > v[i+1] {
			v[i] = v[i+1]
		}
	}
}

// minimumStep pushes each value at least cdfMinStep above its predecessor
// wherever doing so stays within 1.0.
func minimumStep(v []float64) {
	for i := 1; i < len(v); i++ {
		want := v[i-1] + cdfMinStep
		if v[i] < want && want <= 1.0 {
			v[i] = want
		}
	}
}

// enforceBounds pins the endpoints to the boundary-openness rule. When an
// endpoint has to be pushed inward, the neighbors it would cross are leveled
// with it so monotonicity survives.
func enforceBounds(v []float64, q domain.Question) {
	if len(v) == 0 {
		return
	}
	last := len(v) - 1
	if q.LowerBoundOpen {
		if v[0] < openLowerFloor {
			// Raise the leading region as a minimum-step ramp rather
			// than a flat plateau, so the result survives another
			// sanitize pass unchanged.
			v[0] = openLowerFloor
			for i := 1; i <= last; i++ {
				want := v[i-1] + cdfMinStep
				if v[i] >= want {
					break
				}
				v[i] = want
			}
		}
	} else {
		v[0] = 0.0
	}
	if q.UpperBoundOpen {
		if v[last] > openUpperCeil {
			v[last] = openUpperCeil
			for i := last - 1; i >= 0; i-- {
				want := v[i+1] - cdfMinStep
				if v[i] <= want {
					break
				}
				v[i] = want
			}
		}
	} else {
		v[last] = 1.0
	}
}

// resample linearly interpolates the sequence onto exactly n points over a
// uniform first-to-last parameterization.
func resample(v []float64, n int) []float64 {
	if len(v) == n {
		return v
	}
	out := make([]float64, n)
	if len(v) == 1 {
		for i := range out {
			out[i] = v[0]
		}
		return out
	}
	scale := float64(len(v)-1) / float64(n-1)
	for i := range out {
		pos := float64(i) * scale
		lo := int(pos)
		if lo >= len(v)-1 {
			out[i] = v[len(v)-1]
			continue
		}
		frac := pos - float64(lo)
		out[i] = v[lo] + (v[lo+1]-v[lo])*frac
	}
	return out
}
