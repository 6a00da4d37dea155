package forecast

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"worldcast/internal/domain"
)

// ErrInsufficientSamples means no usable world answered the question; the
// caller skips the question and continues the run.
var ErrInsufficientSamples = errors.New("insufficient samples")

const (
	// The platform rejects certainty on binary questions.
	binaryFloor = 0.01
	binaryCeil  = 0.99

	// Numeric sample grids pad the observed range by 5% on each side.
	gridPadFraction = 0.05
	// When every sample lands on the same value, pad by a fixed epsilon so
	// the grid never has zero width.
	degeneratePad = 1e-6
)

// Aggregate reduces a question's valid sample set to its canonical forecast.
// Numeric forecasts come out already sanitized.
func Aggregate(q domain.Question, samples []domain.WorldSample) (domain.Forecast, error) {
	switch q.Type {
	case domain.TypeBinary:
		return aggregateBinary(q, samples)
	case domain.TypeMultipleChoice:
		return aggregateCategorical(q, samples)
	case domain.TypeNumeric:
		return aggregateNumeric(q, samples)
	default:
		return nil, fmt.Errorf("question %d: unknown type %q", q.ID, q.Type)
	}
}

func aggregateBinary(q domain.Question, samples []domain.WorldSample) (domain.Forecast, error) {
	var yes, n int
	for _, s := range samples {
		bs, ok := s.(domain.BinarySample)
		if !ok {
			continue
		}
		n++
		if bs.Answer {
			yes++
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("question %d: %w", q.ID, ErrInsufficientSamples)
	}
	p := float64(yes) / float64(n)
	return domain.BinaryForecast{Probability: clamp(p, binaryFloor, binaryCeil)}, nil
}

// aggregateCategorical averages each option's score over the samples that
// reported it; an option no sample ever scored contributes 0.0. Negative
// averages are floored before normalization since raw scores are
// relative-likelihood signals, not probabilities.
func aggregateCategorical(q domain.Question, samples []domain.WorldSample) (domain.Forecast, error) {
	sums := make(map[string]float64, len(q.Options))
	counts := make(map[string]int, len(q.Options))
	for _, s := range samples {
		cs, ok := s.(domain.CategoricalSample)
		if !ok {
			continue
		}
		for name, score := range cs.Scores {
			if math.IsNaN(score) || math.IsInf(score, 0) {
				continue
			}
			sums[name] += score
			counts[name]++
		}
	}
	probs := make(map[string]float64, len(q.Options))
	total := 0.0
	for _, opt := range q.Options {
		avg := 0.0
		if c := counts[opt]; c > 0 {
			avg = sums[opt] / float64(c)
		}
		if avg < 0 {
			avg = 0
		}
		probs[opt] = avg
		total += avg
	}
	if total == 0 {
		return nil, fmt.Errorf("question %d: all option scores zero: %w", q.ID, ErrInsufficientSamples)
	}
	for opt := range probs {
		probs[opt] /= total
	}
	return domain.CategoricalForecast{Probabilities: probs}, nil
}

// aggregateNumeric builds an empirical CDF over a 201-point grid spanning the
// padded sample range, then runs it through the sanitizer. The sample mean is
// kept as an informational summary only.
func aggregateNumeric(q domain.Question, samples []domain.WorldSample) (domain.Forecast, error) {
	var values []float64
	for _, s := range samples {
		ns, ok := s.(domain.NumericSample)
		if !ok {
			continue
		}
		values = append(values, ns.Value)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("question %d: %w", q.ID, ErrInsufficientSamples)
	}
	sort.Float64s(values)
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	lo, hi := values[0], values[len(values)-1]
	pad := (hi - lo) * gridPadFraction
	if hi == lo {
		pad = degeneratePad
	}
	grid := linspace(lo-pad, hi+pad, CDFPoints)
	raw := empiricalCDF(values, grid)

	return domain.NumericForecast{CDF: SanitizeCDF(raw, q), Mean: mean}, nil
}

// empiricalCDF evaluates the step function count(values <= g)/n at every grid
// point. values must be sorted ascending.
func empiricalCDF(values, grid []float64) []float64 {
	out := make([]float64, len(grid))
	n := float64(len(values))
	j := 0
	for i, g := range grid {
		for j < len(values) && values[j] <= g {
			j++
		}
		out[i] = float64(j) / n
	}
	return out
}

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + step*float64(i)
	}
	out[n-1] = hi
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
