package forecast

import (
	"fmt"
	"math"

	"worldcast/internal/domain"
)

// sumTolerance is the floating slack allowed on categorical probability sums.
const sumTolerance = 1e-6

// endpointTolerance absorbs resampling drift when checking closed endpoints.
const endpointTolerance = 1e-9

// PayloadError reports which platform rule a forecast breaks and the value
// that broke it. Violations are deterministic given the same input, so the
// caller aborts submission for the question without retrying.
type PayloadError struct {
	QuestionID int64
	Rule       string
	Value      any
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("question %d: payload invalid: %s (got %v)", e.QuestionID, e.Rule, e.Value)
}

// Validate performs the last-mile structural check against the platform
// contract and, on success, builds the wire payload with exactly the one
// forecast field matching the question type populated.
func Validate(q domain.Question, f domain.Forecast) (domain.SubmissionPayload, error) {
	if f == nil {
		return domain.SubmissionPayload{}, &PayloadError{q.ID, "forecast missing", nil}
	}
	if f.ForecastType() != q.Type {
		return domain.SubmissionPayload{}, &PayloadError{q.ID, fmt.Sprintf("forecast type %s does not match question type %s", f.ForecastType(), q.Type), f.ForecastType()}
	}
	switch fc := f.(type) {
	case domain.BinaryForecast:
		return validateBinary(q, fc)
	case domain.CategoricalForecast:
		return validateCategorical(q, fc)
	case domain.NumericForecast:
		return validateNumeric(q, fc)
	default:
		return domain.SubmissionPayload{}, &PayloadError{q.ID, "unknown forecast variant", fmt.Sprintf("%T", f)}
	}
}

func validateBinary(q domain.Question, f domain.BinaryForecast) (domain.SubmissionPayload, error) {
	p := f.Probability
	if math.IsNaN(p) || p < binaryFloor || p > binaryCeil {
		return domain.SubmissionPayload{}, &PayloadError{q.ID, fmt.Sprintf("probability_yes must be in [%v, %v]", binaryFloor, binaryCeil), p}
	}
	return domain.SubmissionPayload{ProbabilityYes: &p}, nil
}

func validateCategorical(q domain.Question, f domain.CategoricalForecast) (domain.SubmissionPayload, error) {
	if len(f.Probabilities) == 0 {
		return domain.SubmissionPayload{}, &PayloadError{q.ID, "probability_yes_per_category missing", nil}
	}
	if len(f.Probabilities) != len(q.Options) {
		return domain.SubmissionPayload{}, &PayloadError{q.ID, fmt.Sprintf("expected %d options", len(q.Options)), len(f.Probabilities)}
	}
	sum := 0.0
	for _, opt := range q.Options {
		p, ok := f.Probabilities[opt]
		if !ok {
			return domain.SubmissionPayload{}, &PayloadError{q.ID, "missing option", opt}
		}
		if math.IsNaN(p) || p < 0 || p > 1 {
			return domain.SubmissionPayload{}, &PayloadError{q.ID, fmt.Sprintf("probability for %q must be in [0, 1]", opt), p}
		}
		sum += p
	}
	if math.Abs(sum-1.0) > sumTolerance {
		return domain.SubmissionPayload{}, &PayloadError{q.ID, "probabilities must sum to 1.0", sum}
	}
	probs := make(map[string]float64, len(q.Options))
	for _, opt := range q.Options {
		probs[opt] = f.Probabilities[opt]
	}
	return domain.SubmissionPayload{ProbabilityYesPerCategory: probs}, nil
}

func validateNumeric(q domain.Question, f domain.NumericForecast) (domain.SubmissionPayload, error) {
	cdf := f.CDF
	if len(cdf) != CDFPoints {
		return domain.SubmissionPayload{}, &PayloadError{q.ID, fmt.Sprintf("continuous_cdf must have exactly %d points", CDFPoints), len(cdf)}
	}
	for i, v := range cdf {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return domain.SubmissionPayload{}, &PayloadError{q.ID, fmt.Sprintf("cdf[%d] must be in [0, 1]", i), v}
		}
		if i > 0 && v < cdf[i-1] {
			return domain.SubmissionPayload{}, &PayloadError{q.ID, fmt.Sprintf("cdf decreases at index %d", i), v}
		}
	}
	first, last := cdf[0], cdf[CDFPoints-1]
	if q.LowerBoundOpen {
		if first < openLowerFloor {
			return domain.SubmissionPayload{}, &PayloadError{q.ID, fmt.Sprintf("open lower bound requires cdf[0] >= %v", openLowerFloor), first}
		}
	} else if math.Abs(first) > endpointTolerance {
		return domain.SubmissionPayload{}, &PayloadError{q.ID, "closed lower bound requires cdf[0] == 0.0", first}
	}
	if q.UpperBoundOpen {
		if last > openUpperCeil {
			return domain.SubmissionPayload{}, &PayloadError{q.ID, fmt.Sprintf("open upper bound requires cdf[200] <= %v", openUpperCeil), last}
		}
	} else if math.Abs(last-1.0) > endpointTolerance {
		return domain.SubmissionPayload{}, &PayloadError{q.ID, "closed upper bound requires cdf[200] == 1.0", last}
	}
	out := make([]float64, CDFPoints)
	copy(out, cdf)
	return domain.SubmissionPayload{ContinuousCDF: out}, nil
}
