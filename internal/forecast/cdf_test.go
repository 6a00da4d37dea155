package forecast_test

import (
	"math"
	"testing"

	"worldcast/internal/domain"
	"worldcast/internal/forecast"
)

func numericQuestion(lowerOpen, upperOpen bool) domain.Question {
	return domain.Question{ID: 100, Type: domain.TypeNumeric, LowerBoundOpen: lowerOpen, UpperBoundOpen: upperOpen}
}

func assertMonotonic(t *testing.T, cdf []float64) {
	t.Helper()
	for i := 1; i < len(cdf); i++ {
		if cdf[i] < cdf[i-1] {
			t.Fatalf("cdf decreases at %d: %v < %v", i, cdf[i], cdf[i-1])
		}
	}
}

func assertInUnitRange(t *testing.T, cdf []float64) {
	t.Helper()
	for i, v := range cdf {
		if math.IsNaN(v) || v < 0 || v > 1 {
			t.Fatalf("cdf[%d]=%v out of [0,1]", i, v)
		}
	}
}

func ramp(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i) / float64(n-1)
	}
	return out
}

func TestSanitizeCDFLength(t *testing.T) {
	q := numericQuestion(false, false)
	for _, n := range []int{0, 1, 5, 50, 500} {
		var in []float64
		if n == 1 {
			in = []float64{0.4}
		} else if n > 0 {
			in = ramp(n)
		}
		out := forecast.SanitizeCDF(in, q)
		if len(out) != forecast.CDFPoints {
			t.Fatalf("input length %d: expected %d points, got %d", n, forecast.CDFPoints, len(out))
		}
		assertMonotonic(t, out)
		assertInUnitRange(t, out)
	}
}

func TestSanitizeCDFAdversarialInput(t *testing.T) {
	q := numericQuestion(false, false)
	out := forecast.SanitizeCDF([]float64{0.0, 0.9, 0.1, 1.0}, q)
	assertMonotonic(t, out)
	assertInUnitRange(t, out)
	if len(out) != forecast.CDFPoints {
		t.Fatalf("expected %d points, got %d", forecast.CDFPoints, len(out))
	}
}

func TestSanitizeCDFClampsRange(t *testing.T) {
	q := numericQuestion(false, false)
	in := make([]float64, 201)
	for i := range in {
		in[i] = -0.5 + 2.0*float64(i)/200.0 // spans [-0.5, 1.5]
	}
	out := forecast.SanitizeCDF(in, q)
	assertInUnitRange(t, out)
	assertMonotonic(t, out)
}

func TestSanitizeCDFRepairsNonFinite(t *testing.T) {
	q := numericQuestion(false, false)
	in := ramp(201)
	in[50] = math.NaN()
	in[100] = math.Inf(1)
	in[150] = math.NaN()
	out := forecast.SanitizeCDF(in, q)
	assertInUnitRange(t, out)
	assertMonotonic(t, out)
}

func TestSanitizeCDFLeadingTrailingNaN(t *testing.T) {
	q := numericQuestion(false, false)
	in := ramp(201)
	in[0], in[1] = math.NaN(), math.NaN()
	in[199], in[200] = math.NaN(), math.NaN()
	out := forecast.SanitizeCDF(in, q)
	assertInUnitRange(t, out)
	assertMonotonic(t, out)
}

func TestSanitizeCDFAllNaNBecomesRamp(t *testing.T) {
	q := numericQuestion(false, false)
	in := make([]float64, 10)
	for i := range in {
		in[i] = math.NaN()
	}
	out := forecast.SanitizeCDF(in, q)
	if len(out) != forecast.CDFPoints {
		t.Fatalf("expected %d points, got %d", forecast.CDFPoints, len(out))
	}
	if out[0] != 0.0 || out[len(out)-1] != 1.0 {
		t.Fatalf("expected full ramp endpoints, got %v .. %v", out[0], out[len(out)-1])
	}
}

func TestSanitizeCDFBoundaryOpenness(t *testing.T) {
	cases := []struct {
		name       string
		lowerOpen  bool
		upperOpen  bool
		checkFirst func(v float64) bool
		checkLast  func(v float64) bool
	}{
		{"both closed", false, false, func(v float64) bool { return v == 0.0 }, func(v float64) bool { return v == 1.0 }},
		{"both open", true, true, func(v float64) bool { return v >= 0.001 }, func(v float64) bool { return v <= 0.999 }},
		{"open lower only", true, false, func(v float64) bool { return v >= 0.001 }, func(v float64) bool { return v == 1.0 }},
		{"open upper only", false, true, func(v float64) bool { return v == 0.0 }, func(v float64) bool { return v <= 0.999 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := forecast.SanitizeCDF(ramp(201), numericQuestion(tc.lowerOpen, tc.upperOpen))
			if !tc.checkFirst(out[0]) {
				t.Fatalf("first value %v violates boundary rule", out[0])
			}
			if !tc.checkLast(out[len(out)-1]) {
				t.Fatalf("last value %v violates boundary rule", out[len(out)-1])
			}
			assertMonotonic(t, out)
		})
	}
}

func TestSanitizeCDFCompliantEndpointsUntouched(t *testing.T) {
	q := numericQuestion(true, true)
	in := make([]float64, 201)
	for i := range in {
		in[i] = 0.002 + (0.998-0.002)*float64(i)/200.0
	}
	out := forecast.SanitizeCDF(in, q)
	if math.Abs(out[0]-0.002) > 0.001 {
		t.Fatalf("first value changed unnecessarily: %v", out[0])
	}
	if math.Abs(out[200]-0.998) > 0.001 {
		t.Fatalf("last value changed unnecessarily: %v", out[200])
	}
}

func TestSanitizeCDFFlatInputGetsMinimumStep(t *testing.T) {
	q := numericQuestion(false, false)
	in := make([]float64, 201)
	for i := range in {
		in[i] = 0.5
	}
	out := forecast.SanitizeCDF(in, q)
	// Interior steps should be at least the minimum increment.
	for i := 2; i < len(out)-1; i++ {
		if step := out[i] - out[i-1]; step < 5e-5-1e-12 {
			t.Fatalf("step at %d below minimum: %v", i, step)
		}
	}
	assertMonotonic(t, out)
}

func TestSanitizeCDFIdempotent(t *testing.T) {
	for _, q := range []domain.Question{
		numericQuestion(false, false),
		numericQuestion(true, true),
	} {
		first := forecast.SanitizeCDF(ramp(201), q)
		second := forecast.SanitizeCDF(first, q)
		for i := range first {
			if math.Abs(first[i]-second[i]) > 1e-9 {
				t.Fatalf("not idempotent at %d: %v vs %v", i, first[i], second[i])
			}
		}
	}
}

func TestSanitizeCDFIdempotentOnBoundaryPlateaus(t *testing.T) {
	lowerPlateau := make([]float64, 201)
	for i := 40; i < len(lowerPlateau); i++ {
		lowerPlateau[i] = float64(i-40) / 160.0
	}
	upperPlateau := make([]float64, 201)
	for i := range upperPlateau {
		if i < 160 {
			upperPlateau[i] = float64(i) / 160.0
		} else {
			upperPlateau[i] = 1.0
		}
	}
	cases := []struct {
		name string
		q    domain.Question
		in   []float64
	}{
		{"leading zeros, open lower", numericQuestion(true, false), lowerPlateau},
		{"trailing ones, open upper", numericQuestion(false, true), upperPlateau},
		{"both plateaus, both open", numericQuestion(true, true), append(append([]float64{}, lowerPlateau[:100]...), upperPlateau[100:]...)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			first := forecast.SanitizeCDF(tc.in, tc.q)
			second := forecast.SanitizeCDF(first, tc.q)
			for i := range first {
				if math.Abs(first[i]-second[i]) > 1e-9 {
					t.Fatalf("not idempotent at %d: %v vs %v", i, first[i], second[i])
				}
			}
			assertMonotonic(t, first)
			assertInUnitRange(t, first)
		})
	}
}

func TestSanitizeCDFDoesNotMutateInput(t *testing.T) {
	q := numericQuestion(false, false)
	in := []float64{0.9, 0.1, math.NaN(), 0.5}
	snapshot := []float64{0.9, 0.1, math.NaN(), 0.5}
	_ = forecast.SanitizeCDF(in, q)
	for i := range in {
		if math.IsNaN(snapshot[i]) {
			if !math.IsNaN(in[i]) {
				t.Fatalf("input mutated at %d", i)
			}
			continue
		}
		if in[i] != snapshot[i] {
			t.Fatalf("input mutated at %d: %v", i, in[i])
		}
	}
}
