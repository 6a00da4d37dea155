package forecast

import (
	"math"
	"strings"
	"unicode"

	"worldcast/internal/domain"
)

// maxOptionNameLen caps sanitized option names so a runaway model answer
// cannot blow up lookup keys or the archive rows.
const maxOptionNameLen = 100

// Collect reduces one question's raw world outputs to the valid sample set.
// Nil entries, samples of the wrong type and non-finite numeric values are
// dropped; ordering of the result carries no meaning.
func Collect(q domain.Question, worlds []domain.WorldSample) []domain.WorldSample {
	out := make([]domain.WorldSample, 0, len(worlds))
	for _, w := range worlds {
		if w == nil || w.SampleType() != q.Type {
			continue
		}
		if ns, ok := w.(domain.NumericSample); ok {
			if math.IsNaN(ns.Value) || math.IsInf(ns.Value, 0) {
				continue
			}
		}
		if cs, ok := w.(domain.CategoricalSample); ok {
			if len(cs.Scores) == 0 {
				continue
			}
		}
		out = append(out, w)
	}
	return out
}

// SanitizeOptionName normalizes a model-produced option name into a safe
// plain lookup token: quotes, control characters and newlines are stripped
// and the result is length-capped. The aggregator assumes its keys have
// already been through this.
func SanitizeOptionName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == '"' || r == '\'' || r == '`' {
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	s := strings.TrimSpace(b.String())
	runes := []rune(s)
	if len(runes) > maxOptionNameLen {
		s = string(runes[:maxOptionNameLen])
	}
	return s
}
