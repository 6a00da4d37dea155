// Package sampler draws simulated-world outcomes for batches of questions
// from an LLM and turns the replies into per-question samples.
package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"

	"worldcast/internal/domain"
	"worldcast/internal/forecast"
)

const (
	defaultWorkers   = 4
	defaultBatchSize = 12

	// The batch digest stays compact: at most this many lines total, and at
	// most maxFactsPerQuestion fact lines under any one question. Question
	// lines are never dropped.
	maxDigestLines      = 80
	maxFactsPerQuestion = 5
)

// Caller produces one model completion for one prompt.
type Caller interface {
	Call(ctx context.Context, prompt string) (string, error)
}

// FactSource supplies pre-gathered research facts for a question, one short
// line per fact. How the facts are produced is the source's business.
type FactSource interface {
	Facts(ctx context.Context, q domain.Question) ([]string, error)
}

// Sampler fans world draws out over a bounded worker pool. Each world is one
// model call answering every question in a batch at once. A nil Facts means
// the digest carries no research lines.
type Sampler struct {
	Caller    Caller
	Facts     FactSource
	Worlds    int
	Workers   int
	BatchSize int
	Log       *zap.Logger
}

// SampleWorlds draws the configured number of worlds for every question and
// returns successful samples keyed by question ID. Failed world calls and
// unparseable outcomes are dropped, never substituted.
func (s *Sampler) SampleWorlds(ctx context.Context, questions []domain.Question) (map[int64][]domain.WorldSample, error) {
	if s.Caller == nil {
		return nil, fmt.Errorf("sampler: no caller configured")
	}
	workers := s.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	worlds := s.Worlds
	if worlds <= 0 {
		return nil, fmt.Errorf("sampler: worlds must be positive")
	}

	samples := make(map[int64][]domain.WorldSample, len(questions))
	var mu sync.Mutex

	for start := 0; start < len(questions); start += batchSize {
		end := start + batchSize
		if end > len(questions) {
			end = len(questions)
		}
		batch := questions[start:end]
		keyed := keyQuestions(batch)
		prompt := worldPrompt(batch, s.collectFacts(ctx, batch))

		var wg sync.WaitGroup
		sem := make(chan struct{}, workers)
		for w := 0; w < worlds; w++ {
			select {
			case <-ctx.Done():
				return samples, ctx.Err()
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				reply, err := s.Caller.Call(ctx, prompt)
				if err != nil {
					s.log().Warn("world call failed", zap.Error(err))
					return
				}
				world, err := parseWorld(keyed, reply)
				if err != nil {
					s.log().Warn("world reply unparseable", zap.Error(err))
					return
				}
				mu.Lock()
				for id, sample := range world {
					samples[id] = append(samples[id], sample)
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
	}
	return samples, nil
}

func (s *Sampler) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// collectFacts gathers research lines for every question in the batch. A
// failing source costs that question its facts, never the run.
func (s *Sampler) collectFacts(ctx context.Context, batch []domain.Question) map[int64][]string {
	if s.Facts == nil {
		return nil
	}
	facts := make(map[int64][]string, len(batch))
	for _, q := range batch {
		lines, err := s.Facts.Facts(ctx, q)
		if err != nil {
			s.log().Warn("fact lookup failed", zap.Int64("question_id", q.ID), zap.Error(err))
			continue
		}
		if len(lines) > 0 {
			facts[q.ID] = lines
		}
	}
	return facts
}

// questionKey is the batch-local handle a question is addressed by inside the
// prompt and the reply, Q01 upward.
func questionKey(i int) string {
	return fmt.Sprintf("Q%02d", i+1)
}

func keyQuestions(batch []domain.Question) map[string]domain.Question {
	keyed := make(map[string]domain.Question, len(batch))
	for i, q := range batch {
		keyed[questionKey(i)] = q
	}
	return keyed
}

// typeName is the short type token used in digest tags and expected back in
// the reply's type field.
func typeName(q domain.Question) string {
	switch q.Type {
	case domain.TypeBinary:
		return "bin"
	case domain.TypeMultipleChoice:
		return "mc"
	case domain.TypeNumeric:
		return "num"
	}
	return ""
}

// digestTag renders the bracketed question tag, e.g. [Q02|mc k=4] or
// [Q03|num units=barrels].
func digestTag(key string, q domain.Question) string {
	switch q.Type {
	case domain.TypeMultipleChoice:
		return fmt.Sprintf("[%s|mc k=%d]", key, len(q.Options))
	case domain.TypeNumeric:
		if q.Units != "" {
			return fmt.Sprintf("[%s|num units=%s]", key, q.Units)
		}
		return fmt.Sprintf("[%s|num]", key)
	default:
		return fmt.Sprintf("[%s|bin]", key)
	}
}

// worldPrompt builds the batch digest: one tagged line per question, its
// options where relevant, up to maxFactsPerQuestion research lines beneath
// it, then strict output instructions. Fact lines stop once the digest
// reaches maxDigestLines; question lines always make it in.
func worldPrompt(batch []domain.Question, facts map[int64][]string) string {
	var b strings.Builder
	b.WriteString("You are simulating one plausible future world. For each question below, state the outcome in that single world.\n\n")
	b.WriteString("Questions:\n")
	lines := 0
	for i, q := range batch {
		key := questionKey(i)
		fmt.Fprintf(&b, "%s %s\n", digestTag(key, q), q.Title)
		lines++
		if q.Type == domain.TypeMultipleChoice {
			fmt.Fprintf(&b, "    options: %s\n", strings.Join(q.Options, " | "))
			lines++
		}
		qf := facts[q.ID]
		if len(qf) > maxFactsPerQuestion {
			qf = qf[:maxFactsPerQuestion]
		}
		for _, f := range qf {
			if lines >= maxDigestLines {
				break
			}
			fmt.Fprintf(&b, "- %s %s\n", digestTag(key, q), f)
			lines++
		}
	}
	b.WriteString("\nReply with ONLY a JSON object, no prose, shaped exactly like:\n")
	b.WriteString(`{"world_summary": "<a short sketch of this world>",` + "\n")
	b.WriteString(` "per_question": [{"key": "Q01", "type": "bin", "outcome": {...}}, ...]}` + "\n")
	b.WriteString("One per_question entry per question key. Outcome shapes by type:\n")
	b.WriteString(`  bin -> {"answer": "yes"} or {"answer": "no"}` + "\n")
	b.WriteString(`  mc  -> {"option": "<exact option text>"} or {"option_index": <n>}` + "\n")
	b.WriteString(`  num -> {"value": <number>}` + "\n")
	return b.String()
}

// outcome is the lenient per-question outcome shape. Models vary; answer may
// be a bool or a yes/no string, options may come by name or index.
type outcome struct {
	Answer      any      `json:"answer"`
	Option      string   `json:"option"`
	OptionIndex *int     `json:"option_index"`
	Value       *float64 `json:"value"`
}

// worldReply is the strict reply envelope the prompt demands.
type worldReply struct {
	WorldSummary string          `json:"world_summary"`
	PerQuestion  []questionReply `json:"per_question"`
}

type questionReply struct {
	Key     string          `json:"key"`
	Type    string          `json:"type"`
	Outcome json.RawMessage `json:"outcome"`
}

// parseWorld extracts the JSON object from a model reply and converts each
// recognized per_question entry into a sample. Unknown keys, type-mismatched
// entries, and malformed outcomes are skipped; an empty world is an error.
func parseWorld(keyed map[string]domain.Question, reply string) (map[int64]domain.WorldSample, error) {
	payload, err := ExtractJSON(reply)
	if err != nil {
		return nil, err
	}
	var wr worldReply
	if err := json.Unmarshal([]byte(payload), &wr); err != nil {
		return nil, fmt.Errorf("decode world object: %w", err)
	}
	world := make(map[int64]domain.WorldSample)
	for _, entry := range wr.PerQuestion {
		q, ok := keyed[entry.Key]
		if !ok {
			continue
		}
		if entry.Type != "" && entry.Type != typeName(q) {
			continue
		}
		var o outcome
		if err := json.Unmarshal(entry.Outcome, &o); err != nil {
			continue
		}
		sample, ok := outcomeToSample(q, o)
		if !ok {
			continue
		}
		world[q.ID] = sample
	}
	if len(world) == 0 {
		return nil, fmt.Errorf("world reply answered no known question")
	}
	return world, nil
}

func outcomeToSample(q domain.Question, o outcome) (domain.WorldSample, bool) {
	switch q.Type {
	case domain.TypeBinary:
		yes, ok := parseYesNo(o.Answer)
		if !ok {
			return nil, false
		}
		return domain.BinarySample{Answer: yes}, true
	case domain.TypeMultipleChoice:
		name := ""
		if o.Option != "" {
			name = forecast.SanitizeOptionName(o.Option)
		} else if o.OptionIndex != nil && *o.OptionIndex >= 0 && *o.OptionIndex < len(q.Options) {
			name = q.Options[*o.OptionIndex]
		}
		if name == "" || !containsOption(q.Options, name) {
			return nil, false
		}
		return domain.CategoricalSample{Scores: map[string]float64{name: 1}}, true
	case domain.TypeNumeric:
		if o.Value == nil || math.IsNaN(*o.Value) || math.IsInf(*o.Value, 0) {
			return nil, false
		}
		return domain.NumericSample{Value: *o.Value}, true
	}
	return nil, false
}

func parseYesNo(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "yes", "true", "y":
			return true, true
		case "no", "false", "n":
			return false, true
		}
	}
	return false, false
}

func containsOption(options []string, name string) bool {
	for _, o := range options {
		if o == name {
			return true
		}
	}
	return false
}

// ExtractJSON cuts the substring between the first '{' and the last '}' so
// replies wrapped in prose or code fences still parse.
func ExtractJSON(reply string) (string, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON object in reply")
	}
	return reply[start : end+1], nil
}
