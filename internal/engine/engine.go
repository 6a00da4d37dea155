// Package engine runs the forecasting pipeline: pull open questions, sample
// worlds, aggregate, validate, submit, and archive the outcome per question.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"worldcast/internal/config"
	"worldcast/internal/domain"
	"worldcast/internal/events"
	"worldcast/internal/forecast"
	"worldcast/internal/ledger"
	"worldcast/internal/metaculus"
	"worldcast/internal/repo"
)

// Run modes.
const (
	ModeTournament = "tournament"
	ModeCup        = "cup"
	ModeTest       = "test"
)

const cupSlug = "metaculus-cup"

// QuestionSource lists forecastable questions.
type QuestionSource interface {
	ListOpenQuestions(ctx context.Context, f metaculus.ListFilters) ([]domain.Question, error)
	GetPost(ctx context.Context, postID int64) ([]domain.Question, error)
}

// Submitter posts forecasts and reasoning comments.
type Submitter interface {
	SubmitForecast(ctx context.Context, questionID int64, payload domain.SubmissionPayload) error
	PostComment(ctx context.Context, postID int64, text string) error
}

// WorldSampler draws world outcomes for a question set.
type WorldSampler interface {
	SampleWorlds(ctx context.Context, questions []domain.Question) (map[int64][]domain.WorldSample, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Cfg       *config.Config
	Source    QuestionSource
	Submitter Submitter
	Sampler   WorldSampler
	Ledger    *ledger.Ledger
	Log       *zap.Logger
	Now       func() time.Time
}

// RunOptions shape one pipeline invocation.
type RunOptions struct {
	Mode   string
	Force  bool
	DryRun bool
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// Run executes the full pipeline once and returns the finished run record.
// Per-question failures are archived as reports, never aborting the run;
// only infrastructure errors (listing, storage) are fatal.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (domain.Run, error) {
	// Cup questions reopen over time, so the ledger never skips them.
	// Test mode exercises the pipeline against configured posts and never
	// submits.
	switch opts.Mode {
	case ModeCup:
		opts.Force = true
	case ModeTest:
		opts.DryRun = true
	}

	questions, err := e.listQuestions(ctx, opts.Mode)
	if err != nil {
		return domain.Run{}, fmt.Errorf("list questions: %w", err)
	}

	run := domain.Run{
		ID:        uuid.NewString(),
		Mode:      opts.Mode,
		Worlds:    e.Cfg.Bot.Worlds,
		StartedAt: e.now().UTC().Format(time.RFC3339),
	}
	switch opts.Mode {
	case ModeTournament:
		run.Tournament = e.Cfg.Bot.Tournament
	case ModeCup:
		run.Tournament = cupSlug
	}
	if err := e.Repo.InsertRun(ctx, run); err != nil {
		return run, fmt.Errorf("insert run: %w", err)
	}
	if err := e.appendEvent(ctx, "run_started", run.ID, 0, events.EventPayload{
		"mode": opts.Mode, "questions": len(questions), "worlds": run.Worlds,
	}); err != nil {
		return run, err
	}
	e.log().Info("run started",
		zap.String("run_id", run.ID), zap.String("mode", opts.Mode),
		zap.Int("questions", len(questions)), zap.Bool("dry_run", opts.DryRun))

	// One world answers the whole question set, so sampling happens up front.
	worlds, err := e.Sampler.SampleWorlds(ctx, questions)
	if err != nil {
		return run, fmt.Errorf("sample worlds: %w", err)
	}

	for _, q := range questions {
		rep := e.forecastQuestion(ctx, run.ID, q, worlds[q.ID], opts)
		switch rep.Status {
		case domain.ReportSubmitted:
			run.Submitted++
		case domain.ReportSubmitFailed, domain.ReportPayloadInvalid:
			run.Failed++
		default:
			run.Skipped++
		}
		if err := e.archiveReport(ctx, rep); err != nil {
			return run, fmt.Errorf("archive report for question %d: %w", q.ID, err)
		}
	}

	run.FinishedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.finishRun(ctx, run); err != nil {
		return run, fmt.Errorf("finish run: %w", err)
	}
	e.log().Info("run finished",
		zap.String("run_id", run.ID),
		zap.Int("submitted", run.Submitted), zap.Int("skipped", run.Skipped), zap.Int("failed", run.Failed))
	return run, nil
}

func (e *Engine) listQuestions(ctx context.Context, mode string) ([]domain.Question, error) {
	switch mode {
	case ModeTournament:
		return e.Source.ListOpenQuestions(ctx, metaculus.ListFilters{Tournament: e.Cfg.Bot.Tournament})
	case ModeCup:
		return e.Source.ListOpenQuestions(ctx, metaculus.ListFilters{Tournament: cupSlug})
	case ModeTest:
		var questions []domain.Question
		for _, postID := range e.Cfg.Test.PostIDs {
			qs, err := e.Source.GetPost(ctx, postID)
			if err != nil {
				e.log().Warn("test post unavailable", zap.Int64("post_id", postID), zap.Error(err))
				continue
			}
			questions = append(questions, qs...)
		}
		return questions, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// forecastQuestion takes one question from raw worlds to an archived outcome.
// Every exit path yields a report; nothing is silently dropped.
func (e *Engine) forecastQuestion(ctx context.Context, runID string, q domain.Question, raw []domain.WorldSample, opts RunOptions) domain.Report {
	rep := domain.Report{
		ID:         uuid.NewString(),
		RunID:      runID,
		QuestionID: q.ID,
		PostID:     q.PostID,
		Type:       q.Type,
		Title:      q.Title,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}

	if !opts.Force && e.Ledger.Contains(q.ID) {
		rep.Status = domain.ReportSkippedPosted
		return rep
	}

	samples := forecast.Collect(q, raw)
	rep.Samples = len(samples)

	f, err := forecast.Aggregate(q, samples)
	if err != nil {
		if errors.Is(err, forecast.ErrInsufficientSamples) {
			rep.Status = domain.ReportInsufficientSamples
		} else {
			rep.Status = domain.ReportPayloadInvalid
		}
		rep.Detail = err.Error()
		return rep
	}
	if data, err := json.Marshal(f); err == nil {
		rep.ForecastJSON = string(data)
	}

	payload, err := forecast.Validate(q, f)
	if err != nil {
		rep.Status = domain.ReportPayloadInvalid
		rep.Detail = err.Error()
		return rep
	}

	rep.Comment = buildComment(q, f, len(samples))

	if opts.DryRun {
		rep.Status = domain.ReportDryRun
		return rep
	}

	if err := e.Submitter.SubmitForecast(ctx, q.ID, payload); err != nil {
		rep.Status = domain.ReportSubmitFailed
		rep.Detail = err.Error()
		return rep
	}
	// The ledger records before the comment goes out: a duplicate forecast
	// is worse than a missing comment.
	if err := e.Ledger.Record(q.ID); err != nil {
		e.log().Error("ledger write failed after submission", zap.Int64("question_id", q.ID), zap.Error(err))
		rep.Detail = "ledger write failed: " + err.Error()
	}
	if err := e.Submitter.PostComment(ctx, q.PostID, rep.Comment); err != nil {
		e.log().Warn("comment post failed", zap.Int64("post_id", q.PostID), zap.Error(err))
	}
	rep.Status = domain.ReportSubmitted
	return rep
}

func (e *Engine) archiveReport(ctx context.Context, rep domain.Report) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReport(ctx, tx, rep); err != nil {
		return err
	}
	evtType := "question_skipped"
	switch rep.Status {
	case domain.ReportSubmitted, domain.ReportDryRun:
		evtType = "forecast_made"
	case domain.ReportSubmitFailed, domain.ReportPayloadInvalid:
		evtType = "forecast_failed"
	}
	if err := e.Events.Append(ctx, tx, evtType, rep.RunID, rep.QuestionID, events.EventPayload{
		"status": rep.Status, "samples": rep.Samples,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) finishRun(ctx context.Context, run domain.Run) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.FinishRun(ctx, tx, run); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run_finished", run.ID, 0, events.EventPayload{
		"submitted": run.Submitted, "skipped": run.Skipped, "failed": run.Failed,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) appendEvent(ctx context.Context, evtType, runID string, questionID int64, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, runID, questionID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// buildComment renders the private reasoning note attached to a submission.
func buildComment(q domain.Question, f domain.Forecast, samples int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Method: %d scenario draws; forecast = empirical aggregate.\n\n", samples)
	switch fc := f.(type) {
	case domain.BinaryForecast:
		fmt.Fprintf(&b, "P(yes) = %.1f%%\n", fc.Probability*100)
	case domain.CategoricalForecast:
		names := make([]string, 0, len(fc.Probabilities))
		for name := range fc.Probabilities {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if fc.Probabilities[names[i]] != fc.Probabilities[names[j]] {
				return fc.Probabilities[names[i]] > fc.Probabilities[names[j]]
			}
			return names[i] < names[j]
		})
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %.1f%%\n", name, fc.Probabilities[name]*100)
		}
	case domain.NumericForecast:
		if q.Units != "" {
			fmt.Fprintf(&b, "Sample mean: %.4g %s\n", fc.Mean, q.Units)
		} else {
			fmt.Fprintf(&b, "Sample mean: %.4g\n", fc.Mean)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
