package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"worldcast/internal/config"
	"worldcast/internal/db"
	"worldcast/internal/domain"
	"worldcast/internal/engine"
	"worldcast/internal/events"
	"worldcast/internal/ledger"
	"worldcast/internal/metaculus"
	"worldcast/internal/migrate"
	"worldcast/internal/repo"
)

type fakeSource struct {
	questions []domain.Question
}

func (f *fakeSource) ListOpenQuestions(ctx context.Context, _ metaculus.ListFilters) ([]domain.Question, error) {
	return f.questions, nil
}

func (f *fakeSource) GetPost(ctx context.Context, postID int64) ([]domain.Question, error) {
	var out []domain.Question
	for _, q := range f.questions {
		if q.PostID == postID {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("post %d not found", postID)
	}
	return out, nil
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []int64
	comments  []int64
	failWith  error
}

func (f *fakeSubmitter) SubmitForecast(ctx context.Context, questionID int64, _ domain.SubmissionPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.submitted = append(f.submitted, questionID)
	return nil
}

func (f *fakeSubmitter) PostComment(ctx context.Context, postID int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, postID)
	return nil
}

type fakeSampler struct {
	worlds map[int64][]domain.WorldSample
}

func (f *fakeSampler) SampleWorlds(ctx context.Context, _ []domain.Question) (map[int64][]domain.WorldSample, error) {
	return f.worlds, nil
}

type testEnv struct {
	Engine    *engine.Engine
	Source    *fakeSource
	Submitter *fakeSubmitter
	Sampler   *fakeSampler
	Ctx       context.Context
}

func binaryWorlds(n int, yes int) []domain.WorldSample {
	var out []domain.WorldSample
	for i := 0; i < n; i++ {
		out = append(out, domain.BinarySample{Answer: i < yes})
	}
	return out
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	led, err := ledger.Load(dir)
	if err != nil {
		t.Fatalf("load ledger: %v", err)
	}

	source := &fakeSource{questions: []domain.Question{
		{ID: 1, PostID: 100, Type: domain.TypeBinary, Title: "Will it rain?"},
	}}
	submitter := &fakeSubmitter{}
	sampler := &fakeSampler{worlds: map[int64][]domain.WorldSample{
		1: binaryWorlds(10, 7),
	}}

	eng := &engine.Engine{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{DB: conn},
		Cfg:       config.Default(),
		Source:    source,
		Submitter: submitter,
		Sampler:   sampler,
		Ledger:    led,
		Now:       func() time.Time { return time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC) },
	}
	return testEnv{Engine: eng, Source: source, Submitter: submitter, Sampler: sampler, Ctx: context.Background()}
}

func TestRunSubmitsAndArchives(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{Mode: engine.ModeTournament})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Submitted != 1 || run.Skipped != 0 || run.Failed != 0 {
		t.Fatalf("counters wrong: %+v", run)
	}
	if len(env.Submitter.submitted) != 1 || env.Submitter.submitted[0] != 1 {
		t.Fatalf("submitted = %v", env.Submitter.submitted)
	}
	if len(env.Submitter.comments) != 1 || env.Submitter.comments[0] != 100 {
		t.Fatalf("comment should land on the post: %v", env.Submitter.comments)
	}

	reports, err := env.Engine.Repo.ListReports(env.Ctx, repo.ReportFilters{RunID: run.ID})
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if len(reports) != 1 || reports[0].Status != domain.ReportSubmitted {
		t.Fatalf("reports = %+v", reports)
	}
	if reports[0].Samples != 10 {
		t.Fatalf("samples = %d", reports[0].Samples)
	}

	stored, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.FinishedAt == "" {
		t.Fatal("run should be finished")
	}
}

func TestSecondRunSkipsPostedQuestion(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{Mode: engine.ModeTournament}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{Mode: engine.ModeTournament})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if run.Submitted != 0 || run.Skipped != 1 {
		t.Fatalf("second run should skip the posted question: %+v", run)
	}
	if len(env.Submitter.submitted) != 1 {
		t.Fatalf("no new submission expected, got %v", env.Submitter.submitted)
	}
	reports, _ := env.Engine.Repo.ListReports(env.Ctx, repo.ReportFilters{RunID: run.ID})
	if len(reports) != 1 || reports[0].Status != domain.ReportSkippedPosted {
		t.Fatalf("reports = %+v", reports)
	}
}

func TestForceResubmits(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{Mode: engine.ModeTournament}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{Mode: engine.ModeTournament, Force: true})
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if run.Submitted != 1 {
		t.Fatalf("force should resubmit: %+v", run)
	}
	if len(env.Submitter.submitted) != 2 {
		t.Fatalf("submitted = %v", env.Submitter.submitted)
	}
}

func TestDryRunDoesNotSubmitOrRecord(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{Mode: engine.ModeTournament, DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if run.Submitted != 0 {
		t.Fatalf("dry run must not count submissions: %+v", run)
	}
	if len(env.Submitter.submitted) != 0 || len(env.Submitter.comments) != 0 {
		t.Fatal("dry run must not touch the API")
	}
	if env.Engine.Ledger.Contains(1) {
		t.Fatal("dry run must not record the question as posted")
	}
	reports, _ := env.Engine.Repo.ListReports(env.Ctx, repo.ReportFilters{RunID: run.ID})
	if len(reports) != 1 || reports[0].Status != domain.ReportDryRun {
		t.Fatalf("reports = %+v", reports)
	}
	if reports[0].ForecastJSON == "" || reports[0].Comment == "" {
		t.Fatal("dry run should still archive the forecast and comment")
	}
}

func TestInsufficientSamplesReported(t *testing.T) {
	env := newTestEnv(t)
	env.Sampler.worlds = map[int64][]domain.WorldSample{}
	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{Mode: engine.ModeTournament})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Skipped != 1 {
		t.Fatalf("counters wrong: %+v", run)
	}
	reports, _ := env.Engine.Repo.ListReports(env.Ctx, repo.ReportFilters{RunID: run.ID})
	if len(reports) != 1 || reports[0].Status != domain.ReportInsufficientSamples {
		t.Fatalf("reports = %+v", reports)
	}
	if env.Engine.Ledger.Contains(1) {
		t.Fatal("nothing was posted, ledger must stay empty")
	}
}

func TestSubmitFailureArchivedNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.Submitter.failWith = fmt.Errorf("boom")
	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{Mode: engine.ModeTournament})
	if err != nil {
		t.Fatalf("run should survive a submit failure: %v", err)
	}
	if run.Failed != 1 {
		t.Fatalf("counters wrong: %+v", run)
	}
	if env.Engine.Ledger.Contains(1) {
		t.Fatal("failed submission must not be recorded as posted")
	}
	reports, _ := env.Engine.Repo.ListReports(env.Ctx, repo.ReportFilters{RunID: run.ID})
	if len(reports) != 1 || reports[0].Status != domain.ReportSubmitFailed {
		t.Fatalf("reports = %+v", reports)
	}
}

func TestTestModePullsConfiguredPosts(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Cfg.Test.PostIDs = []int64{100, 9999}
	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{Mode: engine.ModeTest, DryRun: true})
	if err != nil {
		t.Fatalf("test mode run: %v", err)
	}
	reports, _ := env.Engine.Repo.ListReports(env.Ctx, repo.ReportFilters{RunID: run.ID})
	// Unknown post 9999 is logged and skipped, not fatal.
	if len(reports) != 1 || reports[0].QuestionID != 1 {
		t.Fatalf("reports = %+v", reports)
	}
}

func TestCupModeIgnoresLedger(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Ledger.Record(1); err != nil {
		t.Fatalf("record: %v", err)
	}
	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{Mode: engine.ModeCup})
	if err != nil {
		t.Fatalf("cup run: %v", err)
	}
	if run.Submitted != 1 || run.Skipped != 0 {
		t.Fatalf("counters wrong: %+v", run)
	}
	if len(env.Submitter.submitted) != 1 {
		t.Fatalf("submitted = %v", env.Submitter.submitted)
	}
}

func TestTestModeNeverSubmits(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Cfg.Test.PostIDs = []int64{100}
	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{Mode: engine.ModeTest})
	if err != nil {
		t.Fatalf("test mode run: %v", err)
	}
	if run.Submitted != 0 || run.Skipped != 1 {
		t.Fatalf("counters wrong: %+v", run)
	}
	if len(env.Submitter.submitted) != 0 || len(env.Submitter.comments) != 0 {
		t.Fatalf("test mode reached the API: %v %v", env.Submitter.submitted, env.Submitter.comments)
	}
	reports, _ := env.Engine.Repo.ListReports(env.Ctx, repo.ReportFilters{RunID: run.ID})
	if len(reports) != 1 || reports[0].Status != domain.ReportDryRun {
		t.Fatalf("reports = %+v", reports)
	}
}

func TestRunEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{Mode: engine.ModeTournament})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, run.ID, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	// Newest first: run_finished, forecast_made, run_started.
	if len(evts) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(evts), evts)
	}
	if evts[0].Type != "run_finished" || evts[2].Type != "run_started" {
		t.Fatalf("event order wrong: %+v", evts)
	}
}
