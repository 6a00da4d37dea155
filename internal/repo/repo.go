package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"worldcast/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(id,mode,tournament,worlds,started_at,finished_at,submitted,skipped,failed) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Mode, nullable(run.Tournament), run.Worlds, run.StartedAt, nullable(run.FinishedAt), run.Submitted, run.Skipped, run.Failed)
	return err
}

func (r Repo) FinishRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET finished_at=?, submitted=?, skipped=?, failed=? WHERE id=?`,
		run.FinishedAt, run.Submitted, run.Skipped, run.Failed, run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRun(row *sql.Row) (domain.Run, error) {
	var run domain.Run
	var tournament, finishedAt sql.NullString
	err := row.Scan(&run.ID, &run.Mode, &tournament, &run.Worlds, &run.StartedAt, &finishedAt, &run.Submitted, &run.Skipped, &run.Failed)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if tournament.Valid {
		run.Tournament = tournament.String
	}
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.String
	}
	return run, err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT id,mode,tournament,worlds,started_at,finished_at,submitted,skipped,failed FROM runs WHERE id=?`, id))
}

func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	query := `SELECT id,mode,tournament,worlds,started_at,finished_at,submitted,skipped,failed FROM runs ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		var tournament, finishedAt sql.NullString
		if err := rows.Scan(&run.ID, &run.Mode, &tournament, &run.Worlds, &run.StartedAt, &finishedAt, &run.Submitted, &run.Skipped, &run.Failed); err != nil {
			return nil, err
		}
		if tournament.Valid {
			run.Tournament = tournament.String
		}
		if finishedAt.Valid {
			run.FinishedAt = finishedAt.String
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reports(id,run_id,question_id,post_id,type,title,status,samples,forecast_json,comment,detail,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rep.ID, rep.RunID, rep.QuestionID, nullableInt64(rep.PostID), rep.Type, nullable(rep.Title), rep.Status, rep.Samples,
		nullable(rep.ForecastJSON), nullable(rep.Comment), nullable(rep.Detail), rep.CreatedAt)
	return err
}

type ReportFilters struct {
	RunID      string
	QuestionID int64
	Status     string
	Limit      int
}

func (r Repo) ListReports(ctx context.Context, f ReportFilters) ([]domain.Report, error) {
	var clauses []string
	var args []any
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.QuestionID != 0 {
		clauses = append(clauses, "question_id=?")
		args = append(args, f.QuestionID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,run_id,question_id,post_id,type,title,status,samples,forecast_json,comment,detail,created_at FROM reports ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		rep, err := scanReportRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

func (r Repo) GetReport(ctx context.Context, id string) (domain.Report, error) {
	var rep domain.Report
	var postID sql.NullInt64
	var title, forecastJSON, comment, detail sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,run_id,question_id,post_id,type,title,status,samples,forecast_json,comment,detail,created_at FROM reports WHERE id=?`, id).
		Scan(&rep.ID, &rep.RunID, &rep.QuestionID, &postID, &rep.Type, &title, &rep.Status, &rep.Samples, &forecastJSON, &comment, &detail, &rep.CreatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	fillReportNullables(&rep, postID, title, forecastJSON, comment, detail)
	return rep, nil
}

func scanReportRow(rows *sql.Rows) (domain.Report, error) {
	var rep domain.Report
	var postID sql.NullInt64
	var title, forecastJSON, comment, detail sql.NullString
	if err := rows.Scan(&rep.ID, &rep.RunID, &rep.QuestionID, &postID, &rep.Type, &title, &rep.Status, &rep.Samples, &forecastJSON, &comment, &detail, &rep.CreatedAt); err != nil {
		return rep, err
	}
	fillReportNullables(&rep, postID, title, forecastJSON, comment, detail)
	return rep, nil
}

func fillReportNullables(rep *domain.Report, postID sql.NullInt64, title, forecastJSON, comment, detail sql.NullString) {
	if postID.Valid {
		rep.PostID = postID.Int64
	}
	if title.Valid {
		rep.Title = title.String
	}
	if forecastJSON.Valid {
		rep.ForecastJSON = forecastJSON.String
	}
	if comment.Valid {
		rep.Comment = comment.String
	}
	if detail.Valid {
		rep.Detail = detail.String
	}
}

func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, runID, evtType)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, runID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,question_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var runID sql.NullString
		var questionID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &runID, &questionID, &e.Payload); err != nil {
			return nil, err
		}
		if runID.Valid {
			e.RunID = runID.String
		}
		if questionID.Valid {
			e.QuestionID = questionID.Int64
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
