package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/surveyforge/internal/survey"
)

var ErrNotFound = errors.New("not found")

// timeLayout has a fixed-width fraction so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS surveys (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	topic      TEXT NOT NULL DEFAULT '',
	document   TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS responses (
	id           TEXT PRIMARY KEY,
	survey_id    TEXT NOT NULL,
	respondent   TEXT NOT NULL DEFAULT '',
	tendency     TEXT NOT NULL DEFAULT '',
	answers      TEXT NOT NULL DEFAULT '{}',
	submitted_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS responses_by_survey ON responses (survey_id, submitted_at);

CREATE TABLE IF NOT EXISTS reports (
	survey_id  TEXT PRIMARY KEY,
	markdown   TEXT NOT NULL,
	complete   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
`

// OpenDB opens a SQLite database with WAL journaling and a single
// connection, creating the parent directory if needed.
func OpenDB(path string) (*sqlx.DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Store persists surveys, their responses and generated reports.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

func New(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// SurveyRecord is a stored survey.
type SurveyRecord struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic,omitempty"`
	Document  survey.Document `json:"document"`
	CreatedAt time.Time       `json:"created_at"`
}

// SurveySummary is the listing view of a stored survey.
type SurveySummary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Topic         string    `json:"topic,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ResponseCount int       `json:"response_count"`
}

type surveyRow struct {
	ID        string `db:"id"`
	Title     string `db:"title"`
	Topic     string `db:"topic"`
	Document  string `db:"document"`
	CreatedAt string `db:"created_at"`
}

func (s *Store) SaveSurvey(ctx context.Context, topic string, doc survey.Document) (SurveyRecord, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return SurveyRecord{}, fmt.Errorf("encode survey: %w", err)
	}
	rec := SurveyRecord{ID: uuid.NewString(), Topic: topic, Document: doc, CreatedAt: s.now().UTC()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO surveys (id, title, topic, document, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, doc.Title, topic, string(b), rec.CreatedAt.Format(timeLayout))
	if err != nil {
		return SurveyRecord{}, fmt.Errorf("insert survey: %w", err)
	}
	return rec, nil
}

func (s *Store) GetSurvey(ctx context.Context, id string) (SurveyRecord, error) {
	var row surveyRow
	err := s.db.GetContext(ctx, &row, `SELECT id, title, topic, document, created_at FROM surveys WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return SurveyRecord{}, fmt.Errorf("survey %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return SurveyRecord{}, fmt.Errorf("get survey: %w", err)
	}
	rec := SurveyRecord{ID: row.ID, Topic: row.Topic, CreatedAt: parseTime(row.CreatedAt)}
	if err := json.Unmarshal([]byte(row.Document), &rec.Document); err != nil {
		return SurveyRecord{}, fmt.Errorf("decode survey %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) ListSurveys(ctx context.Context) ([]SurveySummary, error) {
	var rows []struct {
		ID            string `db:"id"`
		Title         string `db:"title"`
		Topic         string `db:"topic"`
		CreatedAt     string `db:"created_at"`
		ResponseCount int    `db:"response_count"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT s.id, s.title, s.topic, s.created_at,
		       (SELECT COUNT(*) FROM responses r WHERE r.survey_id = s.id) AS response_count
		FROM surveys s ORDER BY s.created_at DESC, s.id`)
	if err != nil {
		return nil, fmt.Errorf("list surveys: %w", err)
	}
	out := make([]SurveySummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, SurveySummary{
			ID:            r.ID,
			Title:         r.Title,
			Topic:         r.Topic,
			CreatedAt:     parseTime(r.CreatedAt),
			ResponseCount: r.ResponseCount,
		})
	}
	return out, nil
}

type responseRow struct {
	ID          string `db:"id"`
	SurveyID    string `db:"survey_id"`
	Respondent  string `db:"respondent"`
	Tendency    string `db:"tendency"`
	Answers     string `db:"answers"`
	SubmittedAt string `db:"submitted_at"`
}

// AddResponse stores r under its survey, assigning an id and submission time
// when they are empty. The survey must exist.
func (s *Store) AddResponse(ctx context.Context, r survey.Response) (survey.Response, error) {
	if _, err := s.GetSurvey(ctx, r.SurveyID); err != nil {
		return survey.Response{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = s.now().UTC()
	}
	if r.Answers == nil {
		r.Answers = map[string]any{}
	}
	b, err := json.Marshal(r.Answers)
	if err != nil {
		return survey.Response{}, fmt.Errorf("encode answers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO responses (id, survey_id, respondent, tendency, answers, submitted_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.SurveyID, r.Respondent, r.Tendency, string(b), r.SubmittedAt.Format(timeLayout))
	if err != nil {
		return survey.Response{}, fmt.Errorf("insert response: %w", err)
	}
	return r, nil
}

func (s *Store) ListResponses(ctx context.Context, surveyID string) ([]survey.Response, error) {
	var rows []responseRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, survey_id, respondent, tendency, answers, submitted_at
		FROM responses WHERE survey_id = ? ORDER BY submitted_at, id`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	out := make([]survey.Response, 0, len(rows))
	for _, row := range rows {
		r := survey.Response{
			ID:          row.ID,
			SurveyID:    row.SurveyID,
			Respondent:  row.Respondent,
			Tendency:    row.Tendency,
			SubmittedAt: parseTime(row.SubmittedAt),
		}
		if err := json.Unmarshal([]byte(row.Answers), &r.Answers); err != nil {
			return nil, fmt.Errorf("decode answers for response %s: %w", row.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Report is a stored analysis report.
type Report struct {
	SurveyID  string    `json:"survey_id"`
	Markdown  string    `json:"markdown"`
	Complete  bool      `json:"complete"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveReport replaces the stored report for a survey.
func (s *Store) SaveReport(ctx context.Context, r Report) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (survey_id, markdown, complete, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(survey_id) DO UPDATE SET markdown = excluded.markdown, complete = excluded.complete, created_at = excluded.created_at`,
		r.SurveyID, r.Markdown, r.Complete, r.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (s *Store) GetReport(ctx context.Context, surveyID string) (Report, error) {
	var row struct {
		SurveyID  string `db:"survey_id"`
		Markdown  string `db:"markdown"`
		Complete  bool   `db:"complete"`
		CreatedAt string `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT survey_id, markdown, complete, created_at FROM reports WHERE survey_id = ?`, surveyID)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, fmt.Errorf("report for %s: %w", surveyID, ErrNotFound)
	}
	if err != nil {
		return Report{}, fmt.Errorf("get report: %w", err)
	}
	return Report{SurveyID: row.SurveyID, Markdown: row.Markdown, Complete: row.Complete, CreatedAt: parseTime(row.CreatedAt)}, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
