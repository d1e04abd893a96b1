// Package store persists runs, reports, users and recurring questions in
// Postgres. The evidence table is owned by the evidence package; this
// store covers everything else the server needs to survive restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	DB *sql.DB
}

// EnvDSN resolves a Postgres DSN from the environment: DATABASE_URL
// wins, otherwise the individual POSTGRES_* variables are composed.
func EnvDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	host := getenvDefault("POSTGRES_HOST", "localhost")
	port := getenvDefault("POSTGRES_PORT", "5432")
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	db := os.Getenv("POSTGRES_DB")
	ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
}

// New opens the store from DATABASE_URL or POSTGRES_* environment
// variables.
func New(ctx context.Context) (*Store, error) {
	return NewWithDSN(ctx, EnvDSN())
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	return
}

// Question operations. A question with a cron schedule is re-run by the
// scheduler.

type Question struct {
	ID           string
	UserID       string
	Question     string
	ScheduleCron string
	CreatedAt    time.Time
}

func (s *Store) CreateQuestion(ctx context.Context, userID, question, cron string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO questions (user_id, question, schedule_cron) VALUES ($1,$2,$3) RETURNING id`,
		userID, question, cron).Scan(&id)
	return id, err
}

func (s *Store) ListQuestions(ctx context.Context, userID string) ([]Question, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, question, COALESCE(schedule_cron,''), created_at
		 FROM questions WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Question
	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.ID, &q.UserID, &q.Question, &q.ScheduleCron, &q.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ListScheduledQuestions returns every question with a non-empty cron
// expression, across users.
func (s *Store) ListScheduledQuestions(ctx context.Context) ([]Question, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, question, schedule_cron, created_at
		 FROM questions WHERE schedule_cron IS NOT NULL AND schedule_cron <> '' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Question
	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.ID, &q.UserID, &q.Question, &q.ScheduleCron, &q.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Run operations

type RunRecord struct {
	ID         string
	QuestionID string
	Question   string
	State      string
	Outline    []byte
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (s *Store) CreateRun(ctx context.Context, id, questionID, question, state string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO runs (id, question_id, question, state) VALUES ($1, NULLIF($2,''), $3, $4)`,
		id, questionID, question, state)
	return err
}

func (s *Store) UpdateRunState(ctx context.Context, id, state, errMsg string, outline interface{}) error {
	var outlineJSON []byte
	if outline != nil {
		var err error
		outlineJSON, err = json.Marshal(outline)
		if err != nil {
			return err
		}
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET state=$2, error=NULLIF($3,''), outline=COALESCE($4, outline), updated_at=now() WHERE id=$1`,
		id, state, errMsg, outlineJSON)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	var r RunRecord
	var questionID, errMsg sql.NullString
	var outline []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, question_id, question, state, outline, error, created_at, updated_at
		 FROM runs WHERE id=$1`, id).
		Scan(&r.ID, &questionID, &r.Question, &r.State, &outline, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, err
	}
	r.QuestionID = questionID.String
	r.Error = errMsg.String
	r.Outline = outline
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, question_id, question, state, outline, error, created_at, updated_at
		 FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var questionID, errMsg sql.NullString
		var outline []byte
		if err := rows.Scan(&r.ID, &questionID, &r.Question, &r.State, &outline, &errMsg, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.QuestionID = questionID.String
		r.Error = errMsg.String
		r.Outline = outline
		out = append(out, r)
	}
	return out, rows.Err()
}

// Report operations

func (s *Store) SaveReport(ctx context.Context, runID, markdown string, report interface{}) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO reports (run_id, markdown, report) VALUES ($1,$2,$3)
		 ON CONFLICT (run_id) DO UPDATE SET markdown=EXCLUDED.markdown, report=EXCLUDED.report`,
		runID, markdown, payload)
	return err
}

func (s *Store) GetReport(ctx context.Context, runID string) (markdown string, report []byte, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT markdown, report FROM reports WHERE run_id=$1`, runID).Scan(&markdown, &report)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	return
}
