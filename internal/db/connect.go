package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:grader.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/grader?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// one writer keeps bulk transactions from tripping SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS exams (
  id INTEGER PRIMARY KEY,
  subject_no TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL,
  version TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS questions (
  id INTEGER PRIMARY KEY,
  exam_id INTEGER NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  q_no TEXT NOT NULL DEFAULT '',
  bunrui TEXT NOT NULL DEFAULT '',
  gyo INTEGER NOT NULL DEFAULT 1,
  retu INTEGER NOT NULL DEFAULT 1,
  answer TEXT NOT NULL DEFAULT '',
  points INTEGER NOT NULL DEFAULT 1,
  width INTEGER NOT NULL DEFAULT 1,
  height INTEGER NOT NULL DEFAULT 60
);

CREATE TABLE IF NOT EXISTS students (
  id INTEGER PRIMARY KEY,
  std_no TEXT NOT NULL UNIQUE,
  nickname TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS student_exams (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  student_id INTEGER NOT NULL REFERENCES students(id) ON DELETE CASCADE,
  exam_id INTEGER NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  question_id INTEGER NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
  tf INTEGER NOT NULL DEFAULT 0,
  hosei INTEGER NOT NULL DEFAULT 0,
  UNIQUE (student_id, exam_id, question_id)
);

CREATE TABLE IF NOT EXISTS exam_adjusts (
  exam_id INTEGER NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  student_id INTEGER NOT NULL REFERENCES students(id) ON DELETE CASCADE,
  adjust INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (exam_id, student_id)
);

CREATE TABLE IF NOT EXISTS applied_requests (
  request_id TEXT PRIMARY KEY,
  typ TEXT NOT NULL,          -- e.g., BulkUpdate
  data TEXT NOT NULL,         -- JSON payload
  created_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS exams (
  id BIGINT PRIMARY KEY,
  subject_no TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL,
  version TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS questions (
  id BIGINT PRIMARY KEY,
  exam_id BIGINT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  q_no TEXT NOT NULL DEFAULT '',
  bunrui TEXT NOT NULL DEFAULT '',
  gyo INTEGER NOT NULL DEFAULT 1,
  retu INTEGER NOT NULL DEFAULT 1,
  answer TEXT NOT NULL DEFAULT '',
  points INTEGER NOT NULL DEFAULT 1,
  width INTEGER NOT NULL DEFAULT 1,
  height INTEGER NOT NULL DEFAULT 60
);

CREATE TABLE IF NOT EXISTS students (
  id BIGINT PRIMARY KEY,
  std_no TEXT NOT NULL UNIQUE,
  nickname TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS student_exams (
  id BIGSERIAL PRIMARY KEY,
  student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
  exam_id BIGINT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  question_id BIGINT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
  tf INTEGER NOT NULL DEFAULT 0,
  hosei INTEGER NOT NULL DEFAULT 0,
  UNIQUE (student_id, exam_id, question_id)
);

CREATE TABLE IF NOT EXISTS exam_adjusts (
  exam_id BIGINT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
  adjust INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (exam_id, student_id)
);

CREATE TABLE IF NOT EXISTS applied_requests (
  request_id TEXT PRIMARY KEY,
  typ TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at BIGINT NOT NULL
);
`
