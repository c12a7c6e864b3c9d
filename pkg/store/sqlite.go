package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Sepzie/SingWithMe/pkg/models"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// - _journal_mode=WAL: readers do not block the single writer
	// - _busy_timeout=10000: wait up to 10 seconds when database is locked
	// - _txlock=immediate: acquire write lock at transaction start
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		progress REAL,
		error TEXT,
		message TEXT,
		filename TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		job_id TEXT PRIMARY KEY,
		owner TEXT,
		filename TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// PutJob upserts the full record for a job
func (s *SQLiteStore) PutJob(ctx context.Context, job *models.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			progress = excluded.progress,
			error = excluded.error,
			message = excluded.message,
			filename = excluded.filename,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, jobArgs(job)...)
	if err != nil {
		return unavailable("put job", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, unavailable("get job", err)
	}
	return job, nil
}

// ListJobs returns jobs in any of the given states, oldest first
func (s *SQLiteStore) ListJobs(ctx context.Context, states ...models.JobState) ([]*models.Job, error) {
	where, args := stateFilter(states, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, unavailable("list jobs", err)
	}
	return collectJobs(rows)
}

// PutProject stores a project record
func (s *SQLiteStore) PutProject(ctx context.Context, project *models.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO projects (job_id, owner, filename, created_at)
		VALUES (?, ?, ?, ?)
	`, project.JobID, nullString(project.Owner), project.Filename, project.CreatedAt.UTC())
	if err != nil {
		return unavailable("put project", err)
	}
	return nil
}

// ListProjects returns the projects of owner, newest first
func (s *SQLiteStore) ListProjects(ctx context.Context, owner string) ([]*models.Project, error) {
	query := `SELECT job_id, owner, filename, created_at FROM projects`
	var args []interface{}
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, unavailable("list projects", err)
	}
	return collectProjects(rows)
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
