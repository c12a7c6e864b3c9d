package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Sepzie/SingWithMe/pkg/models"
	_ "github.com/lib/pq"
)

// PostgreSQLStore implements Store interface using PostgreSQL
type PostgreSQLStore struct {
	db *sql.DB
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		progress DOUBLE PRECISION,
		error TEXT,
		message TEXT,
		filename TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		job_id TEXT PRIMARY KEY,
		owner TEXT,
		filename TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func pgPlaceholder(i int) string {
	return fmt.Sprintf("$%d", i)
}

// PutJob upserts the full record for a job
func (s *PostgreSQLStore) PutJob(ctx context.Context, job *models.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			progress = EXCLUDED.progress,
			error = EXCLUDED.error,
			message = EXCLUDED.message,
			filename = EXCLUDED.filename,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at
	`, jobArgs(job)...)
	if err != nil {
		return unavailable("put job", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *PostgreSQLStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
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
func (s *PostgreSQLStore) ListJobs(ctx context.Context, states ...models.JobState) ([]*models.Job, error) {
	where, args := stateFilter(states, pgPlaceholder)
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, unavailable("list jobs", err)
	}
	return collectJobs(rows)
}

// PutProject stores a project record
func (s *PostgreSQLStore) PutProject(ctx context.Context, project *models.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (job_id, owner, filename, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			filename = EXCLUDED.filename,
			created_at = EXCLUDED.created_at
	`, project.JobID, nullString(project.Owner), project.Filename, project.CreatedAt.UTC())
	if err != nil {
		return unavailable("put project", err)
	}
	return nil
}

// ListProjects returns the projects of owner, newest first
func (s *PostgreSQLStore) ListProjects(ctx context.Context, owner string) ([]*models.Project, error) {
	query := `SELECT job_id, owner, filename, created_at FROM projects`
	var args []interface{}
	if owner != "" {
		query += ` WHERE owner = $1`
		args = append(args, owner)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, unavailable("list projects", err)
	}
	return collectProjects(rows)
}

// HealthCheck verifies the database connection is healthy
func (s *PostgreSQLStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the database connection
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}
