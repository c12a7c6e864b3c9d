package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sepzie/SingWithMe/pkg/models"
)

// Store defines the interface for job and project persistence.
// Memory, SQLite and PostgreSQL implement this interface.
type Store interface {
	// Job operations
	PutJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, states ...models.JobState) ([]*models.Job, error)

	// Project operations
	PutProject(ctx context.Context, project *models.Project) error
	ListProjects(ctx context.Context, owner string) ([]*models.Project, error)

	// Lifecycle
	HealthCheck(ctx context.Context) error
	Close() error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "singwithme.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDatabase, config.Type)
	}
}

// unavailable marks a driver failure so callers can match it with errors.Is
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
