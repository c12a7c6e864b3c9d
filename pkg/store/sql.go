package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/Sepzie/SingWithMe/pkg/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const jobColumns = `id, state, progress, error, message, filename, created_at, updated_at`

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var state string
	var progress sql.NullFloat64
	var errMsg, message, filename sql.NullString

	if err := row.Scan(&job.ID, &state, &progress, &errMsg, &message, &filename,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}

	job.State = models.JobState(state)
	if progress.Valid {
		job.Progress = models.Progress(progress.Float64)
	}
	job.Error = errMsg.String
	job.Message = message.String
	job.Filename = filename.String
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

func scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	var owner sql.NullString
	if err := row.Scan(&p.JobID, &owner, &p.Filename, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Owner = owner.String
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

// jobArgs returns the column values of job in jobColumns order
func jobArgs(job *models.Job) []interface{} {
	var progress sql.NullFloat64
	if job.Progress != nil {
		progress = sql.NullFloat64{Float64: *job.Progress, Valid: true}
	}
	return []interface{}{
		job.ID,
		string(job.State),
		progress,
		nullString(job.Error),
		nullString(job.Message),
		nullString(job.Filename),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// stateFilter builds "WHERE state IN (...)" using placeholder(i) for the i-th (1-based) argument
func stateFilter(states []models.JobState, placeholder func(int) string) (string, []interface{}) {
	if len(states) == 0 {
		return "", nil
	}
	marks := make([]string, len(states))
	args := make([]interface{}, len(states))
	for i, s := range states {
		marks[i] = placeholder(i + 1)
		args[i] = string(s)
	}
	return fmt.Sprintf(" WHERE state IN (%s)", strings.Join(marks, ", ")), args
}

func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func collectProjects(rows *sql.Rows) ([]*models.Project, error) {
	defer rows.Close()

	projects := make([]*models.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
