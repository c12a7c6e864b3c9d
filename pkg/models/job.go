package models

import (
	"errors"
	"fmt"
	"time"
)

// JobState represents the lifecycle state of a processing job
type JobState string

const (
	JobStateUploaded   JobState = "uploaded"   // File accepted, record written, not yet picked up
	JobStateProcessing JobState = "processing" // Separation or transcription in progress
	JobStateCompleted  JobState = "completed"  // Tracks and lyrics are available
	JobStateFailed     JobState = "failed"     // Stopped with a cause in Error
)

var (
	// ErrInvalidProgress is returned when progress falls outside [0,1]
	ErrInvalidProgress = errors.New("progress must be between 0 and 1")
	// ErrMissingError is returned for a failed job without a cause
	ErrMissingError = errors.New("failed job requires an error")
	// ErrUnexpectedError is returned when a non-failed job carries an error
	ErrUnexpectedError = errors.New("error is only allowed on failed jobs")
)

// Job is the status record of one upload, keyed by its ID
type Job struct {
	ID        string    `json:"jobId"`
	State     JobState  `json:"state"`
	Progress  *float64  `json:"progress,omitempty"` // 0.0-1.0
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewJob returns the initial record for a freshly accepted upload
func NewJob(id, filename string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        id,
		State:     JobStateUploaded,
		Filename:  filename,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so callers never share the progress pointer
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	return &c
}

// ProgressValue returns the progress or 0 when unset
func (j *Job) ProgressValue() float64 {
	if j.Progress == nil {
		return 0
	}
	return *j.Progress
}

// Validate checks the record-level invariants of a job
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("job id is required")
	}
	if _, ok := validTransitions[j.State]; !ok {
		return fmt.Errorf("unknown job state: %s", j.State)
	}
	if j.Progress != nil && (*j.Progress < 0 || *j.Progress > 1) {
		return fmt.Errorf("%w: %v", ErrInvalidProgress, *j.Progress)
	}
	if j.State == JobStateFailed && j.Error == "" {
		return ErrMissingError
	}
	if j.State != JobStateFailed && j.Error != "" {
		return ErrUnexpectedError
	}
	return nil
}

// Progress returns a pointer to p, for building job records inline
func Progress(p float64) *float64 {
	return &p
}

// Project associates an upload with the identity that made it
type Project struct {
	JobID     string    `json:"jobId"`
	Owner     string    `json:"owner,omitempty"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProjectSummary is a project joined with its job's current state
type ProjectSummary struct {
	JobID     string    `json:"jobId"`
	Filename  string    `json:"filename"`
	Status    JobState  `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// LyricSegment is one timed line of the lyrics timeline
type LyricSegment struct {
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
	Text      string  `json:"text"`
}

// Timeline is the ordered lyrics of a completed job
type Timeline []LyricSegment

// Tracks is the result served for a completed job
type Tracks struct {
	Vocal        string   `json:"vocal"`
	Instrumental string   `json:"instrumental"`
	Lyrics       Timeline `json:"lyrics"`
}
