package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is wrapped by every rejected state change
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobState]map[JobState]bool{
	JobStateUploaded: {
		JobStateProcessing: true, // Uploaded → Processing (orchestrator picks up job)
		JobStateFailed:     true, // Uploaded → Failed (queue full or interrupted by restart)
	},
	JobStateProcessing: {
		JobStateProcessing: true, // Processing → Processing (progress tick)
		JobStateCompleted:  true, // Processing → Completed (lyrics persisted)
		JobStateFailed:     true, // Processing → Failed (stage error)
	},
	// Terminal states (no transitions allowed)
	JobStateCompleted: {},
	JobStateFailed:    {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobState) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown source state %s", ErrInvalidTransition, from)
	}
	if !allowedStates[to] {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidateUpdate checks that next may replace prev as the record of one job.
// A nil prev means the job does not exist yet and next must be the initial record.
func ValidateUpdate(prev, next *Job) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if prev == nil {
		if next.State != JobStateUploaded {
			return fmt.Errorf("%w: new job must start as %s, got %s", ErrInvalidTransition, JobStateUploaded, next.State)
		}
		return nil
	}
	if prev.State == JobStateUploaded && next.State == JobStateUploaded {
		// Rewriting the initial record is an idempotent put
		return nil
	}
	if err := ValidateTransition(prev.State, next.State); err != nil {
		return err
	}
	if prev.State == JobStateProcessing && next.State == JobStateProcessing &&
		next.ProgressValue() < prev.ProgressValue() {
		return fmt.Errorf("%w: progress went backwards (%.2f < %.2f)", ErrInvalidProgress, next.ProgressValue(), prev.ProgressValue())
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobState) bool {
	return state == JobStateCompleted || state == JobStateFailed
}

// IsActiveState returns true if the job has not reached a terminal state
func IsActiveState(state JobState) bool {
	return state == JobStateUploaded || state == JobStateProcessing
}
