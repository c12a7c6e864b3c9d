package models

// EventType names the kind of frame pushed to observers
type EventType string

const (
	EventStatusUpdate       EventType = "status_update"
	EventProcessingComplete EventType = "processing_complete"
	EventProcessingError    EventType = "processing_error"
)

// Event is a status change delivered to subscribers of a job
type Event struct {
	Event  EventType `json:"event"`
	JobID  string    `json:"jobId"`
	Status *Job      `json:"status"`
}

// EventForJob builds the event that announces job's current record.
// Entering completed or failed yields the matching terminal event, anything else a status update.
func EventForJob(job *Job) Event {
	typ := EventStatusUpdate
	switch job.State {
	case JobStateCompleted:
		typ = EventProcessingComplete
	case JobStateFailed:
		typ = EventProcessingError
	}
	return Event{Event: typ, JobID: job.ID, Status: job.Clone()}
}

// IsTerminal reports whether no further events follow this one
func (e Event) IsTerminal() bool {
	return e.Event == EventProcessingComplete || e.Event == EventProcessingError
}
