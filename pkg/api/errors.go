package api

import (
	"errors"
	"net/http"

	"github.com/Sepzie/SingWithMe/pkg/artifacts"
	"github.com/Sepzie/SingWithMe/pkg/jobs"
	"github.com/Sepzie/SingWithMe/pkg/logging"
	"github.com/Sepzie/SingWithMe/pkg/store"
)

// ValidationError is a client mistake in an upload or request
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

var (
	errTooLarge         = errors.New("upload exceeds size limit")
	errInsufficientDisk = errors.New("not enough free disk space")
	errNotComplete      = errors.New("job has not completed")
)

// writeError maps an error onto the status code and body the clients expect
func writeError(w http.ResponseWriter, logger *logging.Logger, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Message, http.StatusBadRequest)
	case errors.Is(err, errNotComplete):
		http.Error(w, "Processing not complete", http.StatusBadRequest)
	case errors.Is(err, artifacts.ErrInvalidName):
		http.Error(w, "Invalid file name", http.StatusBadRequest)
	case errors.Is(err, store.ErrJobNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, artifacts.ErrNotFound):
		http.Error(w, "File not found", http.StatusNotFound)
	case errors.Is(err, errTooLarge):
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, errInsufficientDisk):
		logger.Warn("Rejecting upload, disk almost full", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Insufficient storage", http.StatusInsufficientStorage)
	case errors.Is(err, jobs.ErrQueueFull):
		http.Error(w, "Server busy, try again later", http.StatusServiceUnavailable)
	case errors.Is(err, store.ErrStoreUnavailable):
		logger.Warn("Job store unavailable", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Job store unavailable", http.StatusServiceUnavailable)
	default:
		logger.Error("Request failed", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
