// Package api serves the upload, status and tracks endpoints and the live status socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/Sepzie/SingWithMe/pkg/artifacts"
	"github.com/Sepzie/SingWithMe/pkg/jobs"
	"github.com/Sepzie/SingWithMe/pkg/logging"
	"github.com/Sepzie/SingWithMe/pkg/lyrics"
	"github.com/Sepzie/SingWithMe/pkg/metrics"
	"github.com/Sepzie/SingWithMe/pkg/middleware"
	"github.com/Sepzie/SingWithMe/pkg/models"
	"github.com/Sepzie/SingWithMe/pkg/ratelimit"
	"github.com/Sepzie/SingWithMe/pkg/separation"
	"github.com/Sepzie/SingWithMe/pkg/store"
)

// Submitter queues an uploaded file for processing
type Submitter interface {
	Submit(ctx context.Context, req jobs.Request) error
}

// HealthChecker reports whether the job store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds the upload limits of the API
type Config struct {
	UploadDir        string
	MaxUploadBytes   int64  // larger request bodies are rejected with 413
	MinFreeDiskBytes uint64 // uploads are refused below this much free space; zero disables the check
}

// Deps are the collaborators of a Handler. Metrics and UploadLimiter are optional.
type Deps struct {
	Tracker       *jobs.Tracker
	Jobs          Submitter
	Artifacts     artifacts.Store
	Health        HealthChecker
	Logger        *logging.Logger
	Metrics       *metrics.Metrics
	UploadLimiter *ratelimit.Limiter
}

// Handler handles SingWithMe API requests
type Handler struct {
	cfg  Config
	deps Deps

	logger   *logging.Logger
	upgrader websocket.Upgrader

	// freeSpace reports the free bytes of the volume holding path
	freeSpace func(path string) (uint64, error)
}

// NewHandler creates a new API handler
func NewHandler(cfg Config, deps Deps) *Handler {
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// mobile clients send no Origin; browser origins are governed by CORS
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		freeSpace: diskFree,
	}
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	var upload http.Handler = http.HandlerFunc(h.Upload)
	if h.deps.UploadLimiter != nil {
		upload = h.deps.UploadLimiter.Middleware(ratelimit.IPKeyFunc)(upload)
	}

	r.Handle("/api/upload", upload).Methods("POST")
	r.HandleFunc("/api/status/{jobId}", h.GetStatus).Methods("GET")
	r.HandleFunc("/api/tracks/{jobId}", h.GetTracks).Methods("GET")
	r.HandleFunc("/api/files/{jobId}/{name}", h.GetFile).Methods("GET")
	r.HandleFunc("/api/projects", h.ListProjects).Methods("GET")
	r.HandleFunc("/ws", h.ServeWS).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.deps.Metrics != nil {
		r.Handle("/metrics", h.deps.Metrics.Handler()).Methods("GET")
	}
}

var allowedExtensions = map[string]bool{
	".mp3": true,
	".wav": true,
}

// Upload accepts a multipart "file", records the job and queues it
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	jobID, err := h.upload(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"jobId": jobID,
	})
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || r.ContentLength > h.cfg.MaxUploadBytes {
			return "", errTooLarge
		}
		return "", invalid("file", "No file provided")
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", invalid("file", "No file provided")
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if header.Filename == "" || filename == "." || filename == string(filepath.Separator) {
		return "", invalid("file", "No file selected")
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return "", invalid("file", "Only MP3 and WAV files are supported")
	}

	if err := os.MkdirAll(h.cfg.UploadDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload dir: %w", err)
	}
	if h.cfg.MinFreeDiskBytes > 0 {
		free, err := h.freeSpace(h.cfg.UploadDir)
		if err != nil {
			h.logger.Warn("Could not read free disk space", map[string]interface{}{"error": err.Error()})
		} else if free < h.cfg.MinFreeDiskBytes {
			return "", fmt.Errorf("%w: %d bytes free", errInsufficientDisk, free)
		}
	}

	jobID := uuid.New().String()
	audioPath := filepath.Join(h.cfg.UploadDir, jobID+ext)
	if err := saveUpload(file, audioPath); err != nil {
		return "", err
	}

	log := h.logger.WithFields(map[string]interface{}{"job_id": jobID, "filename": filename})
	ctx := r.Context()

	job := models.NewJob(jobID, filename)
	if err := h.deps.Tracker.Create(ctx, job, middleware.GetOwner(r)); err != nil {
		if !errors.Is(err, store.ErrStoreUnavailable) {
			os.Remove(audioPath)
			return "", err
		}
		log.Warn("Job store unavailable, continuing in memory", map[string]interface{}{"error": err.Error()})
	}

	err = h.deps.Jobs.Submit(ctx, jobs.Request{JobID: jobID, AudioPath: audioPath, Filename: filename})
	if err != nil {
		log.Warn("Could not queue job", map[string]interface{}{"error": err.Error()})
		os.Remove(audioPath)
		failed := job.Clone()
		failed.State = models.JobStateFailed
		failed.Error = err.Error()
		failed.UpdatedAt = time.Time{}
		if putErr := h.deps.Tracker.Put(context.WithoutCancel(ctx), failed); putErr != nil && !errors.Is(putErr, store.ErrStoreUnavailable) {
			log.Error("Failed to mark unqueued job failed", map[string]interface{}{"error": putErr.Error()})
		}
		return "", err
	}

	log.Info("Upload accepted", map[string]interface{}{"path": audioPath})
	return jobID, nil
}

func saveUpload(src io.Reader, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("failed to save upload: %w", err)
	}
	return out.Close()
}

// GetStatus returns the current record of a job
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	job, err := h.deps.Tracker.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// GetTracks returns the vocal and backing track URLs and the lyrics of a completed job
func (h *Handler) GetTracks(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	tracks, err := h.tracks(r.Context(), jobID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tracks)
}

func (h *Handler) tracks(ctx context.Context, jobID string) (*models.Tracks, error) {
	job, err := h.deps.Tracker.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != models.JobStateCompleted {
		return nil, errNotComplete
	}

	vocal, err := h.deps.Artifacts.URL(ctx, jobID, separation.VocalFile)
	if err != nil {
		return nil, fmt.Errorf("vocal track of %s: %w", jobID, err)
	}
	// the backing track is optional
	instrumental, err := h.deps.Artifacts.URL(ctx, jobID, separation.InstrumentalFile)
	if err != nil && !errors.Is(err, artifacts.ErrNotFound) {
		return nil, fmt.Errorf("backing track of %s: %w", jobID, err)
	}

	timeline, err := h.readLyrics(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &models.Tracks{
		Vocal:        vocal,
		Instrumental: instrumental,
		Lyrics:       timeline,
	}, nil
}

func (h *Handler) readLyrics(ctx context.Context, jobID string) (models.Timeline, error) {
	rc, err := h.deps.Artifacts.Open(ctx, jobID, lyrics.FileName)
	if errors.Is(err, artifacts.ErrNotFound) {
		return models.Timeline{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lyrics of %s: %w", jobID, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("lyrics of %s: %w", jobID, err)
	}
	return lyrics.Decode(data)
}

// GetFile streams a stored artifact
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID, name := vars["jobId"], vars["name"]

	rc, err := h.deps.Artifacts.Open(r.Context(), jobID, name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", artifacts.ContentType(name))
	if rs, ok := rc.(io.ReadSeeker); ok {
		// local files support range requests for audio scrubbing
		http.ServeContent(w, r, name, time.Time{}, rs)
		return
	}
	io.Copy(w, rc)
}

// ListProjects returns the projects of the requesting user
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.deps.Tracker.ListProjects(r.Context(), middleware.GetOwner(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(projects)
}

// Health reports whether the job store is reachable
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")

	if h.deps.Health != nil {
		if err := h.deps.Health.HealthCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":  "unhealthy",
				"details": err.Error(),
			})
			return
		}
	}

	resp := map[string]interface{}{
		"status": "healthy",
	}
	if free, err := h.freeSpace(h.cfg.UploadDir); err == nil {
		resp["disk_free_bytes"] = free
	}
	json.NewEncoder(w).Encode(resp)
}
