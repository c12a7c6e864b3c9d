package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sepzie/SingWithMe/pkg/artifacts"
	"github.com/Sepzie/SingWithMe/pkg/jobs"
	"github.com/Sepzie/SingWithMe/pkg/lyrics"
	"github.com/Sepzie/SingWithMe/pkg/metrics"
	"github.com/Sepzie/SingWithMe/pkg/models"
	"github.com/Sepzie/SingWithMe/pkg/notify"
	"github.com/Sepzie/SingWithMe/pkg/ratelimit"
	"github.com/Sepzie/SingWithMe/pkg/separation"
	"github.com/Sepzie/SingWithMe/pkg/store"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []jobs.Request
	err  error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req jobs.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

func (f *fakeSubmitter) last() jobs.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type downChecker struct{}

func (downChecker) HealthCheck(ctx context.Context) error {
	return errors.New("database ping failed: connection refused")
}

type testAPI struct {
	handler   *Handler
	router    http.Handler
	tracker   *jobs.Tracker
	hub       *notify.Hub
	jobs      *fakeSubmitter
	artifacts *artifacts.LocalStore
	uploadDir string
}

func newTestAPI(t *testing.T, opts ...func(*Config, *Deps, *RouterConfig)) *testAPI {
	t.Helper()
	dir := t.TempDir()

	st := store.NewMemoryStore()
	hub := notify.NewHub(nil)
	tracker := jobs.NewTracker(st, hub, nil)
	local, err := artifacts.NewLocalStore(filepath.Join(dir, "outputs"), "http://localhost:8000")
	require.NoError(t, err)
	sub := &fakeSubmitter{}

	cfg := Config{UploadDir: filepath.Join(dir, "uploads"), MaxUploadBytes: 1 << 20}
	deps := Deps{
		Tracker:   tracker,
		Jobs:      sub,
		Artifacts: local,
		Health:    st,
		Metrics:   metrics.New(),
	}
	rcfg := RouterConfig{CORSOrigins: []string{"*"}}
	for _, opt := range opts {
		opt(&cfg, &deps, &rcfg)
	}

	h := NewHandler(cfg, deps)
	h.freeSpace = func(string) (uint64, error) { return 1 << 40, nil }

	return &testAPI{
		handler:   h,
		router:    NewRouter(h, rcfg),
		tracker:   tracker,
		hub:       hub,
		jobs:      sub,
		artifacts: local,
		uploadDir: cfg.UploadDir,
	}
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func (a *testAPI) upload(t *testing.T, filename string, content []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, "file", filename, content)
	req := httptest.NewRequest("POST", "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) get(path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeJobID(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["jobId"])
	return resp["jobId"]
}

func TestUploadAcceptsSong(t *testing.T) {
	a := newTestAPI(t)

	w := a.upload(t, "My Song.mp3", []byte("ID3 fake mp3"), http.Header{"X-User-Id": {"alice"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	jobID := decodeJobID(t, w)

	req := a.jobs.last()
	assert.Equal(t, jobID, req.JobID)
	assert.Equal(t, "My Song.mp3", req.Filename)
	assert.Equal(t, filepath.Join(a.uploadDir, jobID+".mp3"), req.AudioPath)

	data, err := os.ReadFile(req.AudioPath)
	require.NoError(t, err)
	assert.Equal(t, "ID3 fake mp3", string(data))

	w = a.get("/api/status/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, models.JobStateUploaded, job.State)
	assert.Empty(t, job.Error)

	w = a.get("/api/projects", http.Header{"X-User-Id": {"alice"}})
	require.Equal(t, http.StatusOK, w.Code)
	var projects []models.ProjectSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &projects))
	require.Len(t, projects, 1)
	assert.Equal(t, jobID, projects[0].JobID)
	assert.Equal(t, "My Song.mp3", projects[0].Filename)

	w = a.get("/api/projects", http.Header{"X-User-Id": {"bob"}})
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &projects))
	assert.Empty(t, projects)
}

func TestUploadValidation(t *testing.T) {
	tests := []struct {
		name       string
		field      string
		filename   string
		content    []byte
		wantStatus int
		wantBody   string
	}{
		{"wav", "file", "take1.wav", []byte("data"), http.StatusOK, ""},
		{"uppercase extension", "file", "TAKE1.WAV", []byte("data"), http.StatusOK, ""},
		// an empty song is accepted here and fails later at separation
		{"empty mp3", "file", "clip.mp3", []byte{}, http.StatusOK, ""},
		{"text file", "file", "clip.txt", []byte("data"), http.StatusBadRequest, "Only MP3 and WAV files are supported"},
		{"unsupported extension", "file", "take1.ogg", []byte("data"), http.StatusBadRequest, "Only MP3 and WAV files are supported"},
		{"no extension", "file", "take1", []byte("data"), http.StatusBadRequest, "Only MP3 and WAV files are supported"},
		{"wrong field", "audio", "take1.mp3", []byte("data"), http.StatusBadRequest, "No file provided"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI(t)
			ctx := context.Background()
			body, contentType := multipartBody(t, tt.field, tt.filename, tt.content)
			req := httptest.NewRequest("POST", "/api/upload", body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()
			a.router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			projects, err := a.tracker.ListProjects(ctx, "")
			require.NoError(t, err)

			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, tt.wantBody, strings.TrimSpace(w.Body.String()))
				assert.Empty(t, a.jobs.reqs, "rejected uploads must not be queued")
				assert.Empty(t, projects, "rejected uploads must not create a record")
				return
			}

			jobID := decodeJobID(t, w)
			job, err := a.tracker.Get(ctx, jobID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStateUploaded, job.State)
			assert.Equal(t, tt.filename, job.Filename)
			assert.Len(t, projects, 1)
			require.Len(t, a.jobs.reqs, 1)

			saved, err := os.Stat(a.jobs.last().AudioPath)
			require.NoError(t, err)
			assert.Equal(t, int64(len(tt.content)), saved.Size())
		})
	}
}

func TestUploadRequiresMultipart(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest("POST", "/api/upload", strings.NewReader(`{"file":"x.mp3"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadTooLarge(t *testing.T) {
	a := newTestAPI(t)
	w := a.upload(t, "big.wav", bytes.Repeat([]byte("x"), 2<<20), nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, a.jobs.reqs)
}

func TestUploadRefusedWhenDiskIsFull(t *testing.T) {
	a := newTestAPI(t, func(c *Config, _ *Deps, _ *RouterConfig) {
		c.MinFreeDiskBytes = 1 << 30
	})
	a.handler.freeSpace = func(string) (uint64, error) { return 1 << 20, nil }

	w := a.upload(t, "song.mp3", []byte("data"), nil)
	assert.Equal(t, http.StatusInsufficientStorage, w.Code)
	assert.Empty(t, a.jobs.reqs)

	entries, err := os.ReadDir(a.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is written when the disk is full")
}

func TestUploadQueueFullMarksJobFailed(t *testing.T) {
	a := newTestAPI(t)
	a.jobs.err = jobs.ErrQueueFull

	w := a.upload(t, "song.mp3", []byte("data"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	job, err := a.tracker.Get(context.Background(), a.jobs.last().JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, job.State)
	assert.Equal(t, jobs.ErrQueueFull.Error(), job.Error)

	_, err = os.Stat(a.jobs.last().AudioPath)
	assert.True(t, os.IsNotExist(err), "the saved upload is removed when the job cannot be queued")
}

func TestUploadRateLimited(t *testing.T) {
	a := newTestAPI(t, func(_ *Config, d *Deps, _ *RouterConfig) {
		d.UploadLimiter = ratelimit.NewLimiter(0.001, 1)
	})

	assert.Equal(t, http.StatusOK, a.upload(t, "a.mp3", []byte("1"), nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, a.upload(t, "b.mp3", []byte("2"), nil).Code)
}

func TestGetStatusUnknownJob(t *testing.T) {
	a := newTestAPI(t)
	w := a.get("/api/status/does-not-exist", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Job not found", strings.TrimSpace(w.Body.String()))
}

// completeJob drives a job to completed and stores its artifacts
func completeJob(t *testing.T, a *testAPI, jobID string, withBacking bool, timeline models.Timeline) {
	t.Helper()
	ctx := context.Background()
	src := t.TempDir()

	vocal := filepath.Join(src, separation.VocalFile)
	require.NoError(t, os.WriteFile(vocal, []byte("RIFF vocals"), 0644))
	require.NoError(t, a.artifacts.Put(ctx, jobID, separation.VocalFile, vocal))
	if withBacking {
		backing := filepath.Join(src, separation.InstrumentalFile)
		require.NoError(t, os.WriteFile(backing, []byte("RIFF backing"), 0644))
		require.NoError(t, a.artifacts.Put(ctx, jobID, separation.InstrumentalFile, backing))
	}
	lyricsPath := filepath.Join(src, lyrics.FileName)
	require.NoError(t, lyrics.WriteFile(lyricsPath, timeline))
	require.NoError(t, a.artifacts.Put(ctx, jobID, lyrics.FileName, lyricsPath))

	job := models.NewJob(jobID, "song.mp3")
	require.NoError(t, a.tracker.Put(ctx, job))
	done := job.Clone()
	done.State = models.JobStateProcessing
	done.Progress = models.Progress(0.5)
	require.NoError(t, a.tracker.Put(ctx, done))
	done = done.Clone()
	done.State = models.JobStateCompleted
	done.Progress = models.Progress(1)
	require.NoError(t, a.tracker.Put(ctx, done))
}

func TestGetTracks(t *testing.T) {
	a := newTestAPI(t)
	timeline := models.Timeline{
		{StartTime: 0, EndTime: 2.5, Text: "Hello"},
		{StartTime: 2.5, EndTime: 5, Text: "world"},
	}
	completeJob(t, a, "job-1", true, timeline)

	w := a.get("/api/tracks/job-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var tracks models.Tracks
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tracks))
	assert.Equal(t, "http://localhost:8000/api/files/job-1/vocals.wav", tracks.Vocal)
	assert.Equal(t, "http://localhost:8000/api/files/job-1/accompaniment.wav", tracks.Instrumental)
	assert.Equal(t, timeline, tracks.Lyrics)
}

func TestGetTracksWithoutBackingTrack(t *testing.T) {
	a := newTestAPI(t)
	completeJob(t, a, "job-1", false, nil)

	w := a.get("/api/tracks/job-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.JSONEq(t, `""`, string(raw["instrumental"]))
	assert.JSONEq(t, `[]`, string(raw["lyrics"]))
}

func TestGetTracksErrors(t *testing.T) {
	a := newTestAPI(t)
	require.NoError(t, a.tracker.Put(context.Background(), models.NewJob("pending", "a.wav")))

	w := a.get("/api/tracks/pending", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Processing not complete", strings.TrimSpace(w.Body.String()))

	w = a.get("/api/tracks/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetFile(t *testing.T) {
	a := newTestAPI(t)
	completeJob(t, a, "job-1", true, nil)

	w := a.get("/api/files/job-1/vocals.wav", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/wav", w.Header().Get("Content-Type"))
	assert.Equal(t, "RIFF vocals", w.Body.String())

	w = a.get("/api/files/job-1/missing.wav", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	w := a.get("/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])

	down := newTestAPI(t, func(_ *Config, d *Deps, _ *RouterConfig) {
		d.Health = downChecker{}
	})
	w = down.get("/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp["status"])
	assert.Contains(t, resp["details"], "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.get("/api/status/x", nil)

	w := a.get("/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `singwithme_http_requests_total{method="GET",route="/api/status/{jobId}",status="404"} 1`)
}

func TestRouterAuthentication(t *testing.T) {
	a := newTestAPI(t, func(_ *Config, _ *Deps, r *RouterConfig) {
		r.APIKey = "secret"
	})

	tests := []struct {
		name   string
		path   string
		header http.Header
		want   int
	}{
		{"missing key", "/api/status/x", nil, http.StatusUnauthorized},
		{"wrong key", "/api/status/x", http.Header{"Authorization": {"Bearer nope"}}, http.StatusUnauthorized},
		{"bearer key", "/api/status/x", http.Header{"Authorization": {"Bearer secret"}}, http.StatusNotFound},
		{"query key", "/api/status/x?access_token=secret", nil, http.StatusNotFound},
		{"health is public", "/health", nil, http.StatusOK},
		{"metrics is public", "/metrics", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.get(tt.path, tt.header).Code)
		})
	}
}

func TestRouterAnswersPreflight(t *testing.T) {
	a := newTestAPI(t, func(_ *Config, _ *Deps, r *RouterConfig) {
		r.APIKey = "secret"
	})
	req := httptest.NewRequest("OPTIONS", "/api/upload", nil)
	req.Header.Set("Origin", "http://localhost:19006")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
