package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sepzie/SingWithMe/pkg/models"
)

func TestFormatSeconds(t *testing.T) {
	tests := map[float64]string{
		0:    "0:00.00",
		7.25: "0:07.25",
		83.5: "1:23.50",
	}
	for in, want := range tests {
		if got := formatSeconds(in); got != want {
			t.Errorf("formatSeconds(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 14, 3, 9, 0, time.UTC)

	job := models.NewJob("j1", "song.mp3")
	job.State = models.JobStateProcessing
	job.Progress = models.Progress(0.6)
	job.Message = "Transcribing lyrics"
	got := formatEvent(at, models.Event{Event: models.EventStatusUpdate, JobID: "j1", Status: job})
	if !strings.HasPrefix(got, "[14:03:09] processing") {
		t.Errorf("unexpected prefix in %q", got)
	}
	if !strings.Contains(got, " 60%") || !strings.Contains(got, "Transcribing lyrics") {
		t.Errorf("missing progress or message in %q", got)
	}

	failed := models.NewJob("j2", "song.mp3")
	failed.State = models.JobStateFailed
	failed.Error = "separation failed"
	got = formatEvent(at, models.Event{Event: models.EventProcessingError, JobID: "j2", Status: failed})
	if !strings.HasSuffix(got, "error: separation failed") {
		t.Errorf("missing error in %q", got)
	}
}

func TestNewClientSendsBearerKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k1" {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"jobId":"j1","state":"processing","progress":0.6}`))
	}))
	defer srv.Close()

	savedURL, savedKey := serverURL, apiKey
	defer func() { serverURL, apiKey = savedURL, savedKey }()
	serverURL = srv.URL + "/"

	apiKey = "wrong"
	c, err := newClient()
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	if _, err := c.Status(context.Background(), "j1"); err == nil {
		t.Fatal("expected an error for a rejected key")
	}

	apiKey = "k1"
	c, err = newClient()
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	job, err := c.Status(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if job.State != models.JobStateProcessing {
		t.Errorf("unexpected state %q", job.State)
	}
}
