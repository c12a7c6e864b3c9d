package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sepzie/SingWithMe/pkg/models"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeLister struct {
	jobs []*models.Job
	err  error
}

func (f fakeLister) ListJobs(ctx context.Context, states ...models.JobState) ([]*models.Job, error) {
	return f.jobs, f.err
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	m := New()
	r := mux.NewRouter()
	r.Use(m.Middleware)
	r.HandleFunc("/api/status/{jobId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"uploaded"}`))
	})

	for _, id := range []string{"a", "b", "c"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest("GET", "/api/status/"+id, nil))
	}

	got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/status/{jobId}", "200"))
	if got != 3 {
		t.Errorf("requests = %v, want 3", got)
	}
}

func TestObserveStage(t *testing.T) {
	m := New()
	m.ObserveStage("separation", time.Now(), nil)
	m.ObserveStage("separation", time.Now(), errors.New("boom"))

	if n := testutil.CollectAndCount(m.StageDuration); n != 2 {
		t.Errorf("stage series = %d, want 2", n)
	}
}

func TestStoreCollector(t *testing.T) {
	jobs := []*models.Job{
		{ID: "1", State: models.JobStateCompleted},
		{ID: "2", State: models.JobStateCompleted},
		{ID: "3", State: models.JobStateProcessing},
	}
	m := New()
	if err := m.Register(NewStoreCollector(fakeLister{jobs: jobs})); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)

	for _, want := range []string{
		`singwithme_jobs{state="completed"} 2`,
		`singwithme_jobs{state="processing"} 1`,
		`singwithme_store_up 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestStoreCollectorDown(t *testing.T) {
	c := NewStoreCollector(fakeLister{err: errors.New("db gone")})
	if n := testutil.CollectAndCount(c); n != 1 {
		t.Errorf("expected only store_up when store is down, got %d series", n)
	}
}

func TestObserveDelivery(t *testing.T) {
	m := New()
	ev := models.Event{Event: models.EventStatusUpdate, JobID: "j"}

	m.ObserveDelivery("j", ev, nil)
	m.ObserveDelivery("j", ev, nil)
	m.ObserveDelivery("j", ev, errors.New("observer buffer full"))

	if got := testutil.ToFloat64(m.NotificationsSent.WithLabelValues("status_update")); got != 2 {
		t.Errorf("expected 2 sent, got %v", got)
	}
	if got := testutil.ToFloat64(m.NotificationFailures); got != 1 {
		t.Errorf("expected 1 failure, got %v", got)
	}
}
