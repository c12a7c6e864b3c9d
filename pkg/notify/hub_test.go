package notify

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Sepzie/SingWithMe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingObserver rejects every event
type failingObserver struct {
	id    string
	calls int
}

func (f *failingObserver) ID() string { return f.id }

func (f *failingObserver) Send(models.Event) error {
	f.calls++
	return errors.New("connection reset")
}

func event(jobID string, state models.JobState) models.Event {
	job := &models.Job{ID: jobID, State: state}
	if state == models.JobStateFailed {
		job.Error = "boom"
	}
	return models.EventForJob(job)
}

func drain(o *QueueObserver) []models.Event {
	var out []models.Event
	for {
		select {
		case ev := <-o.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	obs := NewQueueObserver("o1", 8)
	last := event("job", models.JobStateUploaded)

	hub.Subscribe("job", obs, &last)
	hub.Subscribe("job", obs, &last)

	assert.Equal(t, 1, hub.Subscribers("job"))
	got := drain(obs)
	require.Len(t, got, 1, "last status must be sent once")
	assert.Equal(t, models.EventStatusUpdate, got[0].Event)
}

func TestLateSubscriberToTerminalJob(t *testing.T) {
	hub := NewHub(nil)
	obs := NewQueueObserver("o1", 8)
	last := event("job", models.JobStateCompleted)

	hub.Subscribe("job", obs, &last)

	got := drain(obs)
	require.Len(t, got, 1)
	assert.Equal(t, models.EventProcessingComplete, got[0].Event)
	assert.Equal(t, 0, hub.Subscribers("job"), "nothing left to deliver after a terminal state")
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	hub := NewHub(nil)
	bad := &failingObserver{id: "bad"}
	good := NewQueueObserver("good", 8)

	var mu sync.Mutex
	var failures int
	hub.OnDelivery(func(jobID string, ev models.Event, err error) {
		if err != nil {
			mu.Lock()
			failures++
			mu.Unlock()
		}
	})

	hub.Subscribe("job", bad, nil)
	hub.Subscribe("job", good, nil)
	hub.Broadcast("job", event("job", models.JobStateProcessing))

	assert.Equal(t, 1, bad.calls)
	assert.Len(t, drain(good), 1)
	assert.Equal(t, 1, failures)
}

func TestBroadcastPreservesOrder(t *testing.T) {
	hub := NewHub(nil)
	obs := NewQueueObserver("o1", 16)
	hub.Subscribe("job", obs, nil)

	for i := 0; i < 5; i++ {
		job := &models.Job{ID: "job", State: models.JobStateProcessing, Progress: models.Progress(float64(i) / 10)}
		hub.Broadcast("job", models.EventForJob(job))
	}
	hub.Broadcast("job", event("job", models.JobStateFailed))

	got := drain(obs)
	require.Len(t, got, 6)
	for i := 0; i < 5; i++ {
		assert.InDelta(t, float64(i)/10, got[i].Status.ProgressValue(), 1e-9)
	}
	assert.Equal(t, models.EventProcessingError, got[5].Event)
	assert.Equal(t, 0, hub.Subscribers("job"))
}

func TestBroadcastOnlyReachesJobSubscribers(t *testing.T) {
	hub := NewHub(nil)
	a := NewQueueObserver("a", 4)
	b := NewQueueObserver("b", 4)
	hub.Subscribe("job-a", a, nil)
	hub.Subscribe("job-b", b, nil)

	hub.Broadcast("job-a", event("job-a", models.JobStateProcessing))

	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
}

func TestUnsubscribeRemovesEverywhere(t *testing.T) {
	hub := NewHub(nil)
	obs := NewQueueObserver("o1", 4)
	hub.Subscribe("job-1", obs, nil)
	hub.Subscribe("job-2", obs, nil)
	require.Equal(t, 2, hub.TotalSubscriptions())

	hub.Unsubscribe(obs)
	hub.Unsubscribe(obs)
	hub.Unsubscribe(NewQueueObserver("never-registered", 1))

	assert.Equal(t, 0, hub.TotalSubscriptions())
	hub.Broadcast("job-1", event("job-1", models.JobStateProcessing))
	assert.Empty(t, drain(obs))
}

func TestQueueObserverBackpressure(t *testing.T) {
	obs := NewQueueObserver("o1", 1)
	require.NoError(t, obs.Send(event("job", models.JobStateUploaded)))
	assert.ErrorIs(t, obs.Send(event("job", models.JobStateProcessing)), ErrObserverBackpressure)

	obs.Close()
	obs.Close()
	assert.ErrorIs(t, obs.Send(event("job", models.JobStateProcessing)), ErrObserverClosed)

	// queued events remain readable after close
	ev, ok := <-obs.Events()
	assert.True(t, ok)
	assert.Equal(t, models.JobStateUploaded, ev.Status.State)
}

func TestConcurrentSubscribeAndBroadcast(t *testing.T) {
	hub := NewHub(nil)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		obs := NewQueueObserver(fmt.Sprintf("o%d", i), 64)
		go func() {
			defer wg.Done()
			hub.Subscribe("job", obs, nil)
			hub.Unsubscribe(obs)
		}()
		go func() {
			defer wg.Done()
			hub.Broadcast("job", event("job", models.JobStateProcessing))
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, hub.Subscribers("job"))
}
