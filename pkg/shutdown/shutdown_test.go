package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestShutdownRunsInReverseOrder(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	m.Register("store", func(context.Context) error {
		order = append(order, "store")
		return nil
	})
	m.Register("orchestrator", func(context.Context) error {
		order = append(order, "orchestrator")
		return nil
	})
	m.Register("server", CloseResource(closerFunc(func() error {
		order = append(order, "server")
		return errors.New("already closed")
	})))

	if failed := m.Shutdown(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	want := []string{"server", "orchestrator", "store"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	select {
	case <-m.Done():
	default:
		t.Error("Done() not closed after Shutdown")
	}
}

func TestWaitWithContextTrigger(t *testing.T) {
	m := New(time.Second, nil)
	ran := make(chan struct{})
	m.Register("probe", func(context.Context) error {
		close(ran)
		return nil
	})

	go m.Trigger()
	if err := m.WaitWithContext(context.Background()); err != nil {
		t.Fatalf("WaitWithContext() error = %v", err)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("shutdown function did not run")
	}
}
