package notify

import (
	"sync"

	"github.com/Sepzie/SingWithMe/pkg/models"
)

// QueueObserver buffers events in FIFO order for a single consumer
type QueueObserver struct {
	id     string
	events chan models.Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewQueueObserver creates an observer with room for size pending events
func NewQueueObserver(id string, size int) *QueueObserver {
	if size <= 0 {
		size = 1
	}
	return &QueueObserver{
		id:     id,
		events: make(chan models.Event, size),
		done:   make(chan struct{}),
	}
}

// ID returns the observer identifier
func (o *QueueObserver) ID() string {
	return o.id
}

// Send enqueues event without blocking
func (o *QueueObserver) Send(event models.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrObserverClosed
	}
	select {
	case o.events <- event:
		return nil
	default:
		return ErrObserverBackpressure
	}
}

// Events returns the channel drained by the consumer
func (o *QueueObserver) Events() <-chan models.Event {
	return o.events
}

// Done is closed once the observer is closed
func (o *QueueObserver) Done() <-chan struct{} {
	return o.done
}

// Close stops accepting events. Already queued events stay readable.
func (o *QueueObserver) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
	close(o.events)
}
