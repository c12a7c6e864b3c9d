// Package notify fans job status events out to subscribed observers.
package notify

import (
	"errors"
	"sync"

	"github.com/Sepzie/SingWithMe/pkg/logging"
	"github.com/Sepzie/SingWithMe/pkg/models"
)

var (
	// ErrObserverClosed is returned by Send after an observer has been closed
	ErrObserverClosed = errors.New("observer closed")
	// ErrObserverBackpressure is returned when an observer's buffer is full
	ErrObserverBackpressure = errors.New("observer buffer full")
)

// Observer receives events for the jobs it is subscribed to.
// Send must not block; a slow observer reports an error instead.
type Observer interface {
	ID() string
	Send(event models.Event) error
}

// DeliveryHook is called after every delivery attempt
type DeliveryHook func(jobID string, event models.Event, err error)

// Hub manages the subscriber set of each job
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]Observer // jobID -> observerID -> observer
	logger *logging.Logger
	hook   DeliveryHook
}

// NewHub creates an empty hub
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		subs:   make(map[string]map[string]Observer),
		logger: logger,
	}
}

// OnDelivery installs a hook used for delivery metrics
func (h *Hub) OnDelivery(hook DeliveryHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hook = hook
}

// Subscribe registers obs under jobID. Re-subscribing is a no-op.
// When last is non-nil it is sent to obs right away so late subscribers see the current status.
func (h *Hub) Subscribe(jobID string, obs Observer, last *models.Event) {
	h.mu.Lock()
	observers, ok := h.subs[jobID]
	if !ok {
		observers = make(map[string]Observer)
		h.subs[jobID] = observers
	}
	_, already := observers[obs.ID()]
	if !already && (last == nil || !last.IsTerminal()) {
		observers[obs.ID()] = obs
	}
	if len(observers) == 0 {
		delete(h.subs, jobID)
	}
	hook := h.hook
	h.mu.Unlock()

	if already {
		return
	}

	h.logger.Debug("Observer subscribed", map[string]interface{}{
		"job_id":      jobID,
		"observer_id": obs.ID(),
	})

	if last != nil {
		h.deliver(jobID, obs, *last, hook)
	}
}

// Unsubscribe removes obs from every job it was subscribed to.
// Unknown observers are ignored.
func (h *Hub) Unsubscribe(obs Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for jobID, observers := range h.subs {
		delete(observers, obs.ID())
		if len(observers) == 0 {
			delete(h.subs, jobID)
		}
	}
}

// UnsubscribeJob removes obs from a single job
func (h *Hub) UnsubscribeJob(jobID string, obs Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if observers, ok := h.subs[jobID]; ok {
		delete(observers, obs.ID())
		if len(observers) == 0 {
			delete(h.subs, jobID)
		}
	}
}

// Broadcast delivers event to every observer of jobID.
// Each delivery is independent; failures are logged and never returned.
// A terminal event also drops the job's subscriber set.
func (h *Hub) Broadcast(jobID string, event models.Event) {
	h.mu.Lock()
	observers := make([]Observer, 0, len(h.subs[jobID]))
	for _, obs := range h.subs[jobID] {
		observers = append(observers, obs)
	}
	if event.IsTerminal() {
		delete(h.subs, jobID)
	}
	hook := h.hook
	h.mu.Unlock()

	for _, obs := range observers {
		h.deliver(jobID, obs, event, hook)
	}
}

func (h *Hub) deliver(jobID string, obs Observer, event models.Event, hook DeliveryHook) {
	err := obs.Send(event)
	if err != nil {
		h.logger.Warn("Failed to deliver event", map[string]interface{}{
			"job_id":      jobID,
			"observer_id": obs.ID(),
			"event":       string(event.Event),
			"error":       err.Error(),
		})
	}
	if hook != nil {
		hook(jobID, event, err)
	}
}

// Subscribers returns how many observers are subscribed to jobID
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// TotalSubscriptions returns the number of (job, observer) pairs
func (h *Hub) TotalSubscriptions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, observers := range h.subs {
		n += len(observers)
	}
	return n
}

// Close drops every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = make(map[string]map[string]Observer)
}
