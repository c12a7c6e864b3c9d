package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Sepzie/SingWithMe/pkg/jobs"
	"github.com/Sepzie/SingWithMe/pkg/logging"
	"github.com/Sepzie/SingWithMe/pkg/models"
	"github.com/Sepzie/SingWithMe/pkg/notify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 4096
	observerBuffer = 64
)

// Client frame types
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// ClientFrame is a message sent by a socket client
type ClientFrame struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
}

// ErrorFrame reports a frame the server could not act on
type ErrorFrame struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func errorFrame(msg string) ErrorFrame {
	return ErrorFrame{Event: "error", Message: msg}
}

// ServeWS upgrades the request to a WebSocket carrying job status events
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		h.logger.Debug("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	id := "ws-" + uuid.New().String()
	c := &socket{
		id:      id,
		conn:    conn,
		queue:   notify.NewQueueObserver(id, observerBuffer),
		replies: make(chan interface{}, 8),
		tracker: h.deps.Tracker,
		logger:  h.logger.WithField("observer_id", id),
	}

	if m := h.deps.Metrics; m != nil {
		m.Observers.Inc()
		defer m.Observers.Dec()
	}
	c.serve(r.Context())
}

// socket is one client connection. The read loop handles subscriptions
// and a single writer goroutine owns every data frame.
type socket struct {
	id      string
	conn    *websocket.Conn
	queue   *notify.QueueObserver
	replies chan interface{}
	tracker *jobs.Tracker
	logger  *logging.Logger

	dropOnce sync.Once
}

// ID implements notify.Observer
func (c *socket) ID() string {
	return c.id
}

// Send implements notify.Observer. A client that cannot keep up is disconnected
// so it can reconnect and pick up the latest status.
func (c *socket) Send(event models.Event) error {
	err := c.queue.Send(event)
	if errors.Is(err, notify.ErrObserverBackpressure) {
		c.dropOnce.Do(func() {
			c.logger.Warn("Observer too slow, closing connection", map[string]interface{}{"job_id": event.JobID})
			go c.drop(websocket.CloseTryAgainLater, "too slow")
		})
	}
	return err
}

func (c *socket) drop(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.conn.Close()
}

func (c *socket) serve(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop(ctx, writerDone)

	c.tracker.UnwatchAll(c)
	c.queue.Close()
	<-writerDone
	c.conn.Close()
}

func (c *socket) readLoop(ctx context.Context, writerDone <-chan struct{}) {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("WebSocket closed", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		if reply := c.handle(ctx, data); reply != nil {
			select {
			case c.replies <- reply:
			case <-writerDone:
				return
			}
		}
	}
}

// handle applies one client frame and returns an error frame when it was rejected
func (c *socket) handle(ctx context.Context, data []byte) interface{} {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return errorFrame("invalid message: " + err.Error())
	}

	switch frame.Type {
	case FrameSubscribe, FrameUnsubscribe:
	default:
		return errorFrame("unknown message type: " + frame.Type)
	}
	if frame.JobID == "" {
		return errorFrame("jobId is required")
	}

	if frame.Type == FrameUnsubscribe {
		c.tracker.Unwatch(frame.JobID, c)
		return nil
	}

	if err := c.tracker.Watch(ctx, frame.JobID, c); err != nil {
		// still subscribed; later transitions will arrive
		c.logger.Warn("Could not load status for new subscriber", map[string]interface{}{
			"job_id": frame.JobID,
			"error":  err.Error(),
		})
	}
	return nil
}

func (c *socket) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-c.queue.Events():
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			if !c.write(event) {
				return
			}
		case reply := <-c.replies:
			if !c.write(reply) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (c *socket) write(v interface{}) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Debug("WebSocket write failed", map[string]interface{}{"error": err.Error()})
		// unblocks the read loop
		c.conn.Close()
		return false
	}
	return true
}
