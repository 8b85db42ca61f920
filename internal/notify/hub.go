package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"slidegen/internal/infra"
)

const defaultWriteTimeout = 5 * time.Second

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex

	processed int
	done      bool
	closed    bool
}

// deliver writes evt unless the client already saw a newer state. Events
// published while the snapshot was being read can arrive after it.
func (s *subscriber) deliver(evt Event, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliverLocked(evt, timeout)
}

func (s *subscriber) deliverLocked(evt Event, timeout time.Duration) error {
	if s.done || s.closed {
		return nil
	}
	if !evt.Type.Terminal() && evt.ProcessedCount < s.processed {
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := s.conn.WriteJSON(evt); err != nil {
		return err
	}
	s.processed = evt.ProcessedCount
	s.done = evt.Type.Terminal()
	return nil
}

func (s *subscriber) close(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = s.conn.Close()
}

// Hub keeps websocket subscribers per job and pushes events to them.
type Hub struct {
	logger       infra.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func NewHub(logger infra.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		writeTimeout: defaultWriteTimeout,
		subs:         make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribers returns the number of live connections for a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// ServeWS upgrades the request and streams events for jobID until a
// terminal event or until the client goes away. The subscriber is registered
// before snapshot is called, so an event published while the snapshot is
// being read is still delivered.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, jobID string, snapshot func(context.Context) (Event, error)) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("notify: websocket upgrade failed")
		return
	}
	sub := &subscriber{conn: conn}

	sub.mu.Lock()
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*subscriber]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	h.mu.Unlock()

	evt, err := snapshot(r.Context())
	if err == nil {
		err = sub.deliverLocked(evt, h.writeTimeout)
	} else {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("notify: websocket snapshot failed")
	}
	finished := sub.done
	sub.mu.Unlock()

	switch {
	case err != nil:
		h.remove(jobID, sub)
		sub.close(websocket.CloseInternalServerErr, "snapshot unavailable")
		return
	case finished:
		h.remove(jobID, sub)
		sub.close(websocket.CloseNormalClosure, string(evt.Type))
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(jobID, sub)
	sub.close(websocket.CloseGoingAway, "")
}

func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs[evt.JobID]))
	for s := range h.subs[evt.JobID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.deliver(evt, h.writeTimeout); err != nil {
			h.logger.Debug().Err(err).Str("job_id", evt.JobID).Msg("notify: dropping dead subscriber")
			h.remove(evt.JobID, s)
			s.close(websocket.CloseGoingAway, "")
		}
	}

	if evt.Type.Terminal() {
		h.mu.Lock()
		remaining := h.subs[evt.JobID]
		delete(h.subs, evt.JobID)
		h.mu.Unlock()
		for s := range remaining {
			s.close(websocket.CloseNormalClosure, string(evt.Type))
		}
	}
	return nil
}

func (h *Hub) remove(jobID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[jobID]
	if set == nil {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, jobID)
	}
}
