package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/leadbridge/internal/bridge"
)

const eventWriteTimeout = 5 * time.Second

// EventHub fans handled outcomes out to live admin subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type EventHub struct {
	mu      sync.Mutex
	buffer  int
	subs    map[chan bridge.Outcome]struct{}
	dropped int
}

func NewEventHub(buffer int) *EventHub {
	if buffer <= 0 {
		buffer = 32
	}
	return &EventHub{
		buffer: buffer,
		subs:   map[chan bridge.Outcome]struct{}{},
	}
}

// Publish matches bridge.Options.Observer.
func (h *EventHub) Publish(out bridge.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- out:
		default:
			h.dropped++
		}
	}
}

func (h *EventHub) Subscribe() (<-chan bridge.Outcome, func()) {
	ch := make(chan bridge.Outcome, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *EventHub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (s *Server) handleAdminTables(w http.ResponseWriter, r *http.Request, correlationID string) {
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// handleAdminEvents streams outcomes as JSON text frames. Browsers cannot set
// headers on websocket upgrades, so the token is also accepted as ?token=.
func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && r.URL.Query().Get("token") != "" {
		authHeader = "Bearer " + r.URL.Query().Get("token")
	}
	if authErr := authorizeAdmin(authHeader, s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("admin feed upgrade failed", "error", err, "correlationId", correlationID)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	events, unsubscribe := s.events.Subscribe()
	defer unsubscribe()
	s.log.Info("admin feed connected", "subscribers", s.events.Subscribers(), "correlationId", correlationID)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case out := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, out)
			cancel()
			if err != nil {
				s.log.Debug("admin feed write failed", "error", err)
				return
			}
		}
	}
}
