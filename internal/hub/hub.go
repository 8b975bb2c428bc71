// Package hub fans drone snapshots out to websocket subscribers on a
// fixed broadcast tick, never blocking the producers.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"TelemetryHub/internal/state"
	"TelemetryHub/logger"
	"TelemetryHub/metrics"
)

const (
	broadcastInterval = 100 * time.Millisecond
	writeWait         = 5 * time.Second
)

// SnapshotSource provides the records currently visible to subscribers
type SnapshotSource interface {
	ActiveSnapshot() []state.DroneState
}

// framePayload is the wire shape of every broadcast frame
type framePayload struct {
	Drones []state.DroneState `json:"drones"`
}

var sessionSeq atomic.Uint64

// Session is one websocket subscriber. The write lock serializes frames
// on the transport; reads only detect disconnects.
type Session struct {
	ID         uint64
	FilterPort int // 0 = all drones
	RemoteAddr string

	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func (s *Session) send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) markClosed() {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.Close()
	}
}

// Hub holds the subscriber set and drives the broadcast tick
type Hub struct {
	source SnapshotSource

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// New creates a hub reading snapshots from source
func New(source SnapshotSource) *Hub {
	return &Hub{
		source:   source,
		sessions: make(map[*Session]struct{}),
	}
}

// Register adds a subscriber. filterPort 0 subscribes to all drones.
// The read pump runs until the peer disconnects.
func (h *Hub) Register(conn *websocket.Conn, filterPort int, remoteAddr string) *Session {
	s := &Session{
		ID:         sessionSeq.Add(1),
		FilterPort: filterPort,
		RemoteAddr: remoteAddr,
		conn:       conn,
	}

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()

	metrics.Global.WebsocketClients.Set(float64(n))
	logger.Info("[HUB] Subscriber connected (%s, filter=%d, total=%d)", remoteAddr, filterPort, n)

	go h.readPump(s)
	return s
}

// readPump discards inbound frames; a read error means the transport is
// gone and the session is dropped on the next tick.
func (h *Hub) readPump(s *Session) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.markClosed()
			return
		}
	}
}

// Run emits snapshots every broadcast tick until the context is
// cancelled, then closes every session. Overrun ticks are skipped.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.broadcast()
		}
	}
}

// broadcast serializes the current snapshot at most once per tick (and
// once per filter port seen among sessions) and writes it to every live
// session. Send failures drop the session, never the producer.
func (h *Hub) broadcast() {
	sessions := h.sweepSessions()
	if len(sessions) == 0 {
		return
	}

	snapshot := h.source.ActiveSnapshot()
	if len(snapshot) == 0 {
		return
	}

	// Per-tick serialization caches; never reused across ticks.
	var fullPayload []byte
	portPayloads := make(map[int][]byte)

	for _, s := range sessions {
		var payload []byte

		if s.FilterPort == 0 {
			if fullPayload == nil {
				fullPayload = marshalFrame(snapshot)
			}
			payload = fullPayload
		} else {
			cached, ok := portPayloads[s.FilterPort]
			if !ok {
				cached = marshalFiltered(snapshot, s.FilterPort)
				portPayloads[s.FilterPort] = cached
			}
			payload = cached
		}

		// Filtered view with no matching drone emits nothing.
		if len(payload) == 0 {
			continue
		}

		if err := s.send(payload); err != nil {
			metrics.Global.BroadcastErrors.Inc()
			logger.Warn("[HUB] Send to %s failed, dropping subscriber: %v", s.RemoteAddr, err)
			s.markClosed()
			continue
		}
		metrics.Global.BroadcastFrames.Inc()
	}
}

// sweepSessions removes sessions whose transport closed since the last
// tick and returns the remainder.
func (h *Hub) sweepSessions() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		if s.closed.Load() {
			delete(h.sessions, s)
			logger.Info("[HUB] Subscriber disconnected (%s, total=%d)", s.RemoteAddr, len(h.sessions))
			continue
		}
		out = append(out, s)
	}
	metrics.Global.WebsocketClients.Set(float64(len(out)))
	return out
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
		delete(h.sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		s.mu.Unlock()
		s.markClosed()
	}
	metrics.Global.WebsocketClients.Set(0)
	logger.Info("[HUB] Closed %d subscribers", len(sessions))
}

func marshalFrame(drones []state.DroneState) []byte {
	data, err := json.Marshal(framePayload{Drones: drones})
	if err != nil {
		logger.Error("[HUB] Failed to serialize snapshot: %v", err)
		return nil
	}
	return data
}

// marshalFiltered serializes the single matching drone, or nil when the
// port is absent from the snapshot.
func marshalFiltered(drones []state.DroneState, port int) []byte {
	for _, d := range drones {
		if d.Port == port {
			return marshalFrame([]state.DroneState{d})
		}
	}
	return nil
}
