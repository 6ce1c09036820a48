package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowforge-io/flowforge/graph/emit"
	"github.com/flowforge-io/flowforge/graph/store"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4096
)

// handleRunStream upgrades to WebSocket and streams a run's events until
// the terminal workflow_completed frame, then closes.
//
// Frames are JSON objects with a "type" and "timestamp" field. The client
// may send the literal text "ping" at any time and receives a pong frame.
// A subscriber that joins after the run finished receives exactly one
// synthesized workflow_completed frame.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	sub, err := s.coord.Subscribe(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found: "+runID)
			return
		}
		s.internalError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.coord.Unsubscribe(sub)
		s.log.Warn("websocket upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close()
	defer s.coord.Unsubscribe(sub)

	conn.SetReadLimit(wsReadLimit)

	// Reader goroutine: consumes client frames, forwarding ping requests.
	// Exit (client gone, protocol error) tears the stream down.
	pings := make(chan struct{}, 4)
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			kind, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage && string(payload) == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	// Single-writer loop: gorilla connections allow one concurrent writer,
	// so pongs and events are serialized here.
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				s.closeStream(conn, runID)
				return
			}
			if err := s.writeEvent(conn, ev); err != nil {
				s.log.Debug("websocket write failed", zap.String("run_id", runID), zap.Error(err))
				return
			}
			if ev.Terminal() {
				// Drain is unnecessary: the broker closes the stream right
				// after the terminal event.
				s.closeStream(conn, runID)
				return
			}
		case <-pings:
			if err := s.writeEvent(conn, emit.NewPong()); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev emit.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(ev)
}

func (s *Server) closeStream(conn *websocket.Conn, runID string) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete")
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		s.log.Debug("websocket close failed", zap.String("run_id", runID), zap.Error(err))
	}
}
