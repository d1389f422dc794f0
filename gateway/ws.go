package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"autorepayd/engine"
)

const wsWriteTimeout = 10 * time.Second

// handleStream pushes a snapshot to the client after every state change,
// starting with the current one. The engine stays the single writer; this
// is a read-only window onto it.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	position, ok := s.position(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamPosition(r.Context(), conn, position); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamPosition(ctx context.Context, conn *websocket.Conn, position Position) error {
	updates, cancel := position.Subscribe(8)
	defer cancel()

	if err := s.writeUpdate(ctx, conn, position, position.Snapshot()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := s.writeUpdate(ctx, conn, position, snap); err != nil {
				return err
			}
		}
	}
}

func (s *Server) writeUpdate(ctx context.Context, conn *websocket.Conn, position Position, snap engine.Snapshot) error {
	payload := renderSnapshot(snap, s.registry, s.nowFn(), position.PreviewMaxAge())
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
