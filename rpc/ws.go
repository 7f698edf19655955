package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"escrowledger/core/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 128
)

// handleEventsWS streams event records after the optional "after" cursor,
// first the backlog and then live records as they are committed.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	var after int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid after cursor", http.StatusBadRequest)
			return
		}
		after = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, after); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream failed", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, after int64) error {
	updates, backlog, cancel := s.node.Events().Subscribe(after, wsBuffer)
	defer cancel()

	for _, rec := range backlog {
		if err := writeEventRecord(ctx, conn, rec); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEventRecord(ctx, conn, rec); err != nil {
				return err
			}
		}
	}
}

func writeEventRecord(ctx context.Context, conn *websocket.Conn, rec events.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
