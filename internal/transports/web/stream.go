package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"triplog/internal/tracking"
)

const streamWriteWait = 5 * time.Second

type streamMessage struct {
	Type       string               `json:"type"`
	Sampling   *bool                `json:"sampling,omitempty"`
	Coordinate *tracking.Coordinate `json:"coordinate,omitempty"`
}

// handleStream отдает по websocket точки текущей поездки по мере записи.
func (a *Adapter) handleStream(w http.ResponseWriter, r *http.Request) {
	if a.sampler == nil {
		writeError(w, r, http.StatusServiceUnavailable, "stream_unavailable")
		return
	}
	subjectID := subjectIDFromContext(r.Context())
	requestID := requestIDFromContext(r.Context())

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту.
		a.logger.Warn("stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	a.writeAudit(r.Context(), subjectID, "web:trip_stream", "ok", map[string]string{"auth_method": authMethodFromContext(r.Context())}, requestID)

	fixes, unsubscribe := a.sampler.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pongWait := 2 * a.cfg.StreamPingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Входящие сообщения не нужны; читаем только чтобы заметить закрытие.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sampling := a.sampler.Running()
	if err := a.writeStream(conn, streamMessage{Type: "hello", Sampling: &sampling}); err != nil {
		return
	}
	if last, ok := a.sampler.LastFix(); ok {
		if err := a.writeStream(conn, streamMessage{Type: "fix", Coordinate: &last}); err != nil {
			return
		}
	}

	ping := time.NewTicker(a.cfg.StreamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(streamWriteWait))
			return
		case c, ok := <-fixes:
			if !ok {
				return
			}
			if err := a.writeStream(conn, streamMessage{Type: "fix", Coordinate: &c}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func (a *Adapter) writeStream(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		a.logger.Debug("stream write failed", "err", err)
		return err
	}
	return nil
}
