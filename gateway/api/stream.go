package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed is read-only telemetry for operator consoles; origin policy
	// is enforced upstream when the gateway is exposed beyond localhost.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedMessage frames one record on the wire. Clients deduplicate by id on
// reconnect, since a boundary record may be delivered twice.
type feedMessage struct {
	Stream string `json:"stream"`
	Record any    `json:"record"`
}

// handleStream upgrades to a websocket and relays one named live feed. Each
// connection gets its own gateway subscription; closing the socket cancels
// only that subscription.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gateway == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("streaming is not enabled on this node"))
		return
	}
	name := r.PathValue("name")
	if name != "telemetry" && name != "events" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown stream %q", name))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Drain client frames so close and pong frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	send := func(payload feedMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(payload)
	}

	switch name {
	case "telemetry":
		sub := s.cfg.Gateway.SubscribeTelemetry(ctx)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case sample, ok := <-sub.C():
				if !ok {
					return
				}
				if err := send(feedMessage{Stream: name, Record: sample}); err != nil {
					return
				}
			}
		}
	case "events":
		sub := s.cfg.Gateway.SubscribeEvents(ctx)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case record, ok := <-sub.C():
				if !ok {
					return
				}
				if err := send(feedMessage{Stream: name, Record: record}); err != nil {
					return
				}
			}
		}
	}
}
