package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/phuslu/log"

	"github.com/tutu-network/docreview/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local tool; same policy as the CORS middleware
	},
}

// wsSink writes events as JSON text frames; keepalive is a ping.
type wsSink struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func (s *wsSink) send(ev domain.ProgressEvent) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(ev)
}

func (s *wsSink) keepalive() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait))
}

// handleWebSocket serves GET /reviews/{id}/ws: the SSE feed over a
// WebSocket, for clients behind intermediaries that mangle event streams.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, f, status, err := s.openFeed(id, "ws")
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if f != nil {
			f.cancel()
		}
		log.Warn().Str("component", "stream").Str("job", id).Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// A hijacked connection does not cancel the request context; the read
	// loop notices the client leaving.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sink := &wsSink{conn: conn, writeWait: s.cfg.Stream.WriteWait}
	err = s.serveFeed(ctx, job, f, sink, "ws")
	logStreamEnd(id, "ws", err)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.cfg.Stream.WriteWait))
}
