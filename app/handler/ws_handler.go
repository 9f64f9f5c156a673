package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"appforge/app/middleware"
	"appforge/internal/service/session"
	"appforge/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // operators authenticate with the API key, not by origin
	},
}

// WSHandler carries the line protocol over websockets, one JSON message per frame.
type WSHandler struct {
	sessions SessionServer
}

// NewWSHandler creates the websocket handler for operator and worker connections
func NewWSHandler(sessions SessionServer) *WSHandler {
	return &WSHandler{sessions: sessions}
}

// Operator attaches an operator connection. The first frames are the
// buffered history followed by replay_complete. For a finished session the
// stored log is replayed and the connection closed.
// @Summary Operator websocket
// @Tags sessions
// @Param request_id path string true "Request ID"
// @Router /ws/operator/{request_id} [get]
func (h *WSHandler) Operator(c *gin.Context) {
	id := c.Param("request_id")
	ctx := logger.WithRequestID(c.Request.Context(), id)
	peer, err := h.sessions.AttachOperator(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	h.serve(ctx, c, peer)
}

// Worker attaches the session's worker. The token comes from the worker's
// environment and is sent as a bearer token or ?token=.
// @Summary Worker websocket
// @Tags sessions
// @Param request_id path string true "Request ID"
// @Router /ws/worker/{request_id} [get]
func (h *WSHandler) Worker(c *gin.Context) {
	id := c.Param("request_id")
	ctx := logger.WithRequestID(c.Request.Context(), id)
	token := middleware.BearerToken(c.Request)
	if token == "" {
		token = c.Query("token")
	}
	peer, err := h.sessions.AttachWorker(ctx, id, token)
	if err != nil {
		writeError(c, err)
		return
	}
	h.serve(ctx, c, peer)
}

func (h *WSHandler) serve(ctx context.Context, c *gin.Context, peer *session.Peer) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WarnCtx(ctx, "websocket upgrade failed: %v", err)
		h.sessions.Detach(peer)
		return
	}
	logger.InfoCtx(ctx, "%s %s connected from %s", peer.Role, peer.ID, c.ClientIP())

	written := make(chan struct{})
	go func() {
		defer close(written)
		writePump(ctx, conn, peer)
	}()

	readPump(ctx, conn, peer, h.sessions)
	h.sessions.Detach(peer)
	<-written
	logger.InfoCtx(ctx, "%s %s disconnected: %s", peer.Role, peer.ID, peer.CloseReason())
}

// readPump delivers inbound frames until the connection fails.
func readPump(ctx context.Context, conn *websocket.Conn, peer *session.Peer, sessions SessionServer) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WarnCtx(ctx, "%s %s read failed: %v", peer.Role, peer.ID, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		sessions.Deliver(ctx, peer, data)
	}
}

// writePump sends the replay, then live messages, until the session drops
// the peer. It closes the connection on exit, which also ends readPump.
func writePump(ctx context.Context, conn *websocket.Conn, peer *session.Peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	write := func(data []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.WarnCtx(ctx, "%s %s write failed: %v", peer.Role, peer.ID, err)
			return false
		}
		return true
	}

	for _, data := range peer.TakeReplay() {
		if !write(data) {
			return
		}
	}
	for {
		select {
		case data := <-peer.Outbound():
			if !write(data) {
				return
			}
		case <-peer.Done():
			// flush what the session queued before dropping us
			for {
				select {
				case data := <-peer.Outbound():
					if !write(data) {
						return
					}
				default:
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, peer.CloseReason())
					_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
					return
				}
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
