package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"appforge/internal/model"
	"appforge/internal/service/session"
	"appforge/pkg/logger"
	"appforge/pkg/orcherr"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// SessionServer is the session manager as seen by the transport layer
type SessionServer interface {
	Open(ctx context.Context, req *model.OpenSessionRequest) (*model.OpenSessionResponse, error)
	Snapshot(ctx context.Context, requestID string) (*model.SessionSnapshot, error)
	Control(ctx context.Context, requestID string, cmd model.ControlCommand) (*model.SessionSnapshot, error)
	Events(ctx context.Context, requestID string, since, limit int64) (*model.EventPage, error)
	AttachOperator(ctx context.Context, requestID string) (*session.Peer, error)
	AttachWorker(ctx context.Context, requestID, token string) (*session.Peer, error)
	Deliver(ctx context.Context, peer *session.Peer, data []byte)
	Detach(peer *session.Peer)
	Count() int
}

// PoolStats reports credential pool occupancy
type PoolStats interface {
	Stats(ctx context.Context) (free, assigned int64, err error)
}

// SessionHandler serves the REST surface of the session server
type SessionHandler struct {
	sessions SessionServer
	pool     PoolStats
	backend  string
}

func NewSessionHandler(sessions SessionServer, pool PoolStats, backend string) *SessionHandler {
	return &SessionHandler{sessions: sessions, pool: pool, backend: backend}
}

// Open opens the session of a generation request
// @Summary Open session
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body model.OpenSessionRequest true "Session request"
// @Success 201 {object} model.OpenSessionResponse
// @Success 200 {object} model.OpenSessionResponse
// @Failure 409 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /v1/sessions [post]
func (h *SessionHandler) Open(c *gin.Context) {
	var req model.OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" || strings.Contains(req.RequestID, "/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request_id"})
		return
	}
	if req.Credentials != nil && strings.TrimSpace(req.Credentials.ConnectionString) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "credentials.connection_string required"})
		return
	}

	ctx := logger.WithRequestID(c.Request.Context(), req.RequestID)
	resp, err := h.sessions.Open(ctx, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	c.JSON(status, resp)
}

// Get returns the state of a session
// @Summary Get session
// @Tags sessions
// @Produce json
// @Param request_id path string true "Request ID"
// @Success 200 {object} model.SessionSnapshot
// @Router /v1/sessions/{request_id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	id := c.Param("request_id")
	snap, err := h.sessions.Snapshot(logger.WithRequestID(c.Request.Context(), id), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Control pauses, resumes or cancels a session
// @Summary Control session
// @Tags sessions
// @Accept json
// @Produce json
// @Param request_id path string true "Request ID"
// @Param request body model.ControlRequest true "Command"
// @Success 200 {object} model.SessionSnapshot
// @Router /v1/sessions/{request_id}/control [post]
func (h *SessionHandler) Control(c *gin.Context) {
	id := c.Param("request_id")
	var req model.ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Command.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command must be one of pause, resume, cancel"})
		return
	}
	snap, err := h.sessions.Control(logger.WithRequestID(c.Request.Context(), id), id, req.Command)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Events pages through the durable broadcast stream of a session
// @Summary Session events
// @Tags sessions
// @Produce json
// @Param request_id path string true "Request ID"
// @Param since query int false "First sequence number"
// @Param limit query int false "Page size"
// @Success 200 {object} model.EventPage
// @Router /v1/sessions/{request_id}/events [get]
func (h *SessionHandler) Events(c *gin.Context) {
	id := c.Param("request_id")
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a non-negative integer"})
		return
	}
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", strconv.Itoa(defaultEventLimit)), 10, 64)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	page, err := h.sessions.Events(logger.WithRequestID(c.Request.Context(), id), id, since, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Health reports liveness plus a few gauges
func (h *SessionHandler) Health(c *gin.Context) {
	body := gin.H{
		"status":   "ok",
		"backend":  h.backend,
		"sessions": h.sessions.Count(),
	}
	if h.pool != nil {
		if free, assigned, err := h.pool.Stats(c.Request.Context()); err == nil {
			body["pool"] = gin.H{"free": free, "assigned": assigned}
		} else {
			logger.WarnCtx(c.Request.Context(), "health: pool stats unavailable: %v", err)
		}
	}
	c.JSON(http.StatusOK, body)
}

// writeError maps domain errors to HTTP statuses
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.ErrorCtx(c.Request.Context(), "%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orcherr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orcherr.ErrSessionTerminal), errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrCredentialsLost):
		return http.StatusConflict
	case errors.Is(err, orcherr.ErrPoolExhausted), errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
