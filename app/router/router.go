package router

import (
	"github.com/gin-gonic/gin"

	"appforge/app/handler"
	"appforge/app/middleware"
)

// Router wires handlers to routes
type Router struct {
	sessionHandler *handler.SessionHandler
	wsHandler      *handler.WSHandler
	apiKey         string
	scrub          func(string) string
}

// NewRouter creates a new Router. scrub redacts secrets from logged request bodies.
func NewRouter(sessionHandler *handler.SessionHandler, wsHandler *handler.WSHandler, apiKey string, scrub func(string) string) *Router {
	return &Router{
		sessionHandler: sessionHandler,
		wsHandler:      wsHandler,
		apiKey:         apiKey,
		scrub:          scrub,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger(r.scrub))

	auth := middleware.APIKeyAuth(r.apiKey)

	v1 := engine.Group("/v1", auth)
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", r.sessionHandler.Open)
			sessions.GET("/:request_id", r.sessionHandler.Get)
			sessions.POST("/:request_id/control", r.sessionHandler.Control)
			sessions.GET("/:request_id/events", r.sessionHandler.Events)
		}
	}

	ws := engine.Group("/ws")
	{
		ws.GET("/operator/:request_id", auth, r.wsHandler.Operator)
		// workers authenticate with their per-session token instead of the API key
		ws.GET("/worker/:request_id", r.wsHandler.Worker)
	}

	engine.GET("/health", r.sessionHandler.Health)
}
