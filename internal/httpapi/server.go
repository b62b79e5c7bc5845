// Package httpapi is the REST façade: a small gin router over the same
// store and scheduler the WebSocket gateway uses, plus the SSE stream and
// the WebSocket upgrade endpoint.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gmgui/gmgui/internal/agent/catalog"
	"github.com/gmgui/gmgui/internal/agent/supervisor"
	apperr "github.com/gmgui/gmgui/internal/common/errors"
	"github.com/gmgui/gmgui/internal/common/httpmw"
	"github.com/gmgui/gmgui/internal/common/logger"
	"github.com/gmgui/gmgui/internal/common/metrics"
	"github.com/gmgui/gmgui/internal/events/bus"
	"github.com/gmgui/gmgui/internal/gateway/websocket"
	"github.com/gmgui/gmgui/internal/scheduler"
	"github.com/gmgui/gmgui/internal/store"
)

// Server bundles the router dependencies.
type Server struct {
	store      *store.Store
	scheduler  *scheduler.Scheduler
	catalog    *catalog.Catalog
	sup        *supervisor.Supervisor
	eventBus   bus.EventBus
	wsHandler  *websocket.Handler
	defaultCWD string
	logger     *logger.Logger
}

// SetDefaultWorkingDir sets the working directory assigned to conversations
// created without one.
func (s *Server) SetDefaultWorkingDir(dir string) {
	s.defaultCWD = dir
}

// New creates the façade.
func New(st *store.Store, sched *scheduler.Scheduler, cat *catalog.Catalog, sup *supervisor.Supervisor, eventBus bus.EventBus, wsHandler *websocket.Handler, log *logger.Logger) *Server {
	return &Server{
		store:     st,
		scheduler: sched,
		catalog:   cat,
		sup:       sup,
		eventBus:  eventBus,
		wsHandler: wsHandler,
		logger:    log.WithFields(zap.String("component", "httpapi")),
	}
}

// Router builds the gin engine with every route mounted under baseURL.
func (s *Server) Router(baseURL string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(s.logger, "gmgui"))
	router.Use(httpmw.OtelTracing("gmgui"))

	base := router.Group(baseURL)
	base.GET("/health", s.health)
	base.GET("/sync", s.wsHandler.HandleConnection)
	base.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := base.Group("/api")
	api.GET("/conversations", s.listConversations)
	api.POST("/conversations", s.createConversation)
	api.GET("/conversations/:id", s.getConversation)
	api.DELETE("/conversations/:id", s.deleteConversation)
	api.GET("/conversations/:id/messages", s.listMessages)
	api.POST("/conversations/:id/messages", s.sendMessage)
	api.GET("/conversations/:id/chunks", s.listChunks)
	api.GET("/conversations/:id/stream", s.streamConversation)
	api.GET("/agents", s.listAgents)

	return router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gmgui"})
}

// fail writes an error response using the AppError HTTP mapping.
func fail(c *gin.Context, err error) {
	status := apperr.GetHTTPStatus(err)
	message := err.Error()
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	c.JSON(status, gin.H{"error": message})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
