package control

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowmesh/switchboard/internal/middleware"
)

// NewRouter assembles the control surface's gin engine: CORS and request
// logging on every route, bearer auth guarding every mutating endpoint,
// per spec §6.
func NewRouter(h *Handlers, corsOrigins string, bearerSecret string, log *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(corsOrigins))
	router.Use(middleware.Logger(log))

	router.GET("/health", h.Health)
	router.GET("/poll", h.Poll)
	router.GET("/events/ws", h.EventsWS)

	mutate := router.Group("")
	mutate.Use(middleware.BearerAuth(bearerSecret))
	{
		mutate.POST("/create-handle", h.CreateHandle)
		mutate.POST("/init", h.Init)
		mutate.POST("/proxy", h.Proxy)
		mutate.POST("/stream-upload", h.StreamUpload)
		mutate.POST("/writer-config-update", h.WriterConfigUpdate)
		mutate.POST("/reader-config-update", h.ReaderConfigUpdate)
		mutate.POST("/agent-leave", h.AgentLeave)
	}

	return router
}
