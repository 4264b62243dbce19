package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/config"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// Server wraps the gin engine and its http.Server.
type Server struct {
	engine *gin.Engine
	server *http.Server
	logger *logger.Logger
}

// NewServer builds the REST gateway. wsHandler, when non-nil, is
// mounted at /ws.
func NewServer(cfg config.ServerConfig, handlers *Handlers, wsHandler gin.HandlerFunc, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(Recovery(log), RequestLogger(log))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	handlers.RegisterRoutes(engine.Group("/api/v1"))
	if wsHandler != nil {
		engine.GET("/ws", wsHandler)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		engine: engine,
		server: &http.Server{
			Addr:         addr,
			Handler:      engine,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		},
		logger: log.WithFields(zap.String("component", "http-server")),
	}
}

// Engine exposes the router, used by tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
