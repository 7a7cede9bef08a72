// Package server exposes the gateway over HTTP: the v1internal passthrough,
// token counting, the model catalog, and the admin surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/ag2api-go/internal/account"
	"github.com/poemonsense/ag2api-go/internal/config"
	"github.com/poemonsense/ag2api-go/internal/dispatch"
	"github.com/poemonsense/ag2api-go/internal/utils"
	"github.com/poemonsense/ag2api-go/pkg/redis"
)

// Options holds server construction options.
type Options struct {
	APIKey string
	Debug  bool
	Stats  *redis.StatsStore // nil disables usage recording
}

// Server is the HTTP front of the gateway.
type Server struct {
	engine     *gin.Engine
	manager    *account.Manager
	dispatcher *dispatch.Dispatcher
	stats      *redis.StatsStore
	apiKey     string
	httpServer *http.Server
}

// New creates the server and installs routes.
func New(manager *account.Manager, dispatcher *dispatch.Dispatcher, opts Options) *Server {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	s := &Server{
		engine:     engine,
		manager:    manager,
		dispatcher: dispatcher,
		stats:      opts.Stats,
		apiKey:     opts.APIKey,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(CORSMiddleware())
	s.engine.Use(RequestIDMiddleware())
	s.engine.Use(RequestLoggingMiddleware())

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": s.manager.Count()})
	})

	authed := s.engine.Group("/")
	authed.Use(APIKeyAuthMiddleware(s.apiKey))
	{
		authed.POST("/v1internal/:method", s.handleV1Internal)
		authed.POST("/v1/count_tokens", s.handleCountTokens)
		authed.GET("/v1/models", s.handleListModels)

		admin := authed.Group("/admin")
		{
			admin.GET("/accounts", s.handleAccountsSummary)
			admin.POST("/accounts/reload", s.handleAccountsReload)
			admin.DELETE("/accounts/:file", s.handleAccountDelete)
			admin.POST("/projects/refresh", s.handleProjectsRefresh)
			admin.GET("/quotas", s.handleQuotas)
			admin.GET("/logs", s.handleLogs)
			admin.GET("/logs/stream", s.handleLogsStream)
			admin.GET("/stats", s.handleStats)
		}
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"type":    "not_found_error",
				"message": fmt.Sprintf("endpoint %s %s not found", c.Request.Method, c.Request.URL.Path),
			},
		})
	})
}

// Run starts serving on addr and blocks until Shutdown or a listen error.
func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streaming responses run long
		IdleTimeout:  120 * time.Second,
	}
	utils.Info("[Server] listening on %s (port via %s)", addr, config.EnvPort)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Engine exposes the gin engine for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
