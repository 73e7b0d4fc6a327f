// Package api is the HTTP channel between the control plane and the agents
// running inside sandboxes. The Server half exposes the callback routes an
// agent needs while it works a task; the Client half implements
// agent.ControlPlane over those same routes. Every callback route is scoped
// to a single sandbox and authenticated with the bearer token minted for it
// at container creation.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tsbx-io/tsbx/pkg/agent"
	"github.com/tsbx-io/tsbx/pkg/database"
	"github.com/tsbx-io/tsbx/pkg/store"
	"github.com/tsbx-io/tsbx/pkg/token"
	"github.com/tsbx-io/tsbx/pkg/version"
)

// Server serves the callback API backed by the shared store.
type Server struct {
	store  *store.Store
	db     *database.Client
	issuer *token.Issuer
	logger *slog.Logger
	window int
}

// NewServer creates a callback API server.
func NewServer(st *store.Store, db *database.Client, issuer *token.Issuer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  st,
		db:     db,
		issuer: issuer,
		logger: logger.With("component", "api"),
		window: agent.DefaultTaskWindow,
	}
}

// Router builds the gin engine with all routes registered. The sandbox
// group sits behind the bearer-token middleware; health does not.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.Health)

	sb := r.Group("/api/v1/sandboxes/:id", s.requireSandboxToken)
	sb.GET("/tasks", s.ListQueuedTasks)
	sb.GET("/tasks/:task", s.GetTask)
	sb.POST("/tasks/:task/claim", s.ClaimTask)
	sb.POST("/tasks/:task/segments", s.AppendSegments)
	sb.POST("/tasks/:task/complete", s.CompleteTask)
	sb.POST("/tasks/:task/fail", s.FailTask)
	sb.PUT("/state", s.SetState)
	sb.PUT("/context-length", s.ReportContextLength)
	return r
}

// Health handles GET /healthz with a database ping.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	health, err := s.db.Health(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"version":  version.GitCommit,
			"database": health,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"version":  version.GitCommit,
		"database": health,
	})
}
