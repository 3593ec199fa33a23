package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"lumen.health/insight/internal/cluster"
	"lumen.health/insight/internal/concepts"
	"lumen.health/insight/internal/db"
	"lumen.health/insight/internal/dedup"
	"lumen.health/insight/internal/embed"
	"lumen.health/insight/internal/generate"
	"lumen.health/insight/internal/ingest"
	"lumen.health/insight/internal/jobs"
)

// Deps carries everything the API serves.
type Deps struct {
	Pool      *db.Pool
	Ingest    *ingest.Service
	Embed     *embed.Service
	Cluster   *cluster.Engine
	Reviewer  *cluster.Reviewer
	Dedup     *dedup.Adapter
	Concepts  *concepts.Service
	Generate  *generate.Service
	Jobs      *jobs.Runner
	Logger    zerolog.Logger
	LLMActive bool
}

// Server is the admin/ingestion HTTP boundary.
type Server struct {
	echo *echo.Echo
	deps Deps
}

func NewServer(deps Deps) (*Server, error) {
	if deps.Pool == nil {
		return nil, fmt.Errorf("http server requires a database pool")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(deps.Logger))

	server := &Server{echo: e, deps: deps}
	server.routes()
	return server, nil
}

func (s *Server) routes() {
	s.echo.GET("/health", s.handleHealth)

	api := s.echo.Group("/api")
	api.GET("/stats", s.handleStats)
	api.POST("/ingest", s.handleIngest)

	api.GET("/clusters", s.handleListClusters)
	api.GET("/clusters/:id", s.handleClusterDetail)
	api.POST("/clusters/:id/approve", s.handleApproveCluster)
	api.POST("/clusters/:id/reject", s.handleRejectCluster)

	api.POST("/dedup/predict", s.handlePredictMerge)

	api.GET("/concepts", s.handleListConcepts)
	api.GET("/insights/:id", s.handleInsightDetail)
	api.POST("/insights/:id/tag", s.handleTagInsight)

	api.POST("/jobs/embed", s.handleLaunchEmbed)
	api.POST("/jobs/cluster", s.handleLaunchCluster)
	api.POST("/jobs/discover", s.handleLaunchDiscover)
	api.POST("/jobs/generate", s.handleLaunchGenerate)
	api.GET("/jobs", s.handleListJobs)
	api.GET("/jobs/:id", s.handleJobDetail)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() *echo.Echo {
	return s.echo
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	})
}
