package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/rs/zerolog/log"

	"github.com/THEMKM/seraaj-eventsourced-sub001/aggregates"
	"github.com/THEMKM/seraaj-eventsourced-sub001/config"
	"github.com/THEMKM/seraaj-eventsourced-sub001/eventstore"
	"github.com/THEMKM/seraaj-eventsourced-sub001/handlers"
	"github.com/THEMKM/seraaj-eventsourced-sub001/metrics"
	"github.com/THEMKM/seraaj-eventsourced-sub001/readmodel"
	"github.com/THEMKM/seraaj-eventsourced-sub001/tracing"
)

const defaultTimeout = 5 * time.Second

// Dependencies are the services the routes call into
type Dependencies struct {
	Applications *handlers.ApplicationHandler
	Suggestions  *handlers.MatchSuggestionHandler
	Repository   *aggregates.Repository
	Events       eventstore.EventStore
	Reads        *readmodel.Store
	Stats        *readmodel.Stats
	Tracer       *tracing.NewRelicTracer
}

// Server is the HTTP server for the API
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	deps       Dependencies
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Dependencies) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	server := &Server{
		cfg:    cfg,
		router: gin.New(),
		deps:   deps,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(RequestIDMiddleware())
	s.router.Use(CORSMiddleware(s.cfg.CorsOrigins))
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware())
	s.router.Use(metrics.GinMiddleware())

	if s.deps.Tracer.Enabled() {
		s.router.Use(nrgin.Middleware(s.deps.Tracer.Application()))
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.router.Group("/api/v1")

	applicationRoutes := v1.Group("/applications")
	{
		applicationRoutes.POST("", s.submitApplication)
		applicationRoutes.GET("", s.listApplications)
		applicationRoutes.GET("/:id", s.getApplication)
		applicationRoutes.PATCH("/:id", s.updateApplication)
		applicationRoutes.POST("/:id/approve", s.approveApplication)
		applicationRoutes.POST("/:id/reject", s.rejectApplication)
		applicationRoutes.POST("/:id/withdraw", s.withdrawApplication)
	}

	suggestionRoutes := v1.Group("/match-suggestions")
	{
		suggestionRoutes.POST("", s.generateSuggestion)
		suggestionRoutes.GET("", s.listSuggestions)
		suggestionRoutes.GET("/:id", s.getSuggestion)
		suggestionRoutes.POST("/:id/accept", s.acceptSuggestion)
		suggestionRoutes.POST("/:id/decline", s.declineSuggestion)
		suggestionRoutes.POST("/:id/expire", s.expireSuggestion)
	}

	v1.POST("/events", s.appendEvent)
	v1.GET("/events", s.listEvents)
	v1.GET("/aggregates/:type/:id/events", s.aggregateEvents)

	statsRoutes := v1.Group("/stats")
	{
		statsRoutes.GET("", s.getStats)
		statsRoutes.GET("/validate", s.validateProjections)
	}
}

// requestContext bounds a request by the configured timeout
func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.Timeout)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Msgf("HTTP server starting on %s", s.cfg.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
