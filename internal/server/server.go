// Package server is the facilitator's HTTP surface: gin routes for
// /verify, /settle, /supported, /prepare, health, and metrics, behind
// the recovery → request-id → logging → CORS → metrics → rate-limit
// middleware chain.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/fogoware/x402facilitator/core"
	"github.com/fogoware/x402facilitator/internal/cache"
	"github.com/fogoware/x402facilitator/internal/config"
	"github.com/fogoware/x402facilitator/internal/health"
	"github.com/fogoware/x402facilitator/internal/logging"
	"github.com/fogoware/x402facilitator/internal/metrics"
	"github.com/fogoware/x402facilitator/internal/ratelimit"
	"github.com/fogoware/x402facilitator/providers/algorand"
)

// Version is the service version (set at build time).
var Version = "dev"

// Facilitator is the dispatch core the server fronts.
type Facilitator interface {
	Verify(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*core.VerifyResponse, error)
	Settle(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*core.SettleResponse, error)
	GetSupported() core.SupportedResponse
}

// Preparer is the Stage-1 operation of a two-stage provider (Algorand is
// the only family that needs one).
type Preparer interface {
	Prepare(ctx context.Context, req *algorand.PrepareRequest) (*algorand.PrepareResponse, error)
}

// Server is the HTTP server for the facilitator.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	facilitator Facilitator
	preparers   map[core.Network]Preparer
	config      *config.Config
	metrics     *metrics.Metrics
	limiter     ratelimit.Limiter
	health      *health.Checker
	logger      zerolog.Logger

	// settleInFlight tracks settlements between request intake and
	// response write; graceful shutdown waits for it to drain so a
	// submitted transaction is always reported.
	settleInFlight sync.WaitGroup
}

// New creates a new facilitator server.
func New(
	facilitator Facilitator,
	preparers map[core.Network]Preparer,
	redisClient *cache.Client,
	healthChecker *health.Checker,
	m *metrics.Metrics,
	cfg *config.Config,
	logger zerolog.Logger,
) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var limiter ratelimit.Limiter = ratelimit.AllowAll{}
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if preparers == nil {
		preparers = map[core.Network]Preparer{}
	}

	router := gin.New()

	s := &Server{
		router:      router,
		facilitator: facilitator,
		preparers:   preparers,
		config:      cfg,
		metrics:     m,
		limiter:     limiter,
		health:      healthChecker,
		logger:      logger,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(RequestIDMiddleware())
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(CORSMiddleware())
	s.router.Use(s.metrics.Middleware())
	s.router.Use(RateLimitMiddleware(s.limiter, s.logger))
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.HealthHandler())
	s.router.GET("/health/deep", s.health.DeepHandler())

	s.router.GET("/metrics", s.metrics.Handler())

	s.router.POST("/verify", s.handleVerify)
	s.router.POST("/settle", s.handleSettle)
	s.router.GET("/supported", s.handleSupported)
	s.router.POST("/prepare", s.handlePrepare)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info().Int("port", s.config.Port).Msg("starting facilitator server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	s.waitForShutdown()
}

// waitForShutdown waits for SIGINT/SIGTERM, then drains: HTTP shutdown
// first, then the settlement in-flight counter, so a transaction that
// already left the process gets its outcome reported before exit.
func (s *Server) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	s.logger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.settleInFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Error().Msg("settlements still in flight at shutdown deadline")
	}

	s.logger.Info().Msg("server stopped")
}
