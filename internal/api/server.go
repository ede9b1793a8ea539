// Package api exposes the webhook ingress and the monitoring endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"signal-pipeline/config"
	"signal-pipeline/internal/bias"
	"signal-pipeline/internal/database"
	"signal-pipeline/internal/errtrack"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/flags"
	"signal-pipeline/internal/ingest"
	"signal-pipeline/internal/logging"
	"signal-pipeline/internal/marketdata"
)

// RateLimiter provides simple in-memory rate limiting per client key.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks whether a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// MarketStatus exposes provider breaker states and cache counters.
type MarketStatus interface {
	ProviderStates() map[string]string
	CacheStats() marketdata.CacheStats
}

// Server is the HTTP surface of the pipeline.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	repo        *database.Repository
	ingestor    *ingest.Ingestor
	biases      *bias.Store
	bus         *events.Bus
	flags       *flags.Service
	errs        *errtrack.Tracker
	market      MarketStatus
	jwtSecret   string
	rateLimiter *RateLimiter
	logger      *logging.Logger
}

// NewServer wires the routes.
func NewServer(cfg config.ServerConfig, authCfg config.AuthConfig, repo *database.Repository,
	ingestor *ingest.Ingestor, biases *bias.Store, bus *events.Bus, fl *flags.Service,
	errs *errtrack.Tracker, market MarketStatus, logger *logging.Logger) *Server {

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	if len(corsConfig.AllowOrigins) == 1 && corsConfig.AllowOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowOrigins = nil
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "x-webhook-signature", "X-Request-ID"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		repo:        repo,
		ingestor:    ingestor,
		biases:      biases,
		bus:         bus,
		flags:       fl,
		errs:        errs,
		market:      market,
		jwtSecret:   authCfg.JWTSecret,
		rateLimiter: NewRateLimiter(120, time.Minute),
		logger:      logger.WithComponent("api"),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/webhook/signal", s.rateLimitMiddleware(), s.handleWebhookSignal)
	s.router.POST("/webhook/bias", s.rateLimitMiddleware(), s.handleWebhookBias)
	s.router.POST("/webhook/gamma", s.rateLimitMiddleware(), s.handleWebhookGamma)

	monitoring := s.router.Group("/api/monitoring")
	if s.jwtSecret != "" {
		monitoring.Use(s.jwtMiddleware())
	}
	{
		monitoring.GET("/pipeline", s.handlePipeline)
		monitoring.GET("/signals/recent", s.handleRecentSignals)
		monitoring.GET("/signals/:id", s.handleSignalAudit)
		monitoring.GET("/engines", s.handleEngines)
		monitoring.GET("/errors", s.handleErrors)
		monitoring.GET("/events", s.handleEvents)
		monitoring.GET("/flags", s.handleFlags)
		monitoring.PUT("/flags/:name", s.handleSetFlag)
	}
}

// Start runs the HTTP server until it fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
