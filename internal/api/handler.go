package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Theogama/signalist-sub003/internal/engine"
	"github.com/Theogama/signalist-sub003/internal/monitor"
)

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Metrics   *monitor.Metrics
	JWTSecret string
}

// Options configure NewServer. Zero values pick the defaults.
type Options struct {
	JWTSecret string
	// Prom serves /metrics. Nil uses the default Prometheus registry.
	Prom       http.Handler
	RateLimit  float64 // requests per second per IP
	RateBurst  int
	ReqTimeout time.Duration
	// CORSOrigins lists allowed browser origins. Empty allows any origin.
	CORSOrigins []string
}

func NewServer(svc engine.Service, metrics *monitor.Metrics, opts Options) *Server {
	if opts.Prom == nil {
		opts.Prom = promhttp.Handler()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if opts.ReqTimeout <= 0 {
		opts.ReqTimeout = 30 * time.Second
	}

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                                      // Panic recovery (first)
	r.Use(RequestIDMiddleware())                               // Request ID tracking
	r.Use(RequestLogger(metrics))                              // Request logging (after ID is set)
	r.Use(CORSMiddleware(opts.CORSOrigins))                    // CORS (before limits so preflights pass)
	r.Use(RateLimitMiddleware(opts.RateLimit, opts.RateBurst)) // Rate limiting
	r.Use(TimeoutMiddleware(opts.ReqTimeout))                  // Request timeout

	s := &Server{
		Router:    r,
		Engine:    svc,
		Metrics:   metrics,
		JWTSecret: opts.JWTSecret,
	}
	s.routes(opts.Prom)
	return s
}

func (s *Server) routes(prom http.Handler) {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(prom))

	api := s.Router.Group("/api/v1")
	{
		api.GET("/metrics", s.getMetrics)

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/system/status", s.getSystemStatus)

			protected.GET("/bots", s.listBots)
			protected.GET("/bots/:user", s.getBotStatus)
			protected.GET("/bots/:user/risk", s.getRiskMetrics)
			protected.GET("/bots/:user/trades", s.getTrades)
			protected.GET("/bots/:user/sessions", s.getSessions)

			// Bot Actions
			protected.POST("/bots/:user/start", s.startBot)
			protected.POST("/bots/:user/stop", s.stopBot)
			protected.POST("/bots/:user/pause", s.pauseBot)
			protected.POST("/bots/:user/resume", s.resumeBot)
			protected.POST("/bots/:user/trades/:trade/close", s.closeTrade)

			protected.POST("/signals", s.publishSignal)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler returns the router for use with an http.Server.
func (s *Server) Handler() http.Handler {
	return s.Router
}
