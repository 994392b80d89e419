package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/events"
	intnet "github.com/parknet-project/parknet/internal/network"
	"github.com/parknet-project/parknet/internal/session"
)

// requestTimeout bounds how long a handler waits for the session loop.
const requestTimeout = 5 * time.Second

// Server is the admin REST API of a running session server.
type Server struct {
	cfg      config.APIConfig
	session  *session.Server
	eventBus *events.EventBus

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg config.APIConfig, sess *session.Server, eventBus *events.EventBus, debug bool) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		session:  sess,
		eventBus: eventBus,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR so a restarted server can rebind immediately
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the API on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.httpServer == nil {
		s.httpServer = &http.Server{Handler: s.router}
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must be false with "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleGetInfo)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(s.cfg.Token))

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/status", s.handleGetStatus)
		monitor.GET("/players", s.handleGetPlayers)
		monitor.GET("/groups", s.handleGetGroups)
		monitor.GET("/ticks", s.handleGetTicks)
	}

	control := protected.Group("/control")
	{
		control.POST("/players/:id/kick", s.handleKickPlayer)
		control.POST("/players/:id/ban", s.handleBanPlayer)
		control.PUT("/players/:id/group", s.handleSetPlayerGroup)
		control.POST("/chat", s.handleChat)
		control.POST("/actions", s.handleSubmitAction)
	}

	configure := protected.Group("/configure")
	{
		configure.POST("/groups", s.handleCreateGroup)
		configure.DELETE("/groups/:id", s.handleDeleteGroup)
		configure.PUT("/groups/:id", s.handleUpdateGroup)
		configure.PUT("/default_group", s.handleSetDefaultGroup)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// do runs fn on the session loop, bounded by the request context.
func (s *Server) do(c *gin.Context, fn func(*session.Server)) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	if err := s.session.Do(ctx, fn); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
