package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/openfroyo/envrun/pkg/engine"
	"github.com/openfroyo/envrun/pkg/telemetry"
)

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Engine    *engine.Engine
	Telemetry *telemetry.Telemetry

	// Auth verifies bearer tokens; nil disables authentication.
	Auth *Authenticator

	// Health is probed by /healthz; nil reports healthy.
	Health HealthChecker

	// AllowedOrigins enables CORS for the listed origins. "*" allows any.
	AllowedOrigins []string

	// MetricsPath defaults to /metrics.
	MetricsPath string
}

// Server is the envrun HTTP API.
type Server struct {
	engine  *engine.Engine
	events  *telemetry.EventPublisher
	metrics *telemetry.Metrics
	logger  *telemetry.Logger
	auth    *Authenticator
	health  HealthChecker

	router   *gin.Engine
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer builds the router.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("api: engine is required")
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	s := &Server{
		engine:  opts.Engine,
		events:  tel.Events,
		metrics: tel.Metrics,
		logger:  tel.Logger.NewComponentLogger("api"),
		auth:    opts.Auth,
		health:  opts.Health,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	if len(opts.AllowedOrigins) > 0 {
		router.Use(cors.New(corsConfig(opts.AllowedOrigins)))
	}

	router.GET("/healthz", s.healthz)
	router.GET(opts.MetricsPath, gin.WrapH(tel.Metrics.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(s.auth.Middleware())
	s.registerRoutes(v1)

	s.router = router
	return s, nil
}

func (s *Server) registerRoutes(v1 *gin.RouterGroup) {
	envs := v1.Group("/environments")
	{
		envs.GET("", s.listEnvironments)
		envs.POST("", s.createEnvironment)
		envs.GET("/:env", s.getEnvironment)
		envs.DELETE("/:env", s.deleteEnvironment)
		envs.POST("/:env/lock", s.lockEnvironment)
		envs.POST("/:env/unlock", s.unlockEnvironment)
		envs.GET("/:env/graph", s.getGraph)

		envs.GET("/:env/runs", s.listEnvironmentRuns)
		envs.POST("/:env/runs", s.startCascade)

		envs.GET("/:env/modules", s.listModules)
		envs.POST("/:env/modules", s.addModule)
		envs.GET("/:env/modules/:mod", s.getModule)
		envs.DELETE("/:env/modules/:mod", s.removeModule)
		envs.PUT("/:env/modules/:mod/version", s.updateModuleVersion)
		envs.POST("/:env/modules/:mod/runs", s.startModuleRun)
		envs.POST("/:env/modules/:mod/force-unlock", s.forceUnlock)
		envs.GET("/:env/modules/:mod/resolved-vars", s.resolvedVars)
		envs.PUT("/:env/modules/:mod/variables", s.setModuleVariable)

		envs.GET("/:env/dependencies", s.listDependencies)
		envs.POST("/:env/dependencies", s.addDependency)
		envs.DELETE("/:env/dependencies", s.removeDependency)

		envs.POST("/:env/bindings", s.bindSource)
	}

	v1.POST("/variable-sources", s.createVariableSource)

	envRuns := v1.Group("/environment-runs")
	{
		envRuns.GET("/:run", s.getEnvironmentRun)
		envRuns.POST("/:run/cancel", s.cancelEnvironmentRun)
		envRuns.GET("/:run/module-runs", s.listCascadeModuleRuns)
	}

	moduleRuns := v1.Group("/module-runs")
	{
		moduleRuns.GET("/:run", s.getModuleRun)
		moduleRuns.POST("/:run/confirm", s.confirmModuleRun)
		moduleRuns.POST("/:run/discard", s.discardModuleRun)
		moduleRuns.POST("/:run/cancel", s.cancelModuleRun)
		moduleRuns.GET("/:run/logs", s.listLogs)
		moduleRuns.GET("/:run/logs/stream", s.streamLogs)
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("api listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown failed: %w", err)
	}
	s.logger.Info("api stopped")
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"active_runs": s.engine.Runs.ActiveRuns(),
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		log := s.logger.WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   status,
			"duration": time.Since(start).String(),
		})
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("request")
		case status >= http.StatusBadRequest:
			log.Warn("request")
		default:
			log.Debug("request")
		}
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}
