package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/auth"
	"carbon-scribe/analytics-engine/internal/notifications/websocket"
	"carbon-scribe/analytics-engine/internal/plugin"
	"carbon-scribe/analytics-engine/internal/reports"
	"carbon-scribe/analytics-engine/internal/reports/dashboard"
	"carbon-scribe/analytics-engine/internal/reports/scheduler"
	"carbon-scribe/analytics-engine/pkg/security"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, websocket feed and report scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	a, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	cfg := a.cfg
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required to serve")
	}

	store, err := a.openRecordStore(ctx)
	if err != nil {
		return err
	}
	repo, err := a.openRepository()
	if err != nil {
		return err
	}

	ws := websocket.NewManager(a.logger)
	defer ws.Close()

	router, schedules, err := a.buildDelivery(ctx, ws)
	if err != nil {
		return err
	}

	opts := a.pluginOptions()
	opts.Repository = repo
	opts.Router = router
	opts.ScheduleStore = schedules
	opts.RunScheduler = cfg.Scheduler.Enabled

	p := plugin.New(opts)
	if _, err := p.Start(ctx, a.host(store,
		plugin.CapabilityRecordQuery,
		plugin.CapabilitySecurityContext,
		plugin.CapabilityOutboundNetwork,
	)); err != nil {
		return err
	}
	defer p.Stop()

	parser := security.NewTokenParser(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	engine := newRouter(cfg.Server.Mode, a.logger, p, ws, parser, cfg.Engine.ExecutionTimeout.Std())

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	a.logger.Info("Server started", zap.String("addr", srv.Addr))

	select {
	case err := <-serveErr:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("Server exiting")
	return nil
}

// newRouter mounts the public, authenticated and websocket routes.
func newRouter(mode string, logger *zap.Logger, p *plugin.Plugin, ws *websocket.Manager, parser *security.TokenParser, timeout time.Duration) *gin.Engine {
	gin.SetMode(mode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), cors())

	r.GET("/health", func(c *gin.Context) {
		report := p.Health(c.Request.Context())
		status := http.StatusOK
		if report.Status == plugin.HealthUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	})

	websocket.NewHandler(ws, parser, logger).RegisterRoutes(r)

	requireIdentity := auth.Middleware(parser, logger)
	api := r.Group("/api/v1")
	auth.RegisterRoutes(api, auth.NewHandler(), requireIdentity)

	api.GET("/plugin/capabilities", requireIdentity, func(c *gin.Context) { c.JSON(http.StatusOK, p.Capabilities()) })
	api.GET("/plugin/security", requireIdentity, func(c *gin.Context) { c.JSON(http.StatusOK, p.Security()) })

	protected := api.Group("", requireIdentity, executionTimeout(timeout))
	reports.NewHandler(p.Reports(), logger).RegisterRoutes(protected)
	dashboard.NewHandler(p.Dashboards(), logger).RegisterRoutes(protected)
	scheduler.NewHandler(p.Scheduler(), logger).RegisterRoutes(protected)

	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// executionTimeout bounds ad-hoc executions; the engine turns the expired
// deadline into a TimeoutError at the next stage boundary.
func executionTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
