// Package httpapi wires the auth validator, chunk upload coordinator, and
// deploy executor into the HTTP surface described by spec.md §6.
package httpapi

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/fruworg/fde/internal/audit"
	"github.com/fruworg/fde/internal/chunkstore"
	"github.com/fruworg/fde/internal/config"
	"github.com/fruworg/fde/internal/deploy"
)

// Version is set at build time via -ldflags; "dev" otherwise.
var Version = "dev"

// App wires every server-side component into an echo.Echo instance.
type App struct {
	server    *echo.Echo
	serverCfg *config.Server

	store    *chunkstore.Manager
	executor *deploy.Executor
	auditLog *audit.Log

	startedAt time.Time
}

// New wires a complete App from a resolved server config. auditLog may be
// nil (audit recording becomes a no-op).
func New(cfg *config.Server, store *chunkstore.Manager, executor *deploy.Executor, auditLog *audit.Log) *App {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Deploys can run long; the idle timeout is set generously per
	// spec.md §5, while short endpoints rely on client-side timeouts.
	e.Server.ReadHeaderTimeout = 30 * time.Second
	e.Server.IdleTimeout = 255 * time.Second

	a := &App{
		server:    e,
		serverCfg: cfg,
		store:     store,
		executor:  executor,
		auditLog:  auditLog,
		startedAt: time.Now(),
	}

	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(securityHeaders())
	e.Use(echomw.BodyLimit("2G"))

	a.registerRoutes(e)
	return a
}

func (a *App) registerRoutes(e *echo.Echo) {
	e.GET("/ping", a.handlePing)
	e.GET("/health", a.handleHealth)
	e.POST("/verify", a.handleVerify)
	e.POST("/upload", a.handleUpload)

	e.POST("/upload/init", a.handleUploadInit)
	e.POST("/upload/chunk", a.handleUploadChunk)
	e.POST("/upload/complete", a.handleUploadComplete)
	e.GET("/upload/status", a.handleUploadStatus)
	e.DELETE("/upload/cancel", a.handleUploadCancel)

	e.POST("/deploy", a.handleDeploy)
	e.GET("/deploy/status", a.handleDeployStatus)
}

// Start begins serving on the configured port in the background.
func (a *App) Start() {
	addr := fmt.Sprintf(":%d", a.serverCfg.Port)
	go func() {
		if err := a.server.Start(addr); err != nil {
			log.Printf("[httpapi] server stopped: %v", err)
		}
	}()
	log.Printf("[httpapi] listening on %s", addr)
}

// Shutdown gracefully stops the HTTP server.
func (a *App) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}
