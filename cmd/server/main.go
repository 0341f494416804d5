package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/neolens/backend/internal/api"
	"github.com/neolens/backend/internal/config"
	"github.com/neolens/backend/internal/logging"
	"github.com/neolens/backend/internal/session"
	"github.com/neolens/backend/internal/storage"
	"github.com/neolens/backend/internal/web"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// configFileName is looked up next to the executable unless NEOLENS_CONFIG is set
const configFileName = "neolens.yaml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "neolens: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath, err := resolveConfigPath()
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	fileStore, err := storage.NewLocalStore(cfg.GetUploadDir())
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	sessionMgr := session.NewManager(cfg, fileStore, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start background session cleanup
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := sessionMgr.CleanupOldSessions(cfg.SessionTimeout()); n > 0 {
					log.Info("session cleanup", zap.Int("removed", n))
				}
				// Uploads whose request died before a session claimed them
				if n := sessionMgr.SweepOrphanUploads(cfg.CleanupInterval()); n > 0 {
					log.Info("orphan uploads removed", zap.Int("removed", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	e := newServer(cfg, fileStore, sessionMgr, log)

	s := &http.Server{
		Addr:        cfg.GetServerAddr(),
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		IdleTimeout: time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	log.Info("neolens batch server starting",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("config", configPath),
		zap.String("listen", "http://"+cfg.GetServerAddr()),
		zap.String("data_dir", cfg.GetDataDir()),
		zap.Int("max_concurrent", cfg.Batch.MaxConcurrent))

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.StartServer(s)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func resolveConfigPath() (string, error) {
	if p := os.Getenv("NEOLENS_CONFIG"); p != "" {
		return p, nil
	}
	// Get the executable's directory for config resolution
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	return filepath.Join(filepath.Dir(exePath), configFileName), nil
}

func newServer(cfg *config.AppConfig, store storage.Store, sessionMgr *session.Manager, log *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	api.SetupMiddleware(e)

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			// Skip logging if disabled in config
			if !cfg.Logging.EnableRequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return strings.HasSuffix(path, "/progress") ||
				strings.HasPrefix(path, "/api/ws/") ||
				path == "/api/health"
		},
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				log.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Info("request", fields...)
			return nil
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Error("handler panicked", zap.Error(err), zap.ByteString("stack", stack))
			return err
		},
	}))

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return strings.HasSuffix(path, "/progress") ||
				strings.HasSuffix(path, "/upload") ||
				strings.HasPrefix(path, "/api/ws/") ||
				c.Request().Header.Get("Accept") == "text/event-stream"
		},
		ErrorMessage: "Request timeout",
	}))

	// Body limit middleware
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:  origins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
			ExposeHeaders: []string{echo.HeaderContentDisposition},
		}))
	}

	api.RegisterRoutes(e, api.NewHandlers(&api.Dependencies{
		Store:      store,
		SessionMgr: sessionMgr,
		Batch:      cfg.Batch,
		Version:    Version,
		Logger:     log,
	}))

	// Register embedded demo page if available
	if web.HasEmbeddedFiles() {
		if err := web.RegisterStaticRoutes(e); err != nil {
			log.Warn("failed to register static routes", zap.Error(err))
		}
	}

	return e
}
