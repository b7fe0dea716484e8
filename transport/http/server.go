package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/slighter12/unreal-bridge-go/bridge"
	"github.com/slighter12/unreal-bridge-go/connection"
	"github.com/slighter12/unreal-bridge-go/logger"
	"github.com/slighter12/unreal-bridge-go/metrics"
	"github.com/slighter12/unreal-bridge-go/script"
)

const (
	maxBodyLimit    = "1M"
	shutdownTimeout = 5 * time.Second
)

// Dispatcher is the bridge surface the admin server exposes.
type Dispatcher interface {
	Connect(ctx context.Context, timeout time.Duration) error
	Disconnect()
	Call(ctx context.Context, cmd connection.Command) (map[string]any, error)
	ExecuteConsoleCommand(ctx context.Context, command string) (bridge.Result, error)
	ExecuteConsoleCommands(ctx context.Context, commands []string) ([]bridge.CommandResult, error)
	ExecutePythonRequest(ctx context.Context, req script.Request) (bridge.Result, error)
	SetViewMode(ctx context.Context, name string) (bridge.Result, error)
	EnsurePluginsEnabled(ctx context.Context, names []string) ([]string, error)
	GetEngineVersion(ctx context.Context) (bridge.EngineVersion, error)
	ListPresets(ctx context.Context) (map[string]any, error)
	Status() bridge.Status
}

type Options struct {
	Addr           string
	Version        string
	ConnectTimeout time.Duration
	Metrics        *metrics.Metrics
}

type Server struct {
	dispatcher Dispatcher
	opts       Options
	echo       *echo.Echo
}

func NewServer(dispatcher Dispatcher, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "0.1.0"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	s := &Server{
		dispatcher: dispatcher,
		opts:       opts,
		echo:       echo.New(),
	}
	s.setupEcho()
	return s
}

// Echo exposes the router, mostly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) setupEcho() {
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	s.echo.Use(middleware.BodyLimit(maxBodyLimit))
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("admin request",
				"component", "admin",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			)
			return nil
		},
	}))
	RegisterRoutes(s.echo, s)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", "component", "admin", "address", s.opts.Addr)
		errCh <- s.echo.Start(s.opts.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
