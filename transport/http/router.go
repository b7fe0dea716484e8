package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/slighter12/unreal-bridge-go/bridgeerr"
	"github.com/slighter12/unreal-bridge-go/connection"
	"github.com/slighter12/unreal-bridge-go/logger"
	"github.com/slighter12/unreal-bridge-go/script"
)

func RegisterRoutes(e *echo.Echo, s *Server) {
	e.GET("/", s.handleInfo)
	e.GET("/healthz", s.handleHealth)
	e.GET("/status", s.handleStatus)
	e.GET("/metrics", echo.WrapHandler(s.opts.Metrics.Handler()))
	e.POST("/connect", s.handleConnect)
	e.POST("/disconnect", s.handleDisconnect)
	e.POST("/console", s.handleConsole)
	e.POST("/python", s.handlePython)
	e.POST("/call", s.handleCall)
	e.POST("/viewmode", s.handleViewMode)
	e.POST("/plugins/ensure", s.handleEnsurePlugins)
	e.GET("/engine/version", s.handleEngineVersion)
	e.GET("/presets", s.handlePresets)
}

type errorResponse struct {
	Error string         `json:"error"`
	Kind  string         `json:"kind,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

type connectRequest struct {
	TimeoutMS int `json:"timeout_ms"`
}

type consoleRequest struct {
	Command  string   `json:"command"`
	Commands []string `json:"commands"`
}

type pythonRequest struct {
	Code  string `json:"code"`
	Mode  string `json:"mode"`
	Label string `json:"label"`
}

type viewModeRequest struct {
	Mode string `json:"mode"`
}

type pluginsRequest struct {
	Plugins []string `json:"plugins"`
}

func (s *Server) handleInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"type":    "unreal-bridge",
		"version": s.opts.Version,
		"endpoints": []string{
			"/healthz", "/status", "/metrics", "/connect", "/disconnect", "/console",
			"/python", "/call", "/viewmode", "/plugins/ensure", "/engine/version", "/presets",
		},
	})
}

// handleHealth reports liveness of the bridge process. Editor reachability is
// reported separately so a disconnected editor does not fail the probe.
func (s *Server) handleHealth(c echo.Context) error {
	status := s.dispatcher.Status()
	return c.JSON(http.StatusOK, map[string]any{
		"ok":        true,
		"connected": status.Connection.State == connection.StateConnected.String(),
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.dispatcher.Status())
}

func (s *Server) handleConnect(c echo.Context) error {
	var req connectRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid connect request")
		}
	}
	timeout := s.opts.ConnectTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if err := s.dispatcher.Connect(c.Request().Context(), timeout); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, s.dispatcher.Status())
}

func (s *Server) handleDisconnect(c echo.Context) error {
	s.dispatcher.Disconnect()
	return c.JSON(http.StatusOK, s.dispatcher.Status())
}

func (s *Server) handleConsole(c echo.Context) error {
	var req consoleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid console request")
	}
	ctx := c.Request().Context()

	if len(req.Commands) > 0 {
		results, err := s.dispatcher.ExecuteConsoleCommands(ctx, req.Commands)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"results": results})
	}

	if strings.TrimSpace(req.Command) == "" {
		return badRequest(c, "command is required")
	}
	result, err := s.dispatcher.ExecuteConsoleCommand(ctx, req.Command)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handlePython(c echo.Context) error {
	var req pythonRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid python request")
	}
	mode := script.Mode(strings.ToLower(strings.TrimSpace(req.Mode)))
	switch mode {
	case "", script.ModeAuto, script.ModeStatement, script.ModeFile:
	default:
		return badRequest(c, "mode must be one of auto, statement, file")
	}
	result, err := s.dispatcher.ExecutePythonRequest(c.Request().Context(), script.Request{
		Code:  req.Code,
		Mode:  mode,
		Label: req.Label,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleCall(c echo.Context) error {
	var cmd connection.Command
	if err := c.Bind(&cmd); err != nil {
		return badRequest(c, "invalid call request")
	}
	resp, err := s.dispatcher.Call(c.Request().Context(), cmd)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleViewMode(c echo.Context) error {
	var req viewModeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid view mode request")
	}
	result, err := s.dispatcher.SetViewMode(c.Request().Context(), req.Mode)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleEnsurePlugins(c echo.Context) error {
	var req pluginsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid plugins request")
	}
	missing, err := s.dispatcher.EnsurePluginsEnabled(c.Request().Context(), req.Plugins)
	if err != nil {
		return writeError(c, err)
	}
	if missing == nil {
		missing = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":      len(missing) == 0,
		"missing": missing,
	})
}

func (s *Server) handleEngineVersion(c echo.Context) error {
	version, err := s.dispatcher.GetEngineVersion(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, version)
}

func (s *Server) handlePresets(c echo.Context) error {
	presets, err := s.dispatcher.ListPresets(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, presets)
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: message, Kind: string(bridgeerr.KindInvalidArgument)})
}

func writeError(c echo.Context, err error) error {
	status := StatusFor(err)
	resp := errorResponse{Error: err.Error()}
	if bridgeErr, ok := bridgeerr.As(err); ok {
		resp.Kind = string(bridgeErr.Kind)
		resp.Data = bridgeErr.Data
	}
	if status >= http.StatusInternalServerError {
		logger.Warn("admin request failed", "component", "admin", "path", c.Path(), "kind", resp.Kind, "error", err)
	}
	return c.JSON(status, resp)
}

// StatusFor maps a bridge failure onto an HTTP status code.
func StatusFor(err error) int {
	switch bridgeerr.KindOf(err) {
	case bridgeerr.KindNotConnected, bridgeerr.KindQueueStopped:
		return http.StatusServiceUnavailable
	case bridgeerr.KindCommandBlocked:
		return http.StatusForbidden
	case bridgeerr.KindUnknownMode, bridgeerr.KindInvalidArgument:
		return http.StatusBadRequest
	case bridgeerr.KindRequestTimeout, bridgeerr.KindConnectionTimeout:
		return http.StatusGatewayTimeout
	case "":
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
