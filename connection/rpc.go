package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slighter12/unreal-bridge-go/bridgeerr"
	"github.com/slighter12/unreal-bridge-go/logger"
	"github.com/slighter12/unreal-bridge-go/resultcodec"
	"github.com/slighter12/unreal-bridge-go/retry"
)

const (
	routeObjectCall = "/remote/object/call"
	routePresets    = "/remote/preset"

	maxResponseBytes = 32 << 20
)

// longRunningMarkers flag commands that get the extended request timeout.
var longRunningMarkers = []string{
	"build",
	"cook",
	"lighting",
	"package",
	"compile",
	"rebuildnavigation",
	"navmesh",
	"bake",
}

// TimeoutFor returns the request timeout for cmd: the long timeout for build/cook style work, otherwise
// the base timeout, never more than the configured maximum.
func (m *Manager) TimeoutFor(cmd Command) time.Duration {
	timeout := m.opts.RequestTimeout
	if isLongRunning(cmd) {
		timeout = m.opts.LongRequestTimeout
	}
	return min(timeout, m.opts.MaxRequestTimeout)
}

func isLongRunning(cmd Command) bool {
	texts := []string{cmd.FunctionName}
	for _, key := range []string{"Command", "PythonCommand"} {
		if s, ok := cmd.Parameters[key].(string); ok {
			texts = append(texts, s)
		}
	}
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, marker := range longRunningMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

// Call sends cmd to PUT /remote/object/call and returns the decoded JSON body. It fails with not_connected
// before any I/O when the manager is not connected. Request timeouts are retried a few times.
func (m *Manager) Call(ctx context.Context, cmd Command) (map[string]any, error) {
	if !m.IsConnected() {
		return nil, bridgeerr.NotConnected("call " + cmd.FunctionName)
	}
	if strings.TrimSpace(cmd.ObjectPath) == "" || strings.TrimSpace(cmd.FunctionName) == "" {
		return nil, bridgeerr.New(bridgeerr.KindInvalidArgument, "objectPath and functionName are required", nil)
	}

	timeout := m.TimeoutFor(cmd)
	return m.requestWithRetry(ctx, http.MethodPut, routeObjectCall, cmd, timeout)
}

// GetPresets lists the exposed Remote Control presets.
func (m *Manager) GetPresets(ctx context.Context) (map[string]any, error) {
	if !m.IsConnected() {
		return nil, bridgeerr.NotConnected("list presets")
	}
	return m.requestWithRetry(ctx, http.MethodGet, routePresets, nil, m.opts.RequestTimeout)
}

func (m *Manager) requestWithRetry(ctx context.Context, method, route string, body any, timeout time.Duration) (map[string]any, error) {
	cfg := retry.Config{
		MaxAttempts:  m.opts.RequestAttempts,
		InitialDelay: m.opts.RequestRetryDelay,
		MaxDelay:     max(m.opts.RequestRetryDelay, 5*time.Second),
		Multiplier:   2,
		Retryable: func(err error) bool {
			return bridgeerr.IsKind(err, bridgeerr.KindRequestTimeout)
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.Warn("remote control request timed out, retrying", "component", "connection",
				"route", route, "attempt", attempt, "delay", delay)
		},
	}
	return retry.DoWithResult(ctx, cfg, func(ctx context.Context, _ int) (map[string]any, error) {
		return m.doJSON(ctx, method, route, body, timeout)
	})
}

func (m *Manager) doJSON(ctx context.Context, method, route string, body any, timeout time.Duration) (map[string]any, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindInvalidArgument, err, "encode request body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, m.httpBase()+route, reader)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInvalidArgument, err, "build request")
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.opts.Metrics.ObserveRequest(route, false, time.Since(start))
		return nil, m.requestError(ctx, reqCtx, err, route, timeout)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		m.opts.Metrics.ObserveRequest(route, false, time.Since(start))
		return nil, m.requestError(ctx, reqCtx, err, route, timeout)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	m.opts.Metrics.ObserveRequest(route, ok, time.Since(start))
	logger.Debug("remote control response", "component", "connection", "route", route,
		"status", resp.StatusCode, "request_id", requestID, "elapsed", time.Since(start))

	if !ok {
		return nil, bridgeerr.RemoteExecution(
			fmt.Sprintf("Remote Control returned %d: %s", resp.StatusCode, errorMessage(raw, resp.Status)),
			map[string]any{"status": resp.StatusCode, "route": route},
		)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindResultParse, err,
			"Remote Control response is not a JSON object: "+resultcodec.Excerpt(string(raw)))
	}
	return decoded, nil
}

func (m *Manager) requestError(ctx, reqCtx context.Context, err error, route string, timeout time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return bridgeerr.Wrap(bridgeerr.KindRequestTimeout, err,
			fmt.Sprintf("Request to %s timed out after %s", route, timeout))
	}
	kind := bridgeerr.ClassifyTransport(err)
	if kind == bridgeerr.KindConnectionTimeout {
		kind = bridgeerr.KindRequestTimeout
	}
	return bridgeerr.Wrap(kind, err, "Remote Control request to "+route+" failed")
}

func errorMessage(raw []byte, fallback string) string {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, key := range []string{"errorMessage", "ErrorMessage", "error", "message"} {
			if msg, ok := body[key].(string); ok && msg != "" {
				return msg
			}
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return resultcodec.Excerpt(text)
	}
	return fallback
}
