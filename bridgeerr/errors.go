package bridgeerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies bridge failures so callers can decide whether to retry, surface or ignore them.
type Kind string

const (
	KindNotConnected      Kind = "not_connected"
	KindConnectionTimeout Kind = "connection_timeout"
	KindConnectionRefused Kind = "connection_refused"
	KindConnectionError   Kind = "connection_error"
	KindTransport         Kind = "transport_error"
	KindCommandBlocked    Kind = "command_blocked"
	KindRemoteExecution   Kind = "remote_execution_error"
	KindResultParse       Kind = "result_parse_error"
	KindRequestTimeout    Kind = "request_timeout"
	KindUnknownMode       Kind = "unknown_mode"
	KindInvalidArgument   Kind = "invalid_argument"
	KindQueueStopped      Kind = "queue_stopped"
)

// Error is the typed failure returned across the bridge's public surface.
type Error struct {
	Kind    Kind
	Message string
	Data    map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "bridge error"
	}
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("bridge error: %s", e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(kind Kind, message string, data map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Data: data}
}

// Wrap attaches a kind to an underlying error. A nil err still produces an error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NotConnected(operation string) *Error {
	return New(KindNotConnected, "Not connected to Unreal Engine", map[string]any{"operation": operation})
}

func CommandBlocked(command, reason string) *Error {
	return New(KindCommandBlocked, fmt.Sprintf("Command blocked for safety: %s", reason), map[string]any{
		"command": command,
		"reason":  reason,
	})
}

func RemoteExecution(message string, data map[string]any) *Error {
	if message == "" {
		message = "Remote execution failed"
	}
	return New(KindRemoteExecution, message, data)
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) {
		return bridgeErr, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	if bridgeErr, ok := As(err); ok {
		return bridgeErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func IsNotConnected(err error) bool {
	return IsKind(err, KindNotConnected)
}

func IsCommandBlocked(err error) bool {
	return IsKind(err, KindCommandBlocked)
}

// IsTransient reports whether a failure may succeed on retry.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindConnectionTimeout, KindConnectionRefused, KindConnectionError, KindRequestTimeout:
		return true
	default:
		return false
	}
}

var refusedPatterns = []string{
	"connection refused",
	"actively refused",
	"econnrefused",
}

var connectionPatterns = []string{
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"host is down",
	"unexpected eof",
	"eof",
	"bad handshake",
	"socket hang up",
}

// ClassifyTransport maps a raw dial or HTTP transport error to a bridge error kind. Only timeouts,
// refusals and the known connection-loss signatures come back as transient kinds.
func ClassifyTransport(err error) Kind {
	if err == nil {
		return ""
	}
	if kind := KindOf(err); kind != "" {
		return kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnectionTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindConnectionTimeout
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return KindConnectionTimeout
	}
	for _, pattern := range refusedPatterns {
		if strings.Contains(msg, pattern) {
			return KindConnectionRefused
		}
	}
	for _, pattern := range connectionPatterns {
		if strings.Contains(msg, pattern) {
			return KindConnectionError
		}
	}
	// Unrecognised failures (bad URL, TLS, protocol) will not fix themselves on retry.
	return KindTransport
}
