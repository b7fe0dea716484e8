package connection

import (
	"net/http"
	"time"

	"github.com/slighter12/unreal-bridge-go/metrics"
)

// State is the lifecycle state of the editor connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateError means automatic reconnection gave up. An explicit Connect leaves it.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Command is one remote function call. It is sent as-is and never mutated.
type Command struct {
	ObjectPath          string         `json:"objectPath"`
	FunctionName        string         `json:"functionName"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	GenerateTransaction bool           `json:"generateTransaction"`
}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	Host     string
	HTTPPort int
	WSPort   int

	AutoReconnect         bool
	ConnectTimeout        time.Duration
	ReconnectMaxAttempts  int
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	RequestTimeout     time.Duration
	LongRequestTimeout time.Duration
	MaxRequestTimeout  time.Duration
	RequestAttempts    int
	RequestRetryDelay  time.Duration

	Dialer     Dialer
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

const (
	DefaultHost     = "127.0.0.1"
	DefaultHTTPPort = 30010
	DefaultWSPort   = 30020
)

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.HTTPPort <= 0 {
		o.HTTPPort = DefaultHTTPPort
	}
	if o.WSPort <= 0 {
		o.WSPort = DefaultWSPort
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.ReconnectMaxAttempts <= 0 {
		o.ReconnectMaxAttempts = 5
	}
	if o.ReconnectInitialDelay <= 0 {
		o.ReconnectInitialDelay = 2 * time.Second
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.LongRequestTimeout <= 0 {
		o.LongRequestTimeout = 10 * time.Minute
	}
	if o.MaxRequestTimeout <= 0 {
		o.MaxRequestTimeout = 30 * time.Minute
	}
	if o.RequestAttempts <= 0 {
		o.RequestAttempts = 3
	}
	if o.RequestRetryDelay <= 0 {
		o.RequestRetryDelay = 500 * time.Millisecond
	}
	if o.Dialer == nil {
		o.Dialer = NewWebsocketDialer(o.ConnectTimeout)
	}
	return o
}

// Snapshot is a read-only view of the manager for status reporting.
type Snapshot struct {
	State             string `json:"state"`
	Host              string `json:"host"`
	HTTPPort          int    `json:"http_port"`
	WSPort            int    `json:"ws_port"`
	AutoReconnect     bool   `json:"auto_reconnect"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
}
