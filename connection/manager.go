// Package connection owns the dual-channel link to the editor: a persistent websocket used for liveness
// and an HTTP request/response channel used for Remote Control calls.
//
// State changes happen only in this file, under Manager.mu. A connect attempt settles exactly once, and
// every concurrent Connect joins the attempt already in flight.
package connection

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/slighter12/unreal-bridge-go/bridgeerr"
	"github.com/slighter12/unreal-bridge-go/logger"
	"github.com/slighter12/unreal-bridge-go/retry"
)

type connectAttempt struct {
	once   sync.Once
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func (a *connectAttempt) settle(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Manager is the single shared connection to one editor instance.
type Manager struct {
	opts       Options
	httpClient *http.Client

	mu                sync.Mutex
	state             State
	socket            Socket
	readDone          chan struct{}
	attempt           *connectAttempt
	autoReconnect     bool
	reconnectTimer    *time.Timer
	reconnectAttempts int
	generation        uint64
	onConnected       []func()
	onDisconnected    []func(error)

	wg sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	client := opts.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		client = &http.Client{Transport: transport}
	}
	m := &Manager{
		opts:          opts,
		httpClient:    client,
		autoReconnect: opts.AutoReconnect,
	}
	opts.Metrics.SetConnectionState(int(StateDisconnected))
	return m
}

// OnConnected registers fn to run after every transition to connected, before Connect returns.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	m.onConnected = append(m.onConnected, fn)
	m.mu.Unlock()
}

// OnDisconnected registers fn to run after the connection is lost or closed.
func (m *Manager) OnDisconnected(fn func(err error)) {
	m.mu.Lock()
	m.onDisconnected = append(m.onDisconnected, fn)
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

func (m *Manager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	m.autoReconnect = enabled
	if !enabled && m.reconnectTimer != nil {
		if m.reconnectTimer.Stop() {
			m.wg.Done()
		}
		m.reconnectTimer = nil
	}
	m.mu.Unlock()
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:             m.state.String(),
		Host:              m.opts.Host,
		HTTPPort:          m.opts.HTTPPort,
		WSPort:            m.opts.WSPort,
		AutoReconnect:     m.autoReconnect,
		ReconnectAttempts: m.reconnectAttempts,
	}
}

func (m *Manager) wsURL() string {
	return "ws://" + net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.WSPort))
}

func (m *Manager) httpBase() string {
	return "http://" + net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.HTTPPort))
}

// Connect opens the persistent channel, waiting at most timeout for it to open. It returns immediately when
// already connected and joins the pending attempt when one is in flight.
func (m *Manager) Connect(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	attempt := m.attempt
	if attempt == nil {
		attempt = m.beginAttemptLocked(timeout)
	}
	m.mu.Unlock()

	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) beginAttemptLocked(timeout time.Duration) *connectAttempt {
	if timeout <= 0 {
		timeout = m.opts.ConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), timeout)
	attempt := &connectAttempt{done: make(chan struct{}), cancel: cancel}
	m.attempt = attempt
	m.setStateLocked(StateConnecting)

	m.wg.Add(1)
	go m.dial(dialCtx, attempt, timeout)
	return attempt
}

func (m *Manager) dial(ctx context.Context, attempt *connectAttempt, timeout time.Duration) {
	defer m.wg.Done()
	defer attempt.cancel()

	url := m.wsURL()
	logger.Debug("opening remote control websocket", "component", "connection", "url", url)
	sock, err := m.opts.Dialer.Dial(ctx, url)

	m.mu.Lock()
	if m.attempt != attempt {
		// Disconnect aborted this attempt and already settled it.
		m.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	m.attempt = nil

	if err != nil {
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.opts.Metrics.ObserveConnectAttempt(false)
		attempt.settle(dialError(err, url, timeout))
		return
	}

	m.socket = sock
	m.readDone = make(chan struct{})
	m.reconnectAttempts = 0
	m.setStateLocked(StateConnected)
	hooks := slices.Clone(m.onConnected)
	m.wg.Add(1)
	go m.readLoop(sock, m.readDone)
	m.mu.Unlock()

	m.opts.Metrics.ObserveConnectAttempt(true)
	logger.Info("connected to Unreal Engine", "component", "connection", "url", url)
	for _, hook := range hooks {
		hook()
	}
	attempt.settle(nil)
}

func dialError(err error, url string, timeout time.Duration) error {
	kind := bridgeerr.ClassifyTransport(err)
	switch kind {
	case bridgeerr.KindConnectionTimeout:
		return bridgeerr.Wrap(kind, err, fmt.Sprintf("Connection timeout after %s (%s)", timeout, url))
	case bridgeerr.KindConnectionRefused:
		return bridgeerr.Wrap(kind, err, fmt.Sprintf("Connection refused (%s); is the editor running with Remote Control enabled?", url))
	case bridgeerr.KindConnectionError:
		return bridgeerr.Wrap(kind, err, fmt.Sprintf("Connection error (%s)", url))
	default:
		return bridgeerr.Wrap(bridgeerr.KindTransport, err, fmt.Sprintf("Cannot open channel (%s)", url))
	}
}

func (m *Manager) readLoop(sock Socket, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			m.handleSocketClosed(sock, err)
			return
		}
		logger.Debug("remote control event", "component", "connection", "bytes", len(data))
	}
}

// handleSocketClosed runs on the read loop when the socket fails. It is a no-op if Disconnect already
// detached the socket.
func (m *Manager) handleSocketClosed(sock Socket, cause error) {
	m.mu.Lock()
	if m.socket != sock {
		m.mu.Unlock()
		return
	}
	m.socket = nil
	m.readDone = nil
	m.setStateLocked(StateDisconnected)
	hooks := slices.Clone(m.onDisconnected)
	if m.autoReconnect {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	_ = sock.Close()
	logger.Warn("remote control websocket closed", "component", "connection", "error", cause)

	lost := bridgeerr.Wrap(bridgeerr.KindConnectionError, cause, "Connection to Unreal Engine lost")
	for _, hook := range hooks {
		hook(lost)
	}
}

func (m *Manager) scheduleReconnectLocked() {
	if m.reconnectTimer != nil || m.attempt != nil {
		return
	}
	if m.reconnectAttempts >= m.opts.ReconnectMaxAttempts {
		m.setStateLocked(StateError)
		logger.Warn("giving up on automatic reconnect", "component", "connection", "attempts", m.reconnectAttempts)
		return
	}

	m.reconnectAttempts++
	delay := m.opts.ReconnectInitialDelay
	for i := 1; i < m.reconnectAttempts; i++ {
		delay = retry.Next(delay, 1.5, m.opts.ReconnectMaxDelay)
	}
	generation := m.generation
	m.opts.Metrics.ObserveReconnect()
	logger.Info("scheduling reconnect", "component", "connection", "attempt", m.reconnectAttempts, "delay", delay)

	m.wg.Add(1)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		defer m.wg.Done()
		m.reconnect(generation)
	})
}

func (m *Manager) reconnect(generation uint64) {
	m.mu.Lock()
	if generation != m.generation {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	if !m.autoReconnect || m.state == StateConnected || m.attempt != nil {
		m.mu.Unlock()
		return
	}
	attempt := m.beginAttemptLocked(m.opts.ConnectTimeout)
	m.mu.Unlock()

	<-attempt.done
	if attempt.err == nil {
		return
	}

	logger.Debug("reconnect attempt failed", "component", "connection", "error", attempt.err)
	m.mu.Lock()
	if generation == m.generation && m.autoReconnect && m.state == StateDisconnected {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()
}

// TryConnect retries Connect with backoff on transient failures and reports whether it got connected.
// An unreachable editor is an expected outcome, so it never returns an error.
func (m *Manager) TryConnect(ctx context.Context, maxAttempts int, perAttemptTimeout, initialDelay time.Duration) bool {
	cfg := retry.Connect(maxAttempts, initialDelay)
	err := retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		err := m.Connect(ctx, perAttemptTimeout)
		if err == nil {
			return nil
		}
		logger.Debug("connect attempt failed", "component", "connection", "attempt", attempt, "error", err)
		if !bridgeerr.IsTransient(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		logger.Info("Unreal Engine not reachable", "component", "connection", "attempts", maxAttempts, "error", err)
		return false
	}
	return true
}

// Disconnect cancels any pending reconnect or connect attempt and closes the socket. It is safe to call
// when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.generation++
	if m.reconnectTimer != nil {
		if m.reconnectTimer.Stop() {
			m.wg.Done()
		}
		m.reconnectTimer = nil
	}
	attempt := m.attempt
	m.attempt = nil
	sock, readDone := m.socket, m.readDone
	m.socket, m.readDone = nil, nil
	wasConnected := m.state == StateConnected
	m.reconnectAttempts = 0
	m.setStateLocked(StateDisconnected)
	var hooks []func(error)
	if wasConnected {
		hooks = slices.Clone(m.onDisconnected)
	}
	m.mu.Unlock()

	if attempt != nil {
		attempt.cancel()
		attempt.settle(bridgeerr.New(bridgeerr.KindConnectionError, "Connect attempt aborted by disconnect", nil))
	}
	if sock != nil {
		_ = sock.Close()
		<-readDone
		logger.Info("disconnected from Unreal Engine", "component", "connection")
	}

	reason := bridgeerr.NotConnected("disconnect")
	for _, hook := range hooks {
		hook(reason)
	}
}

// Close disconnects and waits for every background goroutine to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.autoReconnect = false
	m.mu.Unlock()
	m.Disconnect()
	m.wg.Wait()
	m.httpClient.CloseIdleConnections()
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	logger.Debug("connection state changed", "component", "connection", "from", m.state.String(), "to", state.String())
	m.state = state
	m.opts.Metrics.SetConnectionState(int(state))
}
