package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/slighter12/unreal-bridge-go/bridgeerr"
	"github.com/slighter12/unreal-bridge-go/connection"
	"github.com/slighter12/unreal-bridge-go/queue"
	"github.com/slighter12/unreal-bridge-go/script"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type idleSocket struct {
	once   sync.Once
	closed chan struct{}
}

func (s *idleSocket) ReadMessage() (int, []byte, error) {
	<-s.closed
	return 0, nil, net.ErrClosed
}

func (s *idleSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type idleDialer struct{}

func (idleDialer) Dial(context.Context, string) (connection.Socket, error) {
	return &idleSocket{closed: make(chan struct{})}, nil
}

// fakeEditor answers Remote Control calls by function name and records every request.
type fakeEditor struct {
	mu       sync.Mutex
	calls    []connection.Command
	handlers map[string]func(cmd connection.Command) (int, map[string]any)
	srv      *httptest.Server
}

func newFakeEditor(t *testing.T) *fakeEditor {
	t.Helper()
	f := &fakeEditor{handlers: map[string]func(connection.Command) (int, map[string]any){}}
	e := echo.New()
	e.PUT("/remote/object/call", func(c echo.Context) error {
		var cmd connection.Command
		if err := c.Bind(&cmd); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"errorMessage": err.Error()})
		}
		f.mu.Lock()
		f.calls = append(f.calls, cmd)
		handler := f.handlers[cmd.FunctionName]
		f.mu.Unlock()
		if handler == nil {
			return c.JSON(http.StatusOK, map[string]any{"ReturnValue": true})
		}
		status, body := handler(cmd)
		return c.JSON(status, body)
	})
	e.GET("/remote/preset", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"Presets": []any{}})
	})
	f.srv = httptest.NewServer(e)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEditor) handle(function string, fn func(cmd connection.Command) (int, map[string]any)) {
	f.mu.Lock()
	f.handlers[function] = fn
	f.mu.Unlock()
}

func (f *fakeEditor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEditor) consoleCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if cmd, ok := c.Parameters["Command"].(string); ok {
			out = append(out, cmd)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBridge(t *testing.T, f *fakeEditor, mutate func(*Options)) (*Bridge, *testClock) {
	t.Helper()
	u, err := url.Parse(f.srv.URL)
	require.NoError(t, err)
	host, portText, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)}
	opts := Options{
		Connection: connection.Options{
			Host:              host,
			HTTPPort:          port,
			Dialer:            idleDialer{},
			RequestRetryDelay: time.Millisecond,
		},
		Queue:         queue.Config{MaxConcurrent: 2, Interval: 10 * time.Millisecond},
		ScriptLineGap: time.Millisecond,
		Now:           clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	b := New(opts)
	t.Cleanup(b.Close)
	return b, clock
}

func connectBridge(t *testing.T, b *Bridge) {
	t.Helper()
	require.NoError(t, b.Connect(context.Background(), time.Second))
}

func pythonMarker(payload string) func(connection.Command) (int, map[string]any) {
	return func(connection.Command) (int, map[string]any) {
		return http.StatusOK, map[string]any{
			"ReturnValue": true,
			"LogOutput": []any{
				map[string]any{"Type": "Info", "Output": "LogPython: unrelated noise"},
				map[string]any{"Type": "Info", "Output": "RESULT:" + payload},
				map[string]any{"Type": "Info", "Output": "LogPython: more noise"},
			},
		}
	}
}

func TestBlockedCommandNeverReachesEditor(t *testing.T) {
	f := newFakeEditor(t)
	b, _ := newTestBridge(t, f, nil)
	connectBridge(t, b)

	for _, command := range []string{"quit", "exit", "stat fps && quit", "r.gpucrash", "stat fps\nquit"} {
		_, err := b.ExecuteConsoleCommand(context.Background(), command)
		require.Error(t, err, command)
		assert.True(t, bridgeerr.IsCommandBlocked(err), "expected %q to be blocked, got %v", command, err)
	}
	assert.Equal(t, 0, f.callCount())
}

func TestBlockedCommandBeforeConnect(t *testing.T) {
	f := newFakeEditor(t)
	b, _ := newTestBridge(t, f, nil)

	_, err := b.ExecuteConsoleCommand(context.Background(), "quit")
	assert.True(t, bridgeerr.IsCommandBlocked(err))

	_, err = b.ExecuteConsoleCommand(context.Background(), "stat fps")
	assert.True(t, bridgeerr.IsNotConnected(err))
	assert.Equal(t, 0, f.callCount())
}

func TestRawCallIsScreened(t *testing.T) {
	f := newFakeEditor(t)
	b, _ := newTestBridge(t, f, nil)

	calls := []connection.Command{
		script.ConsoleCommand("quit"),
		script.ConsoleCommand("stat fps && r.gpucrash"),
		{
			ObjectPath:   script.PythonLibraryPath,
			FunctionName: "ExecutePythonCommand",
			Parameters:   map[string]any{"PythonCommand": "import os; os.system('shutdown')"},
		},
	}

	// Screening happens before the connection check.
	for _, cmd := range calls {
		_, err := b.Call(context.Background(), cmd)
		assert.True(t, bridgeerr.IsCommandBlocked(err), "expected %v to be blocked, got %v", cmd.Parameters, err)
	}

	connectBridge(t, b)
	for _, cmd := range calls {
		_, err := b.Call(context.Background(), cmd)
		assert.True(t, bridgeerr.IsCommandBlocked(err), "expected %v to be blocked, got %v", cmd.Parameters, err)
	}
	assert.Equal(t, 0, f.callCount())

	_, err := b.Call(context.Background(), script.ConsoleCommand("stat fps"))
	require.NoError(t, err)
	assert.Equal(t, []string{"stat fps"}, f.consoleCommands())
}

func TestConsoleCommandSuccess(t *testing.T) {
	f := newFakeEditor(t)
	b, _ := newTestBridge(t, f, nil)
	connectBridge(t, b)

	result, err := b.ExecuteConsoleCommand(context.Background(), "  stat fps ")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"stat fps"}, f.consoleCommands())
}

func TestConsoleRemoteFailureIsResult(t *testing.T) {
	f := newFakeEditor(t)
	f.handle("ExecuteConsoleCommand", func(connection.Command) (int, map[string]any) {
		return http.StatusBadRequest, map[string]any{"errorMessage": "Failed to find function"}
	})
	b, _ := newTestBridge(t, f, nil)
	connectBridge(t, b)

	result, err := b.ExecuteConsoleCommand(context.Background(), "stat unit")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Failed to find function")
	assert.Equal(t, string(bridgeerr.KindRemoteExecution), result.ErrorKind)
}

func TestConsoleBatchContinuesPastBlocked(t *testing.T) {
	f := newFakeEditor(t)
	b, _ := newTestBridge(t, f, nil)
	connectBridge(t, b)

	results, err := b.ExecuteConsoleCommands(context.Background(), []string{"stat fps", "quit", "stat unit"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, string(bridgeerr.KindCommandBlocked), results[1].ErrorKind)
	assert.True(t, results[2].Success)
	assert.Equal(t, []string{"stat fps", "stat unit"}, f.consoleCommands())
}

func TestBaseColorViewModeIsSubstituted(t *testing.T) {
	f := newFakeEditor(t)
	b, _ := newTestBridge(t, f, nil)
	connectBridge(t, b)

	result, err := b.SetViewMode(context.Background(), "BaseColor")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, true, result.Payload["substituted"])
	assert.Equal(t, "Lit", result.Payload["applied"])
	assert.NotEmpty(t, result.Warnings)

	commands := f.consoleCommands()
	require.Len(t, commands, 1)
	assert.True(t, strings.EqualFold(commands[0], "viewmode lit"), "got %q", commands[0])
}

func TestUnknownViewMode(t *testing.T) {
	f := newFakeEditor(t)
	b, _ := newTestBridge(t, f, nil)
	connectBridge(t, b)

	_, err := b.SetViewMode(context.Background(), "Psychedelic")
	require.Error(t, err)
	bridgeErr, ok := bridgeerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindUnknownMode, bridgeErr.Kind)
	assert.NotEmpty(t, bridgeErr.Data["accepted"])
	assert.Equal(t, 0, f.callCount())
}

func TestExecutePythonDecodesMarker(t *testing.T) {
	f := newFakeEditor(t)
	f.handle("ExecutePythonCommandEx", pythonMarker(`{"success":true,"value":42}`))
	b, _ := newTestBridge(t, f, nil)
	connectBridge(t, b)

	result, err := b.ExecutePython(context.Background(), "print('hi')")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, map[string]any{"value": float64(42)}, result.Payload)
}

func TestExecutePythonRejectsForbiddenCalls(t *testing.T) {
	f := newFakeEditor(t)
	b, _ := newTestBridge(t, f, nil)
	connectBridge(t, b)

	_, err := b.ExecutePython(context.Background(), "import subprocess\nsubprocess.run(['rm'])")
	assert.True(t, bridgeerr.IsCommandBlocked(err))
	assert.Equal(t, 0, f.callCount())
}

func TestEnsurePluginsBatchesColdLookups(t *testing.T) {
	f := newFakeEditor(t)
	f.handle("ExecutePythonCommandEx", pythonMarker(`{"success":true,"enabled":{"A":true,"B":false}}`))
	b, clock := newTestBridge(t, f, func(o *Options) { o.PluginTTL = time.Minute })
	connectBridge(t, b)

	missing, err := b.EnsurePluginsEnabled(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, missing)
	assert.Equal(t, 1, f.callCount(), "both cold names must share one query")

	clock.Advance(30 * time.Second)
	_, err = b.EnsurePluginsEnabled(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.callCount(), "fresh entries must not re-query")

	clock.Advance(31 * time.Second)
	_, err = b.EnsurePluginsEnabled(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.callCount(), "expired entries must re-query exactly once")
}

func scriptingDisabled(editor *fakeEditor) {
	fail := func(connection.Command) (int, map[string]any) {
		return http.StatusNotFound, map[string]any{"errorMessage": "Object /Script/PythonScriptPlugin not found"}
	}
	editor.handle("ExecutePythonCommandEx", fail)
	editor.handle("ExecutePythonCommand", fail)
	editor.handle("ExecuteConsoleCommand", fail)
}

func TestEnsurePluginsOptimisticFallback(t *testing.T) {
	f := newFakeEditor(t)
	scriptingDisabled(f)
	b, _ := newTestBridge(t, f, nil)
	connectBridge(t, b)

	missing, err := b.EnsurePluginsEnabled(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestEnsurePluginsPessimisticPolicy(t *testing.T) {
	f := newFakeEditor(t)
	scriptingDisabled(f)
	b, _ := newTestBridge(t, f, func(o *Options) { o.PluginPolicy = PolicyPessimistic })
	connectBridge(t, b)

	_, err := b.EnsurePluginsEnabled(context.Background(), []string{"A"})
	require.Error(t, err)
	assert.Equal(t, 0, b.plugins.Len())
}

func TestGetEngineVersionCachedAndShared(t *testing.T) {
	f := newFakeEditor(t)
	f.handle("ExecutePythonCommandEx", pythonMarker(`{"success":true,"version":"5.3.2-29314046+++UE5+Release-5.3"}`))
	b, _ := newTestBridge(t, f, nil)
	connectBridge(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := b.GetEngineVersion(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, 5, v.Major)
		}()
	}
	wg.Wait()

	v, err := b.GetEngineVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EngineVersion{Major: 5, Minor: 3, Patch: 2, Full: "5.3.2-29314046+++UE5+Release-5.3"}, v)
	assert.Equal(t, 1, f.callCount())
}

func TestGetEngineVersionSurvivesImpatientCaller(t *testing.T) {
	f := newFakeEditor(t)
	marker := pythonMarker(`{"success":true,"version":"5.4.1-33305258+++UE5+Release-5.4"}`)
	f.handle("ExecutePythonCommandEx", func(cmd connection.Command) (int, map[string]any) {
		time.Sleep(300 * time.Millisecond)
		return marker(cmd)
	})
	b, _ := newTestBridge(t, f, nil)
	connectBridge(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := b.GetEngineVersion(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	v, err := b.GetEngineVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, v.Minor)
	assert.Equal(t, 1, f.callCount())
}

func TestDisconnectRejectsQueuedWork(t *testing.T) {
	f := newFakeEditor(t)
	b, _ := newTestBridge(t, f, nil)
	connectBridge(t, b)

	b.Disconnect()
	_, err := b.ExecuteConsoleCommand(context.Background(), "stat fps")
	assert.True(t, bridgeerr.IsNotConnected(err))
	assert.False(t, b.Status().Queue.Started)
}

func TestStatusReportsCaches(t *testing.T) {
	f := newFakeEditor(t)
	b, _ := newTestBridge(t, f, nil)
	connectBridge(t, b)

	status := b.Status()
	assert.Equal(t, "connected", status.Connection.State)
	assert.True(t, status.Queue.Started)
	assert.Len(t, status.Caches, 3)
	assert.Equal(t, PolicyOptimistic, status.PluginPolicy)
}

func TestPriorities(t *testing.T) {
	tests := []struct {
		command string
		want    int
	}{
		{"BuildLighting Production", PriorityHeavy},
		{"stat fps", PriorityProbe},
		{"show collision", PriorityProbe},
		{"viewmode lit", PriorityConsole},
		{"setres 1280x720", PriorityMutation},
	}
	for _, tt := range tests {
		if got := ConsolePriority(tt.command); got != tt.want {
			t.Fatalf("expected priority %d for %q, got %d", tt.want, tt.command, got)
		}
	}
	if got := CallPriority(connection.Command{FunctionName: "GetActorLocation"}); got != PriorityProbe {
		t.Fatalf("expected probe priority, got %d", got)
	}
}

func TestParseEngineVersion(t *testing.T) {
	v, err := ParseEngineVersion("5.4.0-33043543+++UE5+Release-5.4")
	require.NoError(t, err)
	assert.True(t, v.AtLeast(5, 4))
	assert.False(t, v.AtLeast(5, 5))
	assert.Equal(t, "5.4.0", v.String())

	_, err = ParseEngineVersion("unknown")
	assert.Error(t, err)
}
