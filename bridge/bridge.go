// Package bridge is the public dispatch surface over one editor connection.
//
// Every entry point validates through the safety rules, funnels work through the priority queue and
// returns either a Result (including remote failures) or a typed bridge error for failures that never
// reached the editor.
package bridge

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/slighter12/unreal-bridge-go/bridgeerr"
	"github.com/slighter12/unreal-bridge-go/cache"
	"github.com/slighter12/unreal-bridge-go/connection"
	"github.com/slighter12/unreal-bridge-go/logger"
	"github.com/slighter12/unreal-bridge-go/metrics"
	"github.com/slighter12/unreal-bridge-go/queue"
	"github.com/slighter12/unreal-bridge-go/resultcodec"
	"github.com/slighter12/unreal-bridge-go/safety"
	"github.com/slighter12/unreal-bridge-go/script"
)

// PluginPolicy decides what a failed plugin status query means.
type PluginPolicy string

const (
	// PolicyOptimistic treats names as enabled when the status query itself fails, so the real failure
	// surfaces from the operation that needed the plugin.
	PolicyOptimistic PluginPolicy = "optimistic"
	// PolicyPessimistic returns the query failure and caches nothing.
	PolicyPessimistic PluginPolicy = "pessimistic"
)

const (
	engineVersionKey    = "engine"
	versionQueryTimeout = 30 * time.Second
)

type Options struct {
	Connection connection.Options
	Queue      queue.Config

	PluginTTL     time.Duration
	VersionTTL    time.Duration
	TierTTL       time.Duration
	SweepInterval time.Duration
	ScriptLineGap time.Duration
	PluginPolicy  PluginPolicy

	Now     cache.Clock
	Metrics *metrics.Metrics
}

// Result is what every public operation returns for work that reached the editor.
type Result struct {
	Success   bool           `json:"success"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
	Output    string         `json:"output,omitempty"`
}

// CommandResult is one entry of a console batch.
type CommandResult struct {
	Command string `json:"command"`
	Result
}

// Status is a diagnostic snapshot of the bridge.
type Status struct {
	Connection   connection.Snapshot `json:"connection"`
	Queue        queue.Stats         `json:"queue"`
	Caches       []cache.Stats       `json:"caches"`
	ScriptTier   string              `json:"script_tier"`
	PluginPolicy PluginPolicy        `json:"plugin_policy"`
}

// Bridge composes the connection, queue, script executor and caches.
type Bridge struct {
	conn     *connection.Manager
	queue    *queue.Queue
	scripts  *script.Executor
	plugins  *cache.TTL[bool]
	versions *cache.TTL[EngineVersion]
	sweeper  *cache.Sweeper
	metrics  *metrics.Metrics

	versionGroup singleflight.Group

	mu     sync.RWMutex
	policy PluginPolicy
}

func New(opts Options) *Bridge {
	if opts.PluginTTL <= 0 {
		opts.PluginTTL = 5 * time.Minute
	}
	if opts.VersionTTL <= 0 {
		opts.VersionTTL = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.PluginPolicy == "" {
		opts.PluginPolicy = PolicyOptimistic
	}
	opts.Connection.Metrics = opts.Metrics
	opts.Queue.Metrics = opts.Metrics

	b := &Bridge{
		conn:     connection.NewManager(opts.Connection),
		queue:    queue.New(opts.Queue),
		plugins:  cache.NewTTL[bool]("plugins", opts.PluginTTL, opts.Now),
		versions: cache.NewTTL[EngineVersion]("engine_version", opts.VersionTTL, opts.Now),
		metrics:  opts.Metrics,
		policy:   opts.PluginPolicy,
	}
	b.scripts = script.NewExecutor(b.conn, script.Options{
		TierTTL:   opts.TierTTL,
		LineDelay: opts.ScriptLineGap,
		Now:       opts.Now,
		Metrics:   opts.Metrics,
	})

	for _, c := range []interface{ SetObserver(cache.Observer) }{b.plugins, b.versions, b.scripts.TierCache()} {
		c.SetObserver(opts.Metrics.ObserveCache)
	}
	b.sweeper = cache.NewSweeper(opts.SweepInterval, b.plugins, b.versions, b.scripts.TierCache())

	b.conn.OnConnected(func() {
		b.queue.Start()
		b.sweeper.Start(context.Background())
	})
	b.conn.OnDisconnected(func(cause error) {
		b.queue.Stop(bridgeerr.Wrap(bridgeerr.KindNotConnected, cause, "Connection closed before the command was dispatched"))
		b.sweeper.Stop()
	})
	return b
}

func (b *Bridge) Connect(ctx context.Context, timeout time.Duration) error {
	return b.conn.Connect(ctx, timeout)
}

func (b *Bridge) TryConnect(ctx context.Context, maxAttempts int, perAttemptTimeout, initialDelay time.Duration) bool {
	return b.conn.TryConnect(ctx, maxAttempts, perAttemptTimeout, initialDelay)
}

func (b *Bridge) Disconnect() {
	b.conn.Disconnect()
}

func (b *Bridge) IsConnected() bool {
	return b.conn.IsConnected()
}

func (b *Bridge) State() connection.State {
	return b.conn.State()
}

func (b *Bridge) SetAutoReconnect(enabled bool) {
	b.conn.SetAutoReconnect(enabled)
}

func (b *Bridge) SetPluginPolicy(policy PluginPolicy) {
	if policy != PolicyOptimistic && policy != PolicyPessimistic {
		return
	}
	b.mu.Lock()
	b.policy = policy
	b.mu.Unlock()
}

func (b *Bridge) PluginPolicy() PluginPolicy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.policy
}

// Close tears down the queue, the sweeper and the connection.
func (b *Bridge) Close() {
	b.conn.Close()
	b.sweeper.Stop()
	b.queue.Close()
}

// Call forwards a raw remote call through the queue. Console and Python payloads carried in the
// parameters are screened by the same rules as the dedicated entry points.
func (b *Bridge) Call(ctx context.Context, cmd connection.Command) (map[string]any, error) {
	if err := b.screenCall(cmd); err != nil {
		return nil, err
	}
	if !b.conn.IsConnected() {
		return nil, bridgeerr.NotConnected("call " + cmd.FunctionName)
	}
	return queue.Do(ctx, b.queue, CallPriority(cmd), func(ctx context.Context) (map[string]any, error) {
		return b.conn.Call(ctx, cmd)
	})
}

func (b *Bridge) screenCall(cmd connection.Command) error {
	if command, ok := cmd.Parameters["Command"].(string); ok {
		if err := safety.ValidateCommand(command); err != nil {
			b.reportBlocked(command, err)
			return err
		}
	}
	if code, ok := cmd.Parameters["PythonCommand"].(string); ok {
		if err := safety.ValidateScript(code); err != nil {
			b.reportBlocked(cmd.FunctionName, err)
			return err
		}
	}
	return nil
}

// ExecuteConsoleCommand runs one console command. Blocked commands fail with command_blocked before any
// I/O; remote failures come back as an unsuccessful Result.
func (b *Bridge) ExecuteConsoleCommand(ctx context.Context, command string) (Result, error) {
	if err := safety.ValidateCommand(command); err != nil {
		b.reportBlocked(command, err)
		return Result{}, err
	}
	if !b.conn.IsConnected() {
		return Result{}, bridgeerr.NotConnected("console command")
	}

	command = strings.TrimSpace(command)
	resp, err := queue.Do(ctx, b.queue, ConsolePriority(command), func(ctx context.Context) (map[string]any, error) {
		return b.conn.Call(ctx, script.ConsoleCommand(command))
	})
	return responseResult(resp, err)
}

// ExecuteConsoleCommands runs commands in order. A blocked or failed entry does not stop the batch.
func (b *Bridge) ExecuteConsoleCommands(ctx context.Context, commands []string) ([]CommandResult, error) {
	if !b.conn.IsConnected() {
		return nil, bridgeerr.NotConnected("console batch")
	}
	results := make([]CommandResult, 0, len(commands))
	for _, command := range commands {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := b.ExecuteConsoleCommand(ctx, command)
		if err != nil {
			result = failedResult(err)
		}
		results = append(results, CommandResult{Command: command, Result: result})
	}
	return results, nil
}

// ExecutePython runs code with automatic mode selection.
func (b *Bridge) ExecutePython(ctx context.Context, code string) (Result, error) {
	return b.ExecutePythonRequest(ctx, script.Request{Code: code})
}

func (b *Bridge) ExecutePythonRequest(ctx context.Context, req script.Request) (Result, error) {
	if err := safety.ValidateScript(req.Code); err != nil {
		b.reportBlocked(req.Label, err)
		return Result{}, err
	}
	return b.runScript(ctx, PriorityScript, req)
}

func (b *Bridge) runScript(ctx context.Context, priority int, req script.Request) (Result, error) {
	if !b.conn.IsConnected() {
		return Result{}, bridgeerr.NotConnected("python")
	}
	res, err := queue.Do(ctx, b.queue, priority, func(ctx context.Context) (script.Result, error) {
		return b.scripts.Execute(ctx, req)
	})
	if err != nil {
		if bridgeerr.IsKind(err, bridgeerr.KindRemoteExecution) {
			return failedResult(err), nil
		}
		return Result{}, err
	}
	return Result{
		Success:   res.Success,
		Payload:   res.Payload,
		Error:     res.Error,
		ErrorKind: res.ErrorKind,
		Output:    res.RawText,
	}, nil
}

// SetViewMode resolves name and applies it. Hard-blocked modes apply their safe alternative and report
// the substitution as an unsuccessful Result.
func (b *Bridge) SetViewMode(ctx context.Context, name string) (Result, error) {
	res, err := safety.ResolveViewMode(name)
	if err != nil {
		return Result{}, err
	}
	b.metrics.ObserveViewMode(res.Class.String())

	result, err := b.ExecuteConsoleCommand(ctx, res.Command)
	if err != nil {
		return Result{}, err
	}
	result.Payload = map[string]any{
		"requested":   res.Requested,
		"canonical":   res.Canonical,
		"applied":     res.Applied,
		"class":       res.Class.String(),
		"substituted": res.Substituted,
	}
	if res.Warning != "" {
		result.Warnings = append(result.Warnings, res.Warning)
	}
	if res.Substituted {
		logger.Warn("view mode substituted", "component", "bridge", "requested", res.Canonical, "applied", res.Applied)
		result.Success = false
		result.ErrorKind = "view_mode_substituted"
		if result.Error == "" {
			result.Error = res.Warning
		}
	}
	return result, nil
}

// EnsurePluginsEnabled returns the names that are not enabled. Cache misses are resolved with a single
// batched query.
func (b *Bridge) EnsurePluginsEnabled(ctx context.Context, names []string) ([]string, error) {
	names = normalizeNames(names)
	if len(names) == 0 {
		return nil, nil
	}

	_, cold := b.plugins.GetMany(names)
	if len(cold) > 0 {
		if err := b.refreshPlugins(ctx, cold); err != nil {
			return nil, err
		}
	}

	var missing []string
	for _, name := range names {
		enabled, ok := b.plugins.Get(name)
		if !ok || !enabled {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func (b *Bridge) refreshPlugins(ctx context.Context, names []string) error {
	result, err := b.runScript(ctx, PriorityProbe, pluginStatusScript(names))
	if err == nil && result.Success {
		enabled, _ := result.Payload["enabled"].(map[string]any)
		for _, name := range names {
			flag, _ := enabled[name].(bool)
			b.plugins.Set(name, flag)
		}
		return nil
	}
	if bridgeerr.IsNotConnected(err) || ctx.Err() != nil {
		return err
	}

	if b.PluginPolicy() == PolicyPessimistic {
		if err != nil {
			return err
		}
		return bridgeerr.RemoteExecution("Plugin status query failed: "+result.Error, map[string]any{"plugins": names})
	}

	reason := result.Error
	if err != nil {
		reason = err.Error()
	}
	logger.Warn("plugin status query failed, assuming enabled", "component", "bridge", "plugins", names, "reason", reason)
	for _, name := range names {
		b.plugins.Set(name, true)
	}
	return nil
}

// GetEngineVersion returns the cached engine version, querying the editor at most once per TTL even
// under concurrent callers. The shared query is detached from any one caller, so a caller giving up
// early does not fail the others.
func (b *Bridge) GetEngineVersion(ctx context.Context) (EngineVersion, error) {
	if v, ok := b.versions.Get(engineVersionKey); ok {
		return v, nil
	}
	ch := b.versionGroup.DoChan(engineVersionKey, func() (any, error) {
		if v, ok := b.versions.Get(engineVersionKey); ok {
			return v, nil
		}
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), versionQueryTimeout)
		defer cancel()
		return b.queryEngineVersion(qctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return EngineVersion{}, res.Err
		}
		return res.Val.(EngineVersion), nil
	case <-ctx.Done():
		return EngineVersion{}, ctx.Err()
	}
}

func (b *Bridge) queryEngineVersion(ctx context.Context) (EngineVersion, error) {
	result, err := b.runScript(ctx, PriorityProbe, script.Request{Code: engineVersionScript, Mode: script.ModeFile, Label: "engine_version"})
	if err != nil {
		return EngineVersion{}, err
	}
	if !result.Success {
		return EngineVersion{}, bridgeerr.RemoteExecution("Engine version query failed: "+result.Error, nil)
	}
	full, _ := result.Payload["version"].(string)
	v, err := ParseEngineVersion(full)
	if err != nil {
		return EngineVersion{}, bridgeerr.Wrap(bridgeerr.KindResultParse, err, "Engine version query returned an unexpected value")
	}
	b.versions.Set(engineVersionKey, v)
	return v, nil
}

// ListPresets returns the Remote Control presets the editor exposes.
func (b *Bridge) ListPresets(ctx context.Context) (map[string]any, error) {
	if !b.conn.IsConnected() {
		return nil, bridgeerr.NotConnected("list presets")
	}
	return queue.Do(ctx, b.queue, PriorityProbe, b.conn.GetPresets)
}

func (b *Bridge) Status() Status {
	return Status{
		Connection:   b.conn.Snapshot(),
		Queue:        b.queue.Stats(),
		Caches:       []cache.Stats{b.plugins.Stats(), b.versions.Stats(), b.scripts.TierCache().Stats()},
		ScriptTier:   b.scripts.PreferredTier().String(),
		PluginPolicy: b.PluginPolicy(),
	}
}

func (b *Bridge) reportBlocked(subject string, err error) {
	reason := "blocked"
	if bridgeErr, ok := bridgeerr.As(err); ok {
		if r, ok := bridgeErr.Data["reason"].(string); ok {
			reason = r
		}
	}
	b.metrics.ObserveBlocked(reason)
	logger.Warn("command blocked", "component", "bridge", "command", subject, "reason", reason)
}

func responseResult(resp map[string]any, err error) (Result, error) {
	if err != nil {
		if bridgeerr.IsKind(err, bridgeerr.KindRemoteExecution) {
			return failedResult(err), nil
		}
		return Result{}, err
	}
	if ok, present := resultcodec.ReturnFlag(resp); present && !ok {
		return Result{
			Success:   false,
			Payload:   resp,
			Error:     "Command returned false",
			ErrorKind: string(bridgeerr.KindRemoteExecution),
			Output:    resultcodec.TextFromResponse(resp),
		}, nil
	}
	return Result{Success: true, Payload: resp, Output: resultcodec.TextFromResponse(resp)}, nil
}

func failedResult(err error) Result {
	kind := bridgeerr.KindOf(err)
	if kind == "" {
		kind = bridgeerr.KindRemoteExecution
	}
	return Result{Success: false, Error: err.Error(), ErrorKind: string(kind)}
}

func normalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}
