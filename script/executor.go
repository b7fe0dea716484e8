// Package script runs editor Python through a ladder of execution mechanisms, falling back to the next
// one when a mechanism is unavailable on the connected editor.
package script

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slighter12/unreal-bridge-go/bridgeerr"
	"github.com/slighter12/unreal-bridge-go/cache"
	"github.com/slighter12/unreal-bridge-go/connection"
	"github.com/slighter12/unreal-bridge-go/logger"
	"github.com/slighter12/unreal-bridge-go/metrics"
	"github.com/slighter12/unreal-bridge-go/resultcodec"
)

const (
	PythonLibraryPath = "/Script/PythonScriptPlugin.Default__PythonScriptLibrary"
	SystemLibraryPath = "/Script/Engine.Default__KismetSystemLibrary"

	tierMemoKey      = "python"
	defaultLineDelay = 50 * time.Millisecond
)

// Mode selects how the structured tier evaluates the code.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeStatement Mode = "statement"
	ModeFile      Mode = "file"
)

// Request is one script to run. Label only appears in logs.
type Request struct {
	Code  string `json:"code"`
	Mode  Mode   `json:"mode,omitempty"`
	Label string `json:"label,omitempty"`
}

// ResolvedMode picks file mode for multi-line code or code with statement separators.
func (r Request) ResolvedMode() Mode {
	switch r.Mode {
	case ModeStatement, ModeFile:
		return r.Mode
	}
	code := strings.TrimSpace(r.Code)
	if strings.Contains(code, "\n") || strings.Contains(code, ";") {
		return ModeFile
	}
	return ModeStatement
}

// Tier identifies an execution mechanism, in preference order.
type Tier int

const (
	TierStructured Tier = iota + 1
	TierSimple
	TierConsole
)

var allTiers = []Tier{TierStructured, TierSimple, TierConsole}

func (t Tier) String() string {
	switch t {
	case TierStructured:
		return "ExecutePythonCommandEx"
	case TierSimple:
		return "ExecutePythonCommand"
	case TierConsole:
		return "console"
	default:
		return "tier(" + strconv.Itoa(int(t)) + ")"
	}
}

// Result is a decoded script outcome plus the tier that produced it.
type Result struct {
	resultcodec.ScriptResult
	Tier Tier `json:"tier"`
}

// Caller issues one Remote Control call.
type Caller interface {
	Call(ctx context.Context, cmd connection.Command) (map[string]any, error)
}

type Options struct {
	TierTTL   time.Duration
	LineDelay time.Duration
	Now       cache.Clock
	Metrics   *metrics.Metrics
}

// Executor runs scripts and remembers which tier last worked.
type Executor struct {
	caller    Caller
	tiers     *cache.TTL[Tier]
	lineDelay time.Duration
	metrics   *metrics.Metrics
}

func NewExecutor(caller Caller, opts Options) *Executor {
	if opts.TierTTL <= 0 {
		opts.TierTTL = 5 * time.Minute
	}
	if opts.LineDelay <= 0 {
		opts.LineDelay = defaultLineDelay
	}
	return &Executor{
		caller:    caller,
		tiers:     cache.NewTTL[Tier]("script_tier", opts.TierTTL, opts.Now),
		lineDelay: opts.LineDelay,
		metrics:   opts.Metrics,
	}
}

// TierCache exposes the tier memo so the owner can sweep and report it.
func (e *Executor) TierCache() *cache.TTL[Tier] {
	return e.tiers
}

// PreferredTier is the tier the next execution starts with.
func (e *Executor) PreferredTier() Tier {
	if tier, ok := e.tiers.Get(tierMemoKey); ok {
		return tier
	}
	return TierStructured
}

// Execute runs req, escalating through the tiers until one completes the round trip. Script-level failures
// come back inside the Result; the error is reserved for transport failures and cancellation.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Code) == "" {
		return Result{}, bridgeerr.New(bridgeerr.KindInvalidArgument, "script code is empty", nil)
	}

	var failures []string
	var lastErr error
	for _, tier := range e.order() {
		resp, err := e.runTier(ctx, tier, req)
		e.metrics.ObserveScriptTier(int(tier), err == nil)
		if err == nil {
			e.tiers.Set(tierMemoKey, tier)
			result := Result{ScriptResult: resultcodec.DecodeResponse(resp), Tier: tier}
			logger.Debug("script executed", "component", "script", "label", req.Label, "tier", tier.String(),
				"success", result.Success)
			return result, nil
		}
		if bridgeerr.IsNotConnected(err) || ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		logger.Debug("script tier failed, escalating", "component", "script", "label", req.Label,
			"tier", tier.String(), "error", err)
		failures = append(failures, fmt.Sprintf("%s: %v", tier, err))
		lastErr = err
	}

	e.tiers.Delete(tierMemoKey)
	return Result{}, &bridgeerr.Error{
		Kind:    bridgeerr.KindRemoteExecution,
		Message: "Python execution failed on every mechanism; is the Python Editor Script Plugin enabled?",
		Data:    map[string]any{"attempts": failures},
		Err:     lastErr,
	}
}

func (e *Executor) order() []Tier {
	start := e.PreferredTier()
	order := make([]Tier, 0, len(allTiers))
	for _, tier := range allTiers {
		if tier >= start {
			order = append(order, tier)
		}
	}
	for _, tier := range allTiers {
		if tier < start {
			order = append(order, tier)
		}
	}
	return order
}

func (e *Executor) runTier(ctx context.Context, tier Tier, req Request) (map[string]any, error) {
	switch tier {
	case TierStructured:
		mode := "ExecuteStatement"
		if req.ResolvedMode() == ModeFile {
			mode = "ExecuteFile"
		}
		return e.caller.Call(ctx, connection.Command{
			ObjectPath:   PythonLibraryPath,
			FunctionName: "ExecutePythonCommandEx",
			Parameters: map[string]any{
				"PythonCommand":      req.Code,
				"ExecutionMode":      mode,
				"FileExecutionScope": "Private",
			},
		})
	case TierSimple:
		return e.caller.Call(ctx, connection.Command{
			ObjectPath:   PythonLibraryPath,
			FunctionName: "ExecutePythonCommand",
			Parameters:   map[string]any{"PythonCommand": req.Code},
		})
	case TierConsole:
		return e.runConsole(ctx, req)
	default:
		return nil, fmt.Errorf("unknown tier %d", tier)
	}
}

// runConsole sends the script through the console "py" command: first as one exec() of the whole text,
// then one line at a time.
func (e *Executor) runConsole(ctx context.Context, req Request) (map[string]any, error) {
	combined := "py exec(" + PythonLiteral(req.Code) + ")"
	resp, err := e.caller.Call(ctx, ConsoleCommand(combined))
	if err == nil {
		return resp, nil
	}
	if bridgeerr.IsNotConnected(err) || ctx.Err() != nil {
		return nil, err
	}
	logger.Debug("combined console exec failed, sending line by line", "component", "script", "error", err)

	var outputs []any
	first := true
	for _, line := range strings.Split(strings.ReplaceAll(req.Code, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if !first {
			if err := sleepCtx(ctx, e.lineDelay); err != nil {
				return nil, err
			}
		}
		first = false

		resp, err := e.caller.Call(ctx, ConsoleCommand("py "+trimmed))
		if err != nil {
			return nil, err
		}
		if text := resultcodec.TextFromResponse(resp); text != "" {
			outputs = append(outputs, map[string]any{"Output": text})
		}
	}
	return map[string]any{"LogOutput": outputs}, nil
}

// ConsoleCommand builds the Remote Control call that runs one console command.
func ConsoleCommand(command string) connection.Command {
	return connection.Command{
		ObjectPath:   SystemLibraryPath,
		FunctionName: "ExecuteConsoleCommand",
		Parameters: map[string]any{
			"WorldContextObject": nil,
			"Command":            command,
			"SpecificPlayer":     nil,
		},
	}
}

// PythonLiteral quotes s as a double-quoted Python string literal.
func PythonLiteral(s string) string {
	return strconv.Quote(s)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
