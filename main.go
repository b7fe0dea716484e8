package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/slighter12/unreal-bridge-go/bridge"
	"github.com/slighter12/unreal-bridge-go/config"
	"github.com/slighter12/unreal-bridge-go/connection"
	"github.com/slighter12/unreal-bridge-go/logger"
	"github.com/slighter12/unreal-bridge-go/metrics"
	"github.com/slighter12/unreal-bridge-go/queue"
	"github.com/slighter12/unreal-bridge-go/script"
	"github.com/slighter12/unreal-bridge-go/transport/http"
)

var (
	configPath string
	pythonMode string
)

var rootCmd = &cobra.Command{
	Use:   "unreal-bridge",
	Short: "Bridge to the Unreal Editor Remote Control API",
	Long: `unreal-bridge drives a running Unreal Editor through its Remote Control
HTTP and WebSocket endpoints. Console commands and Python scripts are
screened, queued by priority and dispatched with bounded concurrency.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the editor and run the admin HTTP server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var execCmd = &cobra.Command{
	Use:   "exec [console command]",
	Short: "Run one console command",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExec,
}

var pythonCmd = &cobra.Command{
	Use:   "python [file|-]",
	Short: "Run a Python script in the editor",
	Args:  cobra.ExactArgs(1),
	RunE:  runPython,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect and report the engine version",
	Args:  cobra.NoArgs,
	RunE:  runPing,
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins [names...]",
	Short: "Check that editor plugins are enabled",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPlugins,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: BRIDGE_CONFIG_PATH or ~/.unreal-bridge/config/bridge.json)")
	pythonCmd.Flags().StringVar(&pythonMode, "mode", string(script.ModeAuto), "execution mode: auto, statement or file")
	rootCmd.AddCommand(serveCmd, execCmd, pythonCmd, pingCmd, pluginsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		resolved, err := config.ResolveConfigPath()
		if err != nil {
			return nil, "", fmt.Errorf("failed to resolve config path: %w", err)
		}
		path = resolved
	}
	if err := config.EnsureDefaultConfig(path); err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, path, nil
}

func bridgeOptions(cfg *config.Config, m *metrics.Metrics) bridge.Options {
	return bridge.Options{
		Connection: connection.Options{
			Host:                 cfg.Unreal.Host,
			HTTPPort:             cfg.Unreal.HTTPPort,
			WSPort:               cfg.Unreal.WSPort,
			AutoReconnect:        cfg.Unreal.AutoReconnect,
			ConnectTimeout:       cfg.Unreal.ConnectTimeout(),
			ReconnectMaxAttempts: cfg.Unreal.ReconnectMaxAttempts,
			RequestTimeout:       cfg.Unreal.RequestTimeout(),
			LongRequestTimeout:   cfg.Unreal.LongRequestTimeout(),
			MaxRequestTimeout:    cfg.Unreal.MaxRequestTimeout(),
			RequestAttempts:      cfg.Unreal.RequestAttempts,
		},
		Queue: queue.Config{
			MaxConcurrent: cfg.Queue.MaxConcurrent,
			Interval:      cfg.Queue.Interval(),
			MinGap:        cfg.Queue.MinDispatchGap(),
		},
		PluginTTL:     cfg.Cache.PluginTTL(),
		VersionTTL:    cfg.Cache.VersionTTL(),
		TierTTL:       cfg.Cache.TierTTL(),
		SweepInterval: cfg.Cache.SweepInterval(),
		PluginPolicy:  bridge.PluginPolicy(cfg.Unreal.PluginCheckPolicy),
		Metrics:       m,
	}
}

// applyLive pushes the settings that can change without a restart.
func applyLive(b *bridge.Bridge, cfg *config.Config) {
	logger.SetLevel(logger.GetLevelFromString(cfg.Logging.Level))
	b.SetAutoReconnect(cfg.Unreal.AutoReconnect)
	b.SetPluginPolicy(bridge.PluginPolicy(cfg.Unreal.PluginCheckPolicy))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logger.Init(logger.GetLevelFromString(cfg.Logging.Level), logger.Format(cfg.Logging.Format), cfg.Logging.Path); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Default().Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	b := bridge.New(bridgeOptions(cfg, m))
	defer b.Close()

	logger.Info("connecting to unreal editor", "host", cfg.Unreal.Host, "http_port", cfg.Unreal.HTTPPort, "ws_port", cfg.Unreal.WSPort)
	if !b.TryConnect(ctx, cfg.Unreal.ConnectAttempts, cfg.Unreal.ConnectTimeout(), cfg.Unreal.ConnectInitialDelay()) {
		logger.Warn("unreal editor not reachable; commands fail until POST /connect succeeds", "attempts", cfg.Unreal.ConnectAttempts)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Admin.Enabled {
		server := http.NewServer(b, http.Options{
			Addr:           cfg.Admin.Addr(),
			Version:        cfg.Version,
			ConnectTimeout: cfg.Unreal.ConnectTimeout(),
			Metrics:        m,
		})
		g.Go(func() error { return server.Run(gctx) })
	}

	watcher, err := config.NewWatcher(path, 0, func(next *config.Config) { applyLive(b, next) })
	if err != nil {
		return err
	}
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config hot reload disabled", "path", path, "error", err)
	} else {
		defer watcher.Stop()
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	logger.Info("bridge stopped")
	return err
}

// withBridge runs fn against a connected bridge and tears it down afterwards.
func withBridge(cmd *cobra.Command, fn func(ctx context.Context, b *bridge.Bridge) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logger.Init(logger.GetLevelFromString(cfg.Logging.Level), logger.Format(cfg.Logging.Format)); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := bridgeOptions(cfg, nil)
	opts.Connection.AutoReconnect = false
	b := bridge.New(opts)
	defer b.Close()

	if err := b.Connect(ctx, cfg.Unreal.ConnectTimeout()); err != nil {
		return err
	}
	return fn(ctx, b)
}

func runExec(cmd *cobra.Command, args []string) error {
	command := strings.Join(args, " ")
	return withBridge(cmd, func(ctx context.Context, b *bridge.Bridge) error {
		result, err := b.ExecuteConsoleCommand(ctx, command)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), result)
	})
}

func runPython(cmd *cobra.Command, args []string) error {
	code, err := readScript(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}
	req := script.Request{Code: code, Mode: script.Mode(pythonMode), Label: args[0]}
	return withBridge(cmd, func(ctx context.Context, b *bridge.Bridge) error {
		result, err := b.ExecutePythonRequest(ctx, req)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), result)
	})
}

func runPing(cmd *cobra.Command, _ []string) error {
	return withBridge(cmd, func(ctx context.Context, b *bridge.Bridge) error {
		version, err := b.GetEngineVersion(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"connected": b.IsConnected(),
			"version":   version,
		})
	})
}

func runPlugins(cmd *cobra.Command, args []string) error {
	return withBridge(cmd, func(ctx context.Context, b *bridge.Bridge) error {
		missing, err := b.EnsurePluginsEnabled(ctx, args)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), map[string]any{"missing": missing}); err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("plugins not enabled: %s", strings.Join(missing, ", "))
		}
		return nil
	})
}

func readScript(stdin io.Reader, source string) (string, error) {
	var data []byte
	var err error
	if source == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errors.New("script is empty")
	}
	return string(data), nil
}

func printResult(w io.Writer, result bridge.Result) error {
	if err := printJSON(w, result); err != nil {
		return err
	}
	if !result.Success {
		return errors.New("command did not succeed")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
