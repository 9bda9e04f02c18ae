package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/herald/internal/api"
	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/events"
	"github.com/mattjoyce/herald/internal/lock"
	"github.com/mattjoyce/herald/internal/log"
	"github.com/mattjoyce/herald/internal/notify"
	"github.com/mattjoyce/herald/internal/process"
	"github.com/mattjoyce/herald/internal/session"
	"github.com/mattjoyce/herald/internal/state"
	"github.com/mattjoyce/herald/internal/storage"
	"github.com/mattjoyce/herald/internal/webhook"
	"github.com/mattjoyce/herald/internal/workitem"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
)

// shutdownWait bounds agent termination when the CLI exits.
const shutdownWait = 15 * time.Second

// envConfig names the config path when --config is not given.
const envConfig = "HERALD_CONFIG"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return exitFailure
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "notify":
		if hasHelpFlag(args) {
			printNotifyHelp()
			return exitOK
		}
		return runNotify(args)
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return exitOK
		}
		return runServe(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return exitOK
		}
		return runWatch(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return exitFailure
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `herald - notify agents and scripts about work items

Usage:
  herald <command> [flags]

Commands:
  notify          Deliver work items to one target and print the result
  serve           Run the HTTP API and webhooks until interrupted
  watch           Live TUI over a running server's event stream
  config check    Validate configuration and show target fingerprints
  version         Show version information
  help            Show this help message

Use 'herald <command> --help' for command flags.
`)
}

func printNotifyHelp() {
	fmt.Println("Usage: herald notify --target NAME [--items FILE|-] [--state S[,S...]] [--config PATH] [--no-state] [--json] [--verbose]")
	fmt.Println("Deliver work items to a configured target. Exits 1 when delivery fails and 2 on configuration errors.")
}

func printServeHelp() {
	fmt.Println("Usage: herald serve [--config PATH]")
	fmt.Println("Run the HTTP API and any configured webhook endpoints. Agent subprocesses stay alive")
	fmt.Println("between requests and are terminated on shutdown.")
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return exitFailure
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("herald %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

// resolveConfigPath applies the --config, $HERALD_CONFIG, ./config.yaml order.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(envConfig); env != "" {
		return env
	}
	return "config.yaml"
}

func loadConfig(flagValue string) (*config.Config, string, error) {
	path := resolveConfigPath(flagValue)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// app wires the delivery stack shared by notify and serve.
type app struct {
	cfg        *config.Config
	registry   *process.Registry
	store      *state.Store
	hub        *events.Hub
	dispatcher *notify.Dispatcher
	close      func()
}

func newApp(ctx context.Context, cfg *config.Config, withState bool, hub *events.Hub) (*app, error) {
	a := &app{
		cfg:      cfg,
		registry: process.NewRegistry(),
		hub:      hub,
		close:    func() {},
	}

	var store notify.Store
	if withState {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			return nil, fmt.Errorf("open state database: %w", err)
		}
		a.store = state.NewStore(db)
		a.close = func() { _ = db.Close() }
		store = a.store
	}

	channels := map[string]notify.Channel{
		config.TypeAgent:  notify.NewAgentChannel(session.NewDriver(a.registry, currentVersionInfo().Version)),
		config.TypeScript: notify.NewScriptChannel(),
	}
	a.dispatcher = notify.New(cfg, channels, store, hub)
	return a, nil
}

// shutdown terminates agent subprocesses and closes the database.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := a.registry.Shutdown(ctx); err != nil {
		log.Warn("agent shutdown incomplete", "error", err)
	}
	a.close()
}

func runNotify(args []string) int {
	fs := flag.NewFlagSet("notify", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	targetName := fs.String("target", "", "Target to notify")
	itemsPath := fs.String("items", "", "Work-item file (YAML or JSON), - for stdin; empty sends no items")
	states := fs.String("state", "", "Only deliver items in these states (comma-separated)")
	noState := fs.Bool("no-state", false, "Do not open the state database")
	jsonOut := fs.Bool("json", false, "Print the result as JSON")
	verbose := fs.Bool("verbose", false, "Log at debug level")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	if *targetName == "" {
		fmt.Fprintln(os.Stderr, "Error: --target is required")
		printNotifyHelp()
		return exitFailure
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfig
	}
	level := cfg.Service.LogLevel
	if *verbose {
		level = "debug"
	}
	log.SetupWriter(os.Stderr, level, cfg.Service.LogFormat)

	items, err := readItems(*itemsPath, os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read work items: %v\n", err)
		return exitFailure
	}
	items = workitem.FilterState(items, splitList(*states)...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, !*noState, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer a.shutdown()

	res, err := a.dispatcher.Notify(ctx, *targetName, items)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		var ce *config.ConfigError
		if errors.As(err, &ce) {
			return exitConfig
		}
		return exitFailure
	}

	printResult(os.Stdout, res, *jsonOut)
	if !res.Success {
		return exitFailure
	}
	return exitOK
}

func printResult(w io.Writer, res notify.Result, asJSON bool) {
	if asJSON {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}
	if res.Success {
		fmt.Fprintf(w, "OK: %s\n", res.Message)
		return
	}
	fmt.Fprintf(w, "FAILED: %s\n", res.Error)
}

// readItems loads items from path; "-" reads stdin and "" means none.
func readItems(path string, stdin io.Reader) ([]workitem.Item, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return workitem.Parse(data)
	default:
		return workitem.LoadFile(path)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfig
	}
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	webhooksOn := cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0
	if !cfg.API.Enabled && !webhooksOn {
		logger.Error("api.enabled is false and no webhooks are configured; nothing to serve", "config", path)
		return exitConfig
	}
	logger.Info("herald starting", "version", version, "config", path, "targets", len(cfg.Targets))

	lockPath := filepath.Join(filepath.Dir(cfg.State.Path), "herald.lock")
	pid, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock (another instance may be running)", "path", lockPath, "error", err)
		return exitFailure
	}
	defer pid.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(events.DefaultCapacity)
	a, err := newApp(ctx, cfg, true, hub)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return exitFailure
	}
	defer a.shutdown()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled {
		server := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}, a.dispatcher, a.store, hub, log.WithComponent("api"))
		g.Go(func() error {
			return server.Start(gctx)
		})
	}
	if webhooksOn {
		whCfg, err := webhook.FromConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("invalid webhooks config", "error", err)
			return exitConfig
		}
		hooks := webhook.New(whCfg, a.dispatcher, log.WithComponent("webhook"))
		g.Go(func() error {
			return hooks.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return exitFailure
	}
	logger.Info("herald stopped")
	return exitOK
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}
