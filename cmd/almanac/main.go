// Almanac is a conversational calendar assistant backend.
//
// Each chat turn is answered by a model that can read and change the
// user's calendar through tools. Every step of a turn is persisted, so
// a session survives restarts. Sessions are served over HTTP and
// WebSocket and optionally over MQTT. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	almanac serve                Start the API server
//	almanac init [dir]           Initialize a working directory with defaults
//	almanac ask <message>        Run one turn against the configured model
//	almanac hash-token <token>   Print the bcrypt hash for a users entry
//	almanac version              Print version and build information
//	almanac -o json version      Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/almanac/internal/agent"
	"github.com/nugget/almanac/internal/api"
	"github.com/nugget/almanac/internal/auth"
	"github.com/nugget/almanac/internal/buildinfo"
	"github.com/nugget/almanac/internal/calendar"
	"github.com/nugget/almanac/internal/config"
	"github.com/nugget/almanac/internal/connwatch"
	"github.com/nugget/almanac/internal/events"
	"github.com/nugget/almanac/internal/llm"
	"github.com/nugget/almanac/internal/memory"
	"github.com/nugget/almanac/internal/mqtt"
	"github.com/nugget/almanac/internal/prompts"
	"github.com/nugget/almanac/internal/router"
	"github.com/nugget/almanac/internal/tools"
	"github.com/nugget/almanac/internal/usage"
)

// shutdownTimeout bounds how long in-flight requests may drain.
const shutdownTimeout = 30 * time.Second

// main builds the OS-level environment and hands off to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Cancelling ctx shuts down the server.
// Logs go to stdout; args is os.Args[1:], parsed by hand so run has no
// package-level flag state and can be called from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: almanac ask <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "hash-token":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: almanac hash-token <token>")
		}
		return runHashToken(stdout, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Almanac - Conversational Calendar Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: almanac [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve               Start the API server")
	fmt.Fprintln(w, "  init [dir]          Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask <message>       Run one turn and print the answer")
	fmt.Fprintln(w, "  hash-token <token>  Print the bcrypt hash for a users entry")
	fmt.Fprintln(w, "  version             Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runHashToken prints the token_hash value for a users entry.
func runHashToken(w io.Writer, token string) error {
	hash, err := auth.HashToken(token)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, hash)
	return nil
}

// runAsk runs a single turn. Conversation history lives in memory and
// is discarded; calendar changes go to the configured calendar.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// The answer goes to stdout, so logs go to stderr.
	logger, err := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Debug("config loaded", "path", cfgPath)

	backend, _, err := openCalendar(ctx, cfg, logger)
	if err != nil {
		return err
	}
	reg, err := calendarTools(cfg, backend)
	if err != nil {
		return err
	}
	systemPrompt, err := loadSystemPrompt(cfg, cfgPath)
	if err != nil {
		return err
	}

	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	loop := agent.NewLoop(agent.Config{
		Store:        memory.NewMemStore(),
		Model:        createLLMClient(cfg, logger, ollamaClient),
		ModelName:    cfg.Models.Default,
		Tools:        reg,
		SystemPrompt: systemPrompt,
		MaxRounds:    cfg.Agent.MaxRounds,
		MaxParallel:  cfg.Agent.MaxParallel,
		Logger:       logger,
	})

	reply, err := loop.Process(ctx, "cli", auth.LocalUser, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, reply)
	return nil
}

// runServe is the primary operating mode. It opens the stores, connects
// the calendar and model providers, starts the API server (and MQTT
// when configured) and blocks until ctx is cancelled or a shutdown
// signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes "offline" and disconnects
//  3. The HTTP server drains in-flight requests
//  4. The router lets queued turns finish
//  5. Watchers stop and databases close via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Info("starting almanac",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"storage", cfg.Storage.Driver,
		"users", len(cfg.Users),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	bus := events.New()
	connMgr := connwatch.NewManager(bus, logger)
	defer connMgr.Stop()

	// --- Persistence ---
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("conversation store opened", "driver", cfg.Storage.Driver)

	usageStore, err := usage.Open(usageDriver(cfg), filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()

	// --- Calendar ---
	backend, caldav, err := openCalendar(ctx, cfg, logger)
	if err != nil {
		return err
	}
	reg, err := calendarTools(cfg, backend)
	if err != nil {
		return err
	}
	if caldav != nil {
		connMgr.Watch(ctx, connwatch.WatcherConfig{Name: "caldav", Probe: caldav.Ping})
	}

	// --- Model ---
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	llmClient := createLLMClient(cfg, logger, ollamaClient)
	connMgr.Watch(ctx, connwatch.WatcherConfig{Name: "model", Probe: llmClient.Ping})

	systemPrompt, err := loadSystemPrompt(cfg, cfgPath)
	if err != nil {
		return err
	}

	// --- Turn loop and router ---
	loop := agent.NewLoop(agent.Config{
		Store:        store,
		Model:        llmClient,
		ModelName:    cfg.Models.Default,
		Tools:        reg,
		SystemPrompt: systemPrompt,
		MaxRounds:    cfg.Agent.MaxRounds,
		MaxParallel:  cfg.Agent.MaxParallel,
		Events:       bus,
		Logger:       logger,
		Usage:        usageStore,
		Provider:     cfg.ProviderFor(cfg.Models.Default),
	})
	rtr := router.NewRouter(logger, loop, router.Config{
		IdleTimeout: cfg.Router.IdleTimeout,
		Events:      bus,
	})

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, rtr, store, auth.New(cfg.Users, logger), logger)
	server.SetEventBus(bus)
	server.SetUsage(usageStore)
	server.SetServiceStatus(connMgr.Status)

	// --- MQTT ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		stats := &mqttStatsAdapter{model: cfg.Models.Default, router: rtr}
		mqttPub = mqtt.New(cfg.MQTT, mqtt.ClientID(instanceID), bus, stats, rtr, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
		})
		logger.Info("mqtt enabled", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix, "instance_id", instanceID)
	} else {
		logger.Info("mqtt disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	// Start blocks until the server is shut down.
	serveErr := server.Start(ctx)
	if serveErr != nil && ctx.Err() == nil {
		// Listen failed; release the shutdown goroutine before returning.
		cancel()
	}
	rtr.Close()

	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	logger.Info("almanac stopped")
	return nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// openStore opens the conversation store selected by storage.driver.
func openStore(ctx context.Context, cfg *config.Config) (memory.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		s, err := memory.OpenPostgres(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		if dir := filepath.Dir(cfg.Storage.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage directory: %w", err)
			}
		}
		s, err := memory.OpenSQLite(cfg.Storage.Driver, cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
}

// usageDriver keeps the usage database on the SQLite driver the
// conversation store uses; Postgres deployments fall back to cgo SQLite.
func usageDriver(cfg *config.Config) string {
	if cfg.Storage.Driver == config.DriverSQLite {
		return config.DriverSQLite
	}
	return config.DriverSQLite3
}

// openCalendar connects to CalDAV when configured and otherwise returns
// an in-memory calendar. The second result is non-nil only for CalDAV.
func openCalendar(ctx context.Context, cfg *config.Config, logger *slog.Logger) (calendar.Backend, *calendar.CalDAVBackend, error) {
	if cfg.CalDAV.URL == "" {
		logger.Warn("caldav not configured, events are kept in memory")
		return calendar.NewMemoryBackend(), nil, nil
	}
	b, err := calendar.NewCalDAVBackend(ctx, calendar.CalDAVConfig{
		URL:      cfg.CalDAV.URL,
		Username: cfg.CalDAV.Username,
		Password: cfg.CalDAV.Password,
		Calendar: cfg.CalDAV.Calendar,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect caldav: %w", err)
	}
	return b, b, nil
}

// calendarTools registers the calendar tool set in the configured zone.
func calendarTools(cfg *config.Config, backend calendar.Backend) (*tools.Registry, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	reg := tools.NewRegistry()
	if err := calendar.NewToolset(backend, loc).Register(reg); err != nil {
		return nil, fmt.Errorf("register calendar tools: %w", err)
	}
	return reg, nil
}

// loadSystemPrompt returns the persona file's text, or the built-in
// instructions when none is configured. A relative persona path is
// resolved against the config file's directory.
func loadSystemPrompt(cfg *config.Config, cfgPath string) (string, error) {
	path := cfg.Agent.PersonaFile
	if path == "" {
		return prompts.CalendarSystemPrompt(), nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(cfgPath), path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read persona file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("persona file %s is empty", path)
	}
	return text, nil
}

// createLLMClient builds a multi-provider LLM client from the
// configuration. Models not explicitly mapped fall through to Ollama.
// The OllamaClient is created by the caller so it can be shared.
func createLLMClient(cfg *config.Config, logger *slog.Logger, ollamaClient *llm.OllamaClient) llm.Client {
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("Anthropic provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, cfg.ProviderFor(m.Name))
	}

	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", cfg.ProviderFor(cfg.Models.Default),
	)
	return multi
}

// mqttStatsAdapter bridges the router and build info to the MQTT
// publisher's [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	model  string
	router *router.Router
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) DefaultModel() string  { return a.model }
func (a *mqttStatsAdapter) ActiveSessions() int   { return a.router.Active() }
