package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/floegence/turnloop/internal/config"
	"github.com/floegence/turnloop/internal/session"
	"github.com/floegence/turnloop/internal/turn"
	"github.com/floegence/turnloop/internal/turn/extstream"
	"github.com/floegence/turnloop/internal/turnstore"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "pipe":
		pipeCmd(os.Args[2:])
	case "version":
		fmt.Printf("turnloop %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `turnloop

Usage:
  turnloop run [flags]
  turnloop pipe [flags]
  turnloop version

Commands:
  run         Run one agent turn against the configured model backend, emitting NDJSON display events on stdout.
  pipe        Drive the configured external CLI agent and map its event stream onto the display vocabulary.
  version     Print build information.

`)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	sessionID := fs.String("session", "default", "Session id")
	prompt := fs.String("prompt", "", "User prompt for this turn")
	instructions := fs.String("instructions", "", "System instructions")
	workDir := fs.String("workdir", "", "Session working directory")
	allowed := fs.String("allow", "", "Comma-separated allowed tool names (empty: meta tools only)")
	autoApprove := fs.Bool("auto-approve", false, "Skip permission prompts")
	_ = fs.Parse(args)

	if strings.TrimSpace(*prompt) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	backend, err := buildBackend(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init backend: %v\n", err)
		os.Exit(1)
	}

	var store *turnstore.Store
	if strings.TrimSpace(cfg.StorePath) != "" {
		store, err = turnstore.Open(cfg.StorePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	sink := newNDJSONSink(os.Stdout)
	registry := turn.NewSessionRegistry()
	gate := turn.NewPermissionGate(registry, newStdioRequester(), cfg.AutoApprove || *autoApprove)
	broker := turn.NewQuestionBroker(sink, cfg.QuestionTimeout())
	dispatcher := turn.NewDispatcher(log, unavailableExecutor{}, gate, broker, registry, sink)

	opts := []turn.OrchestratorOption{}
	if store != nil {
		opts = append(opts, turn.WithTranscriptStore(store))
	}
	orchestrator := turn.NewOrchestrator(log, backend, dispatcher, registry, sink, opts...)

	sess := &session.Session{
		ID:           strings.TrimSpace(*sessionID),
		WorkingDir:   strings.TrimSpace(*workDir),
		AllowedTools: splitList(*allowed),
		AutoApprove:  *autoApprove,
	}

	var history []turn.HistoryMessage
	if store != nil {
		history, err = store.History(ctx, sess.ID, 0)
		if err != nil {
			log.Warn("failed to load history", "session_id", sess.ID, "error", err)
		}
	}

	if err := orchestrator.RunTurn(ctx, turn.TurnRequest{
		Session:      sess,
		Prompt:       *prompt,
		Instructions: *instructions,
		History:      history,
	}); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
		os.Exit(1)
	}
}

func pipeCmd(args []string) {
	fs := flag.NewFlagSet("pipe", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	sessionID := fs.String("session", "default", "Session id")
	prompt := fs.String("prompt", "", "User prompt forwarded to the external agent")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.ExternalAgent == nil {
		fmt.Fprintln(os.Stderr, "external_agent is not configured")
		os.Exit(1)
	}
	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	proc, err := extstream.StartProcess(ctx, log, cfg.ExternalAgent.Bin, cfg.ExternalAgent.Args, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start external agent: %v\n", err)
		os.Exit(1)
	}
	defer proc.Close()

	if strings.TrimSpace(*prompt) != "" {
		if err := proc.Send(map[string]any{"type": "user_message", "text": strings.TrimSpace(*prompt)}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to send prompt: %v\n", err)
			os.Exit(1)
		}
	}

	sink := newNDJSONSink(os.Stdout)
	registry := turn.NewSessionRegistry()
	mapperOpts := []extstream.MapperOption{}
	if strings.TrimSpace(cfg.ExternalAgent.ScreenshotTool) != "" {
		mapperOpts = append(mapperOpts, extstream.WithScreenshotTool(cfg.ExternalAgent.ScreenshotTool))
	}
	mapper := extstream.NewMapper(log, sink, registry, strings.TrimSpace(*sessionID), mapperOpts...)

	if err := proc.Pump(ctx, mapper); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "external agent stream failed: %v\n", err)
		os.Exit(1)
	}
}

func buildBackend(cfg *config.Config, log *slog.Logger) (turn.Backend, error) {
	key, err := cfg.APIKey()
	if err != nil {
		return nil, err
	}
	switch cfg.EffectiveBackendType() {
	case config.BackendTypeAnthropic:
		return turn.NewAnthropicBackend(cfg.Backend.BaseURL, key, cfg.Backend.Model, log)
	default:
		return turn.NewOpenAIBackend(cfg.Backend.BaseURL, key, cfg.Backend.Model, cfg.Backend.LockedToolProtocol, log)
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	// Stdout carries the display event stream; logs go to stderr.
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}

// stdioRequester prompts on stderr and reads the decision from stdin.
type stdioRequester struct {
	in *bufio.Reader
}

func newStdioRequester() *stdioRequester {
	return &stdioRequester{in: bufio.NewReader(os.Stdin)}
}

func (r *stdioRequester) RequestPermission(ctx context.Context, sessionID string, toolUseID string, toolName string, input map[string]any) (string, error) {
	fmt.Fprintf(os.Stderr, "Allow tool %q for session %s? [y]es / [a]lways / [n]o: ", toolName, sessionID)
	line, err := r.in.ReadString('\n')
	if err != nil {
		return turn.PermissionDeny, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return turn.PermissionAllow, nil
	case "a", "always":
		return turn.PermissionAllowAlways, nil
	default:
		return turn.PermissionDeny, nil
	}
}

// unavailableExecutor is the placeholder capability layer: every tool
// reports executor unavailability as an error output.
type unavailableExecutor struct{}

func (unavailableExecutor) ReadFile(ctx context.Context, sessionID string, path string) (string, error) {
	return "", turn.ErrExecutorUnavailable
}

func (unavailableExecutor) WriteFile(ctx context.Context, sessionID string, path string, content string) (string, error) {
	return "", turn.ErrExecutorUnavailable
}

func (unavailableExecutor) EditFile(ctx context.Context, sessionID string, path string, oldText string, newText string) (string, error) {
	return "", turn.ErrExecutorUnavailable
}

func (unavailableExecutor) ListDirectory(ctx context.Context, sessionID string, path string) (string, error) {
	return "", turn.ErrExecutorUnavailable
}

func (unavailableExecutor) Glob(ctx context.Context, sessionID string, pattern string, root string) (string, error) {
	return "", turn.ErrExecutorUnavailable
}

func (unavailableExecutor) Grep(ctx context.Context, sessionID string, pattern string, root string) (string, error) {
	return "", turn.ErrExecutorUnavailable
}

func (unavailableExecutor) WebFetch(ctx context.Context, sessionID string, url string) (string, error) {
	return "", turn.ErrExecutorUnavailable
}

func (unavailableExecutor) WebSearch(ctx context.Context, sessionID string, query string) (string, error) {
	return "", turn.ErrExecutorUnavailable
}

func (unavailableExecutor) ExecuteCommand(ctx context.Context, sessionID string, command string, cwd string) (string, error) {
	return "", turn.ErrExecutorUnavailable
}
