package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/miilv/takopi/internal/config"
	"github.com/miilv/takopi/internal/event"
	"github.com/miilv/takopi/internal/inject"
	"github.com/miilv/takopi/internal/orchestrator"
	"github.com/miilv/takopi/internal/presenter"
	"github.com/miilv/takopi/internal/router"
	"github.com/miilv/takopi/internal/runner"
	"github.com/miilv/takopi/internal/runner/claude"
	"github.com/miilv/takopi/internal/runner/codex"
	"github.com/miilv/takopi/internal/session"
	"github.com/miilv/takopi/internal/transport"
	"github.com/miilv/takopi/internal/transport/memory"
	"github.com/miilv/takopi/internal/worktree"
)

// localChatID is the chat the console loop reads and writes.
const localChatID = "local"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge loop",
	Long: `Read messages from stdin and drive coding-agent runs, streaming
progress back to stdout. Lines starting with /cancel cancel the active
run; /engine <id> <text> overrides the default engine for one message.

With --dry-run, outbound messages are recorded in memory instead of
printed, and engines are replayed from scripts rather than spawned.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("dry-run", false, "Do not spawn real engines or print outbound messages")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd, cmd.ErrOrStderr())

	configPath, _ := cmd.Flags().GetString("config")
	loader := config.NewLoader(configPath, logger)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	store, err := session.Open(cfg.StorePath(configPath), cfg.Runtime.SessionCap)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()
	if err := store.ImportLegacy(legacyStatePath(configPath)); err != nil {
		logger.Warn("legacy state import failed", "error", err)
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")

	var tr transport.Transport
	if dryRun {
		tr = memory.New(4096)
	} else {
		tr = newConsoleTransport(cmd.OutOrStdout())
	}
	tr = transport.NewRetrying(tr, logger)

	rt := router.New(0)
	registerEngines(rt, cfg, logger, dryRun)

	var trees worktree.Provider
	if cfg.Worktree.Root != "" {
		trees = worktree.NewDirProvider(cfg.Worktree.Root)
	}

	sinks := func(chatID string) orchestrator.Sink {
		return presenter.New(tr, chatID, presenter.Options{
			MinEditInterval: cfg.Runtime.EditInterval,
			Overflow:        cfg.Runtime.Overflow,
		}, logger)
	}

	orch := orchestrator.New(loader.Current, rt, store, sinks, trees, logger)
	defer orch.Close()

	loader.Watch(func(config.Config) {
		rt.Invalidate()
		registerEngines(rt, loader.Current(), logger, dryRun)
		logger.Info("engines re-registered after config reload")
	})

	if cfg.Inject.Dir != "" {
		w := inject.New(cfg.Inject.Dir, cfg.Inject.ChatID, orch, store, logger)
		if err := w.Start(); err != nil {
			return fmt.Errorf("start inject watcher: %w", err)
		}
		defer w.Close()
		logger.Info("inject watcher started", "dir", cfg.Inject.Dir, "chat_id", cfg.Inject.ChatID)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("takopi serving", "default_engine", cfg.DefaultEngine, "engines", rt.Engines())
	return consoleLoop(ctx, cmd.InOrStdin(), orch, loader)
}

// consoleLoop feeds stdin lines to the orchestrator until EOF or signal.
func consoleLoop(ctx context.Context, in io.Reader, orch *orchestrator.Orchestrator, loader *config.Loader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			engine, text, cancel := parseConsoleLine(line)
			if cancel {
				orch.CancelActive(localChatID, engineOrDefault(engine, loader))
				continue
			}
			orch.HandleInbound(localChatID, engine, text, nil)
		}
	}
}

// parseConsoleLine understands /cancel [engine] and /engine <id> <text>.
func parseConsoleLine(line string) (engine, text string, cancel bool) {
	switch {
	case line == "/cancel" || strings.HasPrefix(line, "/cancel "):
		return strings.TrimSpace(strings.TrimPrefix(line, "/cancel")), "", true
	case strings.HasPrefix(line, "/engine "):
		rest := strings.TrimPrefix(line, "/engine ")
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) == 2 {
			return parts[0], parts[1], false
		}
		return parts[0], "", false
	default:
		return "", line, false
	}
}

func engineOrDefault(engine string, loader *config.Loader) string {
	if engine != "" {
		return engine
	}
	return loader.Current().DefaultEngine
}

// registerEngines (re)builds the router's runners from enabled engines.
func registerEngines(rt *router.Router, cfg config.Config, logger *slog.Logger, dryRun bool) {
	opts := runner.Options{
		GracePeriod:       cfg.Runtime.CancelGrace,
		ParseFailureLimit: cfg.Runtime.ParseFailureLimit,
	}
	for name, ec := range cfg.Engines {
		if !ec.Enabled {
			continue
		}
		var backend runner.Backend
		switch name {
		case "claude":
			backend = claude.New()
		case "codex":
			backend = codex.New()
		default:
			logger.Debug("skipping unknown engine", "engine", name)
			continue
		}
		if dryRun {
			rt.Register(dryRunRunner(name))
			continue
		}
		rt.Register(runner.NewSubprocess(backend, ec.Binary, ec.Args, ec.Env, opts, logger))
	}
}

// dryRunRunner echoes the prompt back without spawning anything.
func dryRunRunner(engine string) runner.Runner {
	return &runner.ScriptedRunner{
		EngineID: engine,
		Run: func(inv runner.Invocation, emit func(event.Event) bool, cancelled <-chan struct{}) {
			emit(event.Started(inv.RunID, engine, nil))
			select {
			case <-cancelled:
				emit(event.Cancelled(inv.RunID, engine))
			default:
				emit(event.Completed(inv.RunID, engine, nil, "[dry-run] "+inv.Prompt))
			}
		},
	}
}

func legacyStatePath(configPath string) string {
	if configPath != "" {
		return filepath.Join(filepath.Dir(configPath), "sessions.json")
	}
	return "sessions.json"
}
