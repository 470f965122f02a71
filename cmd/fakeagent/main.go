// fakeagent stands in for a real coding agent CLI. It speaks either the
// claude stream-json protocol or the codex exec --json protocol on stdout,
// reading the prompt from stdin like the real binaries do. Point an engine's
// binary at it in the config to exercise the whole bridge without spending
// tokens:
//
//	[engines.claude]
//	binary = "fakeagent"
//	enabled = true
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

func main() {
	protocol := flag.String("protocol", "claude", "wire protocol to speak (claude, codex)")
	steps := flag.Int("steps", 2, "number of tool/command actions to emit")
	delay := flag.Duration("delay", 50*time.Millisecond, "pause between output lines")
	fail := flag.Bool("fail", false, "finish with an error result instead of success")
	hang := flag.Bool("hang", false, "emit actions then block until signalled")
	garbage := flag.Int("garbage", 0, "emit this many non-JSON lines before the result")
	sessionID := flag.String("session-id", "", "session/thread id to report (default: random)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// The real CLIs read the prompt from stdin; consume it the same way
	// so the parent's pipe never blocks.
	prompt, _ := io.ReadAll(os.Stdin)

	// Resuming shows up as `--resume <id>` (claude) or `resume <id>`
	// (codex) in whatever argv the bridge built. Echo that id back so
	// session continuity is observable end to end.
	sid := *sessionID
	if resumed := resumeArg(flag.Args()); resumed != "" {
		sid = resumed
	}
	if sid == "" {
		sid = uuid.New().String()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	a := &fakeAgent{
		out:    os.Stdout,
		logger: logger,
		delay:  *delay,
		sigc:   sigc,
		prompt: strings.TrimSpace(string(prompt)),
	}

	logger.Info("fake agent starting", "protocol", *protocol, "session_id", sid, "pid", os.Getpid())

	var err error
	switch *protocol {
	case "claude":
		err = a.runClaude(sid, *steps, *garbage, *fail, *hang)
	case "codex":
		err = a.runCodex(sid, *steps, *garbage, *fail, *hang)
	default:
		logger.Error("unknown protocol", "protocol", *protocol)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("fake agent failed", "error", err)
		os.Exit(1)
	}
}

// resumeArg scans argv for a resume id in either CLI's spelling.
func resumeArg(args []string) string {
	for i, a := range args {
		if (a == "--resume" || a == "resume") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

type fakeAgent struct {
	out    io.Writer
	logger *slog.Logger
	delay  time.Duration
	sigc   chan os.Signal
	prompt string
}

// emit writes one protocol line, returning false if a shutdown signal
// arrived during the pacing delay.
func (a *fakeAgent) emit(v any) bool {
	line, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("marshal failed", "error", err)
		return false
	}
	fmt.Fprintln(a.out, string(line))
	select {
	case sig := <-a.sigc:
		a.logger.Info("received signal, stopping", "signal", sig)
		return false
	case <-time.After(a.delay):
		return true
	}
}

func (a *fakeAgent) emitRaw(s string) bool {
	fmt.Fprintln(a.out, s)
	select {
	case <-a.sigc:
		return false
	case <-time.After(a.delay):
		return true
	}
}

func (a *fakeAgent) block() {
	sig := <-a.sigc
	a.logger.Info("received signal while hanging", "signal", sig)
}

type obj = map[string]any

func (a *fakeAgent) runClaude(sid string, steps, garbage int, fail, hang bool) error {
	if !a.emit(obj{"type": "system", "subtype": "init", "session_id": sid}) {
		return nil
	}
	if !a.emit(obj{"type": "assistant", "message": obj{"content": []any{
		obj{"type": "text", "text": "Working on: " + a.prompt},
	}}}) {
		return nil
	}
	for i := 0; i < steps; i++ {
		toolID := fmt.Sprintf("toolu_%02d", i+1)
		cmd := fmt.Sprintf("echo step %d", i+1)
		if !a.emit(obj{"type": "assistant", "message": obj{"content": []any{
			obj{"type": "tool_use", "id": toolID, "name": "Bash", "input": obj{"command": cmd}},
		}}}) {
			return nil
		}
		if !a.emit(obj{"type": "user", "message": obj{"content": []any{
			obj{"type": "tool_result", "tool_use_id": toolID, "is_error": false},
		}}}) {
			return nil
		}
	}
	for i := 0; i < garbage; i++ {
		if !a.emitRaw("!! not json !!") {
			return nil
		}
	}
	if hang {
		a.block()
		return nil
	}
	if fail {
		a.emit(obj{"type": "result", "subtype": "error_during_execution", "is_error": true,
			"result": "simulated failure", "session_id": sid})
		return nil
	}
	a.emit(obj{"type": "result", "subtype": "success", "is_error": false,
		"result": "Done: " + a.prompt, "session_id": sid})
	return nil
}

func (a *fakeAgent) runCodex(tid string, steps, garbage int, fail, hang bool) error {
	if !a.emit(obj{"type": "thread.started", "thread_id": tid}) {
		return nil
	}
	for i := 0; i < steps; i++ {
		if !a.emit(obj{"type": "item.completed", "item": obj{
			"id": fmt.Sprintf("item_%02d", i+1), "item_type": "command_execution",
			"command": fmt.Sprintf("echo step %d", i+1), "exit_code": 0, "status": "completed",
		}}) {
			return nil
		}
	}
	if !a.emit(obj{"type": "item.completed", "item": obj{
		"id": "item_msg", "item_type": "agent_message", "text": "Done: " + a.prompt,
	}}) {
		return nil
	}
	for i := 0; i < garbage; i++ {
		if !a.emitRaw("!! not json !!") {
			return nil
		}
	}
	if hang {
		a.block()
		return nil
	}
	if fail {
		a.emit(obj{"type": "turn.failed", "error": obj{"message": "simulated failure"}})
		return nil
	}
	a.emit(obj{"type": "turn.completed"})
	return nil
}
