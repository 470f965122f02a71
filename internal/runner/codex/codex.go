// Package codex translates `codex exec --json` output into engine events.
package codex

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/miilv/takopi/internal/event"
	"github.com/miilv/takopi/internal/runner"
)

const engineID = "codex"

// Backend parses the Codex CLI's experimental JSON event stream.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Engine() string { return engineID }

// CommandArgs builds the argv for a turn. `-` makes codex read the
// prompt from stdin; resuming threads uses the `exec resume` subcommand.
func (b *Backend) CommandArgs(inv runner.Invocation) ([]string, []byte) {
	args := []string{"exec", "--json"}
	if inv.Resume != nil && inv.Resume.Value != "" {
		args = []string{"exec", "resume", inv.Resume.Value, "--json"}
	}
	args = append(args, "-")
	return args, []byte(inv.Prompt)
}

// TranslateLine maps one codex event line to zero or more events.
func (b *Backend) TranslateLine(line string, st *runner.TurnState) ([]event.Event, error) {
	if !gjson.Valid(line) {
		return nil, fmt.Errorf("not valid JSON")
	}
	root := gjson.Parse(line)
	typ := root.Get("type").String()
	if typ == "" {
		return nil, fmt.Errorf("missing type field")
	}

	switch typ {
	case "thread.started":
		var tok *event.ResumeToken
		if tid := root.Get("thread_id").String(); tid != "" {
			tok = &event.ResumeToken{Engine: engineID, Value: tid}
		}
		return []event.Event{event.Started(st.RunID, engineID, tok)}, nil

	case "item.completed":
		return b.itemEvents(root.Get("item"), st), nil

	case "turn.completed":
		return []event.Event{event.Completed(st.RunID, engineID, st.Found, st.Get("last_message"))}, nil

	case "turn.failed":
		reason := strings.TrimSpace(root.Get("error.message").String())
		if reason == "" {
			reason = "turn failed"
		}
		return []event.Event{event.Errored(st.RunID, engineID, reason)}, nil

	case "error":
		msg := strings.TrimSpace(root.Get("message").String())
		if msg == "" {
			msg = "unknown error"
		}
		return []event.Event{st.Warning("error: "+msg, nil)}, nil

	case "thread.error":
		reason := strings.TrimSpace(root.Get("message").String())
		if reason == "" {
			reason = "thread error"
		}
		return []event.Event{event.Errored(st.RunID, engineID, reason)}, nil

	default:
		// turn.started, item.started, item.updated and anything newer
		// carry no information the completed form won't repeat.
		return nil, runner.ErrSkipLine
	}
}

// itemEvents renders one completed item as a progress action. Agent
// messages additionally stash their text, since turn.completed itself
// carries no result payload.
func (b *Backend) itemEvents(item gjson.Result, st *runner.TurnState) []event.Event {
	id := item.Get("id").String()
	if id == "" {
		id = st.NextNoteID()
	}

	act := event.Action{ID: id, OK: true}

	switch item.Get("item_type").String() {
	case "agent_message":
		text := strings.TrimSpace(item.Get("text").String())
		if text == "" {
			return nil
		}
		st.Put("last_message", text)
		act.Kind = "message"
		act.Title = summarize(text, 120)
		act.Detail = map[string]string{"text": text}

	case "reasoning":
		text := strings.TrimSpace(item.Get("text").String())
		if text == "" {
			return nil
		}
		act.Kind = "reasoning"
		act.Title = "thinking: " + summarize(text, 100)

	case "command_execution":
		cmd := strings.TrimSpace(item.Get("command").String())
		exit := item.Get("exit_code")
		failed := item.Get("status").String() == "failed" || (exit.Exists() && exit.Int() != 0)
		act.Kind = "command"
		act.OK = !failed
		if failed {
			act.Title = fmt.Sprintf("command failed (exit=%d): %s", exit.Int(), summarize(cmd, 60))
		} else {
			act.Title = "run: " + summarize(cmd, 80)
		}
		act.Detail = map[string]string{"command": cmd}

	case "file_change":
		var added, updated, deleted int
		for _, ch := range item.Get("changes").Array() {
			switch ch.Get("kind").String() {
			case "add":
				added++
			case "delete":
				deleted++
			default:
				updated++
			}
		}
		act.Kind = "file_change"
		act.Title = fmt.Sprintf("file changes +%d ~%d -%d", added, updated, deleted)

	case "mcp_tool_call":
		name := item.Get("server").String() + "." + item.Get("tool").String()
		failed := item.Get("status").String() == "failed"
		act.Kind = "tool"
		act.OK = !failed
		if failed {
			act.Title = "tool failed: " + name
		} else {
			act.Title = "tool ok: " + name
		}

	case "web_search":
		act.Kind = "search"
		act.Title = "search: " + summarize(item.Get("query").String(), 80)

	case "todo_list":
		items := item.Get("items").Array()
		done := 0
		for _, it := range items {
			if it.Get("completed").Bool() {
				done++
			}
		}
		act.Kind = "plan"
		act.Title = fmt.Sprintf("plan: %d/%d done", done, len(items))

	default:
		return nil
	}

	return []event.Event{event.NewAction(st.RunID, engineID, act)}
}

func summarize(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

var _ runner.Backend = (*Backend)(nil)
