// Package claude translates the Claude Code CLI's stream-json output
// into engine events.
package claude

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/miilv/takopi/internal/event"
	"github.com/miilv/takopi/internal/runner"
)

const engineID = "claude"

// Backend parses `claude -p --output-format stream-json --verbose`.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Engine() string { return engineID }

// CommandArgs builds the argv for a turn. The prompt goes over stdin so
// it never hits argv length limits or shell history.
func (b *Backend) CommandArgs(inv runner.Invocation) ([]string, []byte) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if inv.Resume != nil && inv.Resume.Value != "" {
		args = append(args, "--resume", inv.Resume.Value)
	}
	return args, []byte(inv.Prompt)
}

// TranslateLine maps one stream-json line to zero or more events.
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
	case "system":
		if root.Get("subtype").String() != "init" {
			return nil, runner.ErrSkipLine
		}
		var tok *event.ResumeToken
		if sid := root.Get("session_id").String(); sid != "" {
			tok = &event.ResumeToken{Engine: engineID, Value: sid}
		}
		return []event.Event{event.Started(st.RunID, engineID, tok)}, nil

	case "assistant":
		return b.assistantEvents(root, st), nil

	case "user":
		return b.toolResultEvents(root, st), nil

	case "result":
		return b.resultEvents(root, st), nil

	default:
		return nil, runner.ErrSkipLine
	}
}

func (b *Backend) assistantEvents(root gjson.Result, st *runner.TurnState) []event.Event {
	var evs []event.Event
	for _, block := range root.Get("message.content").Array() {
		switch block.Get("type").String() {
		case "text":
			text := strings.TrimSpace(block.Get("text").String())
			if text == "" {
				continue
			}
			evs = append(evs, event.NewAction(st.RunID, engineID, event.Action{
				ID:     st.NextNoteID(),
				Kind:   "message",
				Title:  summarize(text, 120),
				Detail: map[string]string{"text": text},
				OK:     true,
			}))
		case "tool_use":
			id := block.Get("id").String()
			name := block.Get("name").String()
			if id == "" || name == "" {
				continue
			}
			st.Put(id, name)
			evs = append(evs, event.NewAction(st.RunID, engineID, event.Action{
				ID:     id,
				Kind:   "tool",
				Title:  toolTitle(name, block.Get("input")),
				Detail: map[string]string{"tool": name},
				OK:     true,
			}))
		}
	}
	return evs
}

// toolResultEvents closes out pending tool calls. Claude echoes results
// back as user messages carrying tool_result blocks.
func (b *Backend) toolResultEvents(root gjson.Result, st *runner.TurnState) []event.Event {
	var evs []event.Event
	for _, block := range root.Get("message.content").Array() {
		if block.Get("type").String() != "tool_result" {
			continue
		}
		id := block.Get("tool_use_id").String()
		name := st.Get(id)
		if name == "" {
			continue
		}
		failed := block.Get("is_error").Bool()
		evs = append(evs, event.NewAction(st.RunID, engineID, event.Action{
			ID:     id,
			Kind:   "tool",
			Title:  toolOutcome(name, failed),
			Detail: map[string]string{"tool": name},
			OK:     !failed,
		}))
	}
	return evs
}

func (b *Backend) resultEvents(root gjson.Result, st *runner.TurnState) []event.Event {
	tok := st.Found
	if sid := root.Get("session_id").String(); sid != "" {
		tok = &event.ResumeToken{Engine: engineID, Value: sid}
	}

	if root.Get("is_error").Bool() || strings.HasPrefix(root.Get("subtype").String(), "error") {
		reason := strings.TrimSpace(root.Get("result").String())
		if reason == "" {
			reason = root.Get("subtype").String()
		}
		if reason == "" {
			reason = "agent reported an error"
		}
		return []event.Event{event.Errored(st.RunID, engineID, reason)}
	}

	return []event.Event{event.Completed(st.RunID, engineID, tok, strings.TrimSpace(root.Get("result").String()))}
}

// toolTitle renders a short human line for a tool invocation, pulling
// the most informative input field per tool.
func toolTitle(name string, input gjson.Result) string {
	switch name {
	case "Bash":
		if cmd := input.Get("command").String(); cmd != "" {
			return "run: " + summarize(cmd, 80)
		}
	case "Read", "Write", "Edit":
		if path := input.Get("file_path").String(); path != "" {
			return strings.ToLower(name) + ": " + path
		}
	case "Grep", "Glob":
		if pat := input.Get("pattern").String(); pat != "" {
			return strings.ToLower(name) + ": " + summarize(pat, 60)
		}
	}
	return "tool: " + name
}

func toolOutcome(name string, failed bool) string {
	if failed {
		return "tool failed: " + name
	}
	return "tool ok: " + name
}

func summarize(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

var _ runner.Backend = (*Backend)(nil)
