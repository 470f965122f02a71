package codex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miilv/takopi/internal/event"
	"github.com/miilv/takopi/internal/runner"
)

func newState() *runner.TurnState {
	return &runner.TurnState{RunID: "r1", Engine: "codex"}
}

func TestCommandArgsFreshThread(t *testing.T) {
	b := New()
	args, stdin := b.CommandArgs(runner.Invocation{Prompt: "add a flag"})
	assert.Equal(t, []string{"exec", "--json", "-"}, args)
	assert.Equal(t, "add a flag", string(stdin))
}

func TestCommandArgsResume(t *testing.T) {
	b := New()
	args, _ := b.CommandArgs(runner.Invocation{
		Prompt: "continue",
		Resume: &event.ResumeToken{Engine: "codex", Value: "thread-9"},
	})
	assert.Equal(t, []string{"exec", "resume", "thread-9", "--json", "-"}, args)
}

func TestThreadStartedBecomesStarted(t *testing.T) {
	b := New()
	evs, err := b.TranslateLine(`{"type":"thread.started","thread_id":"th_1"}`, newState())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindStarted, evs[0].Kind)
	require.NotNil(t, evs[0].Resume)
	assert.Equal(t, "th_1", evs[0].Resume.Value)
}

func TestAgentMessageFeedsTurnResult(t *testing.T) {
	b := New()
	st := newState()

	evs, err := b.TranslateLine(`{"type":"item.completed","item":{"id":"i1","item_type":"agent_message","text":"All tests pass."}}`, st)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "message", evs[0].Action.Kind)

	evs, err = b.TranslateLine(`{"type":"turn.completed","usage":{"input_tokens":10}}`, st)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindCompleted, evs[0].Kind)
	assert.Equal(t, "All tests pass.", evs[0].Result)
}

func TestCommandExecutionRendering(t *testing.T) {
	b := New()

	evs, err := b.TranslateLine(`{"type":"item.completed","item":{"id":"i1","item_type":"command_execution","command":"go vet ./...","exit_code":0,"status":"completed"}}`, newState())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "run: go vet ./...", evs[0].Action.Title)
	assert.True(t, evs[0].Action.OK)

	evs, err = b.TranslateLine(`{"type":"item.completed","item":{"id":"i2","item_type":"command_execution","command":"make build","exit_code":2,"status":"failed"}}`, newState())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Contains(t, evs[0].Action.Title, "command failed (exit=2)")
	assert.False(t, evs[0].Action.OK)
}

func TestFileChangeTally(t *testing.T) {
	b := New()
	evs, err := b.TranslateLine(`{"type":"item.completed","item":{"id":"i1","item_type":"file_change","changes":[{"kind":"add","path":"a.go"},{"kind":"update","path":"b.go"},{"kind":"update","path":"c.go"},{"kind":"delete","path":"d.go"}]}}`, newState())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "file changes +1 ~2 -1", evs[0].Action.Title)
}

func TestMCPToolCall(t *testing.T) {
	b := New()
	evs, err := b.TranslateLine(`{"type":"item.completed","item":{"id":"i1","item_type":"mcp_tool_call","server":"github","tool":"create_pr","status":"completed"}}`, newState())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "tool ok: github.create_pr", evs[0].Action.Title)
}

func TestTodoListSummary(t *testing.T) {
	b := New()
	evs, err := b.TranslateLine(`{"type":"item.completed","item":{"id":"i1","item_type":"todo_list","items":[{"text":"a","completed":true},{"text":"b","completed":false},{"text":"c","completed":false}]}}`, newState())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "plan: 1/3 done", evs[0].Action.Title)
}

func TestTurnFailedBecomesErrored(t *testing.T) {
	b := New()
	evs, err := b.TranslateLine(`{"type":"turn.failed","error":{"message":"sandbox denied"}}`, newState())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindErrored, evs[0].Kind)
	assert.Equal(t, "sandbox denied", evs[0].Reason)
}

func TestStreamErrorIsWarningNotTerminal(t *testing.T) {
	b := New()
	evs, err := b.TranslateLine(`{"type":"error","message":"rate limited, retrying"}`, newState())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindAction, evs[0].Kind)
	assert.Equal(t, "warning", evs[0].Action.Kind)
	assert.False(t, evs[0].Terminal())
}

func TestChatterSkipped(t *testing.T) {
	b := New()
	for _, line := range []string{
		`{"type":"turn.started"}`,
		`{"type":"item.started","item":{"id":"i1","item_type":"command_execution"}}`,
		`{"type":"item.updated","item":{"id":"i1","item_type":"command_execution"}}`,
	} {
		_, err := b.TranslateLine(line, newState())
		assert.ErrorIs(t, err, runner.ErrSkipLine, line)
	}
}

func TestMalformedLineRejected(t *testing.T) {
	b := New()
	_, err := b.TranslateLine(`not json at all`, newState())
	require.Error(t, err)
	assert.NotErrorIs(t, err, runner.ErrSkipLine)
}
