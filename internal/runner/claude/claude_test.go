package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miilv/takopi/internal/event"
	"github.com/miilv/takopi/internal/runner"
)

func newState() *runner.TurnState {
	return &runner.TurnState{RunID: "r1", Engine: "claude"}
}

func TestCommandArgsFreshSession(t *testing.T) {
	b := New()
	args, stdin := b.CommandArgs(runner.Invocation{Prompt: "fix the bug"})
	assert.Equal(t, []string{"-p", "--output-format", "stream-json", "--verbose"}, args)
	assert.Equal(t, "fix the bug", string(stdin))
}

func TestCommandArgsResume(t *testing.T) {
	b := New()
	args, _ := b.CommandArgs(runner.Invocation{
		Prompt: "continue",
		Resume: &event.ResumeToken{Engine: "claude", Value: "sess-42"},
	})
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "sess-42")
}

func TestSystemInitBecomesStarted(t *testing.T) {
	b := New()
	evs, err := b.TranslateLine(`{"type":"system","subtype":"init","session_id":"abc-123"}`, newState())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindStarted, evs[0].Kind)
	require.NotNil(t, evs[0].Resume)
	assert.Equal(t, "abc-123", evs[0].Resume.Value)
	assert.Equal(t, "claude", evs[0].Resume.Engine)
}

func TestOtherSystemSubtypesSkipped(t *testing.T) {
	b := New()
	_, err := b.TranslateLine(`{"type":"system","subtype":"compact_boundary"}`, newState())
	assert.ErrorIs(t, err, runner.ErrSkipLine)
}

func TestAssistantTextBecomesMessageAction(t *testing.T) {
	b := New()
	evs, err := b.TranslateLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"Looking at the tests now."}]}}`, newState())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindAction, evs[0].Kind)
	assert.Equal(t, "message", evs[0].Action.Kind)
	assert.Equal(t, "Looking at the tests now.", evs[0].Action.Detail["text"])
}

func TestToolUseAndResultPairUp(t *testing.T) {
	b := New()
	st := newState()

	evs, err := b.TranslateLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"go test ./..."}}]}}`, st)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "run: go test ./...", evs[0].Action.Title)
	assert.Equal(t, "tu_1", evs[0].Action.ID)

	evs, err = b.TranslateLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","is_error":false}]}}`, st)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "tool ok: Bash", evs[0].Action.Title)
	assert.True(t, evs[0].Action.OK)
}

func TestFailedToolResult(t *testing.T) {
	b := New()
	st := newState()
	_, err := b.TranslateLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_2","name":"Edit","input":{"file_path":"main.go"}}]}}`, st)
	require.NoError(t, err)

	evs, err := b.TranslateLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_2","is_error":true}]}}`, st)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "tool failed: Edit", evs[0].Action.Title)
	assert.False(t, evs[0].Action.OK)
}

func TestUnknownToolResultIgnored(t *testing.T) {
	b := New()
	evs, err := b.TranslateLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"never-seen"}]}}`, newState())
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestResultBecomesCompleted(t *testing.T) {
	b := New()
	st := newState()
	evs, err := b.TranslateLine(`{"type":"result","subtype":"success","is_error":false,"result":"Done. Fixed in main.go.","session_id":"abc-123"}`, st)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindCompleted, evs[0].Kind)
	assert.Equal(t, "Done. Fixed in main.go.", evs[0].Result)
	require.NotNil(t, evs[0].Resume)
	assert.Equal(t, "abc-123", evs[0].Resume.Value)
}

func TestErrorResultBecomesErrored(t *testing.T) {
	b := New()
	evs, err := b.TranslateLine(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"context overflow"}`, newState())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindErrored, evs[0].Kind)
	assert.Equal(t, "context overflow", evs[0].Reason)
}

func TestMalformedLineRejected(t *testing.T) {
	b := New()
	_, err := b.TranslateLine(`this is not json`, newState())
	require.Error(t, err)
	assert.NotErrorIs(t, err, runner.ErrSkipLine)

	_, err = b.TranslateLine(`{"no_type":true}`, newState())
	require.Error(t, err)
	assert.NotErrorIs(t, err, runner.ErrSkipLine)
}

func TestUnknownTypeSkipped(t *testing.T) {
	b := New()
	_, err := b.TranslateLine(`{"type":"stream_event"}`, newState())
	assert.ErrorIs(t, err, runner.ErrSkipLine)
}
