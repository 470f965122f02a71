// Package runner spawns one coding-agent subprocess per run and turns its
// line-delimited output into an ordered, always-terminating event stream.
// Concrete engines plug in as Backends; the subprocess lifecycle, line
// buffering, malformed-line policy, and cancellation contract are shared.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miilv/takopi/internal/event"
)

// ErrSkipLine is returned by Backend.TranslateLine for recognized no-op
// lines (blank lines, chatter events with no user-visible meaning).
var ErrSkipLine = errors.New("runner: skip line")

// Invocation describes one run of an engine subprocess.
type Invocation struct {
	RunID       string
	Prompt      string
	Resume      *event.ResumeToken
	WorkingDir  string
	Env         map[string]string
	Attachments []string
}

// Runner starts agent subprocesses for one engine.
type Runner interface {
	// Engine returns the engine id this runner serves.
	Engine() string

	// Start spawns the subprocess and returns its event stream. The
	// returned stream is finite, not restartable, and always ends with
	// exactly one terminal event. A non-nil error means nothing was
	// spawned and no stream exists.
	Start(ctx context.Context, inv Invocation) (*Stream, error)
}

// Backend is the engine-specific half of a subprocess runner: how to build
// the command line and how to map one output line to events.
type Backend interface {
	// Engine returns the engine id, e.g. "claude".
	Engine() string

	// CommandArgs builds the argv and optional stdin payload for an
	// invocation. The binary is the configured one; args must not
	// include it.
	CommandArgs(inv Invocation) (args []string, stdin []byte)

	// TranslateLine maps one raw output line to zero or more events.
	// Return ErrSkipLine for recognized no-ops; any other error marks
	// the line malformed and counts toward the abort threshold.
	TranslateLine(line string, st *TurnState) ([]event.Event, error)
}

// TurnState is per-run scratch shared between the core loop and a backend
// across TranslateLine calls.
type TurnState struct {
	RunID  string
	Engine string

	// Found is the resume token observed on this run's Started event,
	// nil until the engine announces one.
	Found *event.ResumeToken

	// Expected is the token the invocation resumed from, nil for a
	// fresh session.
	Expected *event.ResumeToken

	noteSeq int
	scratch map[string]string
}

// NextNoteID mints a stable per-run id for synthetic actions.
func (st *TurnState) NextNoteID() string {
	st.noteSeq++
	return fmt.Sprintf("%s.note.%d", st.Engine, st.noteSeq)
}

// Put stores backend scratch state for the rest of the run.
func (st *TurnState) Put(key, value string) {
	if st.scratch == nil {
		st.scratch = make(map[string]string)
	}
	st.scratch[key] = value
}

// Get returns backend scratch state stored with Put.
func (st *TurnState) Get(key string) string {
	return st.scratch[key]
}

// Warning builds a non-fatal Action event for odd-but-survivable lines.
func (st *TurnState) Warning(title string, detail map[string]string) event.Event {
	return event.NewAction(st.RunID, st.Engine, event.Action{
		ID:     st.NextNoteID(),
		Kind:   "warning",
		Title:  title,
		Detail: detail,
	})
}

// Options tune the shared subprocess core.
type Options struct {
	// GracePeriod is how long a cancelled subprocess gets between
	// SIGTERM and SIGKILL.
	GracePeriod time.Duration

	// ParseFailureLimit aborts the run after this many consecutive
	// malformed output lines.
	ParseFailureLimit int

	// ScannerBuffer caps a single output line, in bytes.
	ScannerBuffer int
}

// DefaultOptions returns the options used when a field is zero.
func DefaultOptions() Options {
	return Options{
		GracePeriod:       5 * time.Second,
		ParseFailureLimit: 5,
		ScannerBuffer:     1 << 20,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.GracePeriod <= 0 {
		o.GracePeriod = def.GracePeriod
	}
	if o.ParseFailureLimit <= 0 {
		o.ParseFailureLimit = def.ParseFailureLimit
	}
	if o.ScannerBuffer <= 0 {
		o.ScannerBuffer = def.ScannerBuffer
	}
	return o
}
