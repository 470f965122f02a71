// Package event defines the shared event vocabulary produced by runners
// and consumed by the orchestrator and presenter.
package event

import (
	"fmt"
	"time"
)

// Kind discriminates the event union
type Kind string

const (
	KindStarted   Kind = "started"
	KindAction    Kind = "action"
	KindCompleted Kind = "completed"
	KindErrored   Kind = "errored"
	KindCancelled Kind = "cancelled"
)

// ResumeToken is an opaque continuation handle issued by an engine.
// Tokens are immutable; a later token supersedes an earlier one, it never
// mutates it.
type ResumeToken struct {
	Engine string `json:"engine"`
	Value  string `json:"value"`
}

func (t ResumeToken) String() string {
	return fmt.Sprintf("%s:%s", t.Engine, t.Value)
}

// IsZero reports whether the token is unset.
func (t ResumeToken) IsZero() bool {
	return t.Engine == "" && t.Value == ""
}

// Action describes one unit of visible agent progress (a command run, a
// file change, an assistant message, ...).
type Action struct {
	ID     string            `json:"id"`
	Kind   string            `json:"kind"`
	Title  string            `json:"title"`
	Detail map[string]string `json:"detail,omitempty"`
	OK     bool              `json:"ok"`
}

// Event is the tagged union streamed from a run. Exactly one field beyond
// the common header is meaningful per Kind:
//
//	Started   — Resume (may be nil when the engine withholds the token)
//	Action    — Action
//	Completed — Resume + Result
//	Errored   — Reason
//	Cancelled — (header only)
type Event struct {
	Kind   Kind         `json:"kind"`
	RunID  string       `json:"run_id"`
	Engine string       `json:"engine"`
	TS     time.Time    `json:"ts"`
	Resume *ResumeToken `json:"resume,omitempty"`
	Action *Action      `json:"action,omitempty"`
	Result string       `json:"result,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// Terminal reports whether the event ends its run.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindCompleted, KindErrored, KindCancelled:
		return true
	}
	return false
}

// Started builds a Started event.
func Started(runID, engine string, resume *ResumeToken) Event {
	return Event{Kind: KindStarted, RunID: runID, Engine: engine, Resume: resume, TS: time.Now()}
}

// NewAction builds an Action event.
func NewAction(runID, engine string, a Action) Event {
	return Event{Kind: KindAction, RunID: runID, Engine: engine, Action: &a, TS: time.Now()}
}

// Completed builds the successful terminal event.
func Completed(runID, engine string, resume *ResumeToken, result string) Event {
	return Event{Kind: KindCompleted, RunID: runID, Engine: engine, Resume: resume, Result: result, TS: time.Now()}
}

// Errored builds the failure terminal event.
func Errored(runID, engine, reason string) Event {
	return Event{Kind: KindErrored, RunID: runID, Engine: engine, Reason: reason, TS: time.Now()}
}

// Cancelled builds the cancellation terminal event.
func Cancelled(runID, engine string) Event {
	return Event{Kind: KindCancelled, RunID: runID, Engine: engine, TS: time.Now()}
}
