package runner

import (
	"context"

	"github.com/miilv/takopi/internal/event"
)

// ScriptedRunner plays back an in-process event script instead of
// spawning a subprocess. It backs the serve --dry-run mode and
// orchestration tests.
type ScriptedRunner struct {
	// EngineID is returned by Engine().
	EngineID string

	// Run produces the event sequence. emit stamps the run id and engine
	// and returns false once the consumer is gone; cancelled closes when
	// the stream is cancelled. Run must finish with a terminal event.
	Run func(inv Invocation, emit func(event.Event) bool, cancelled <-chan struct{})
}

func (s *ScriptedRunner) Engine() string { return s.EngineID }

// Start implements Runner.
func (s *ScriptedRunner) Start(ctx context.Context, inv Invocation) (*Stream, error) {
	cancelled := make(chan struct{})
	st := &Stream{
		events:   make(chan event.Event, 64),
		onCancel: func() { close(cancelled) },
	}

	emit := func(ev event.Event) bool {
		ev.RunID = inv.RunID
		ev.Engine = s.EngineID
		select {
		case st.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(st.events)
		s.Run(inv, emit, cancelled)
	}()
	return st, nil
}

var _ Runner = (*ScriptedRunner)(nil)
