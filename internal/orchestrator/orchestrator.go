// Package orchestrator owns the per-conversation run state machine: it
// coalesces inbound messages, enforces one run per (chat, engine) slot,
// drives runners, and persists resume tokens on completion.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/miilv/takopi/internal/config"
	"github.com/miilv/takopi/internal/event"
	"github.com/miilv/takopi/internal/runner"
	"github.com/miilv/takopi/internal/session"
	"github.com/miilv/takopi/internal/worktree"
)

// Sink consumes one run's ordered event sequence. The orchestrator calls
// it from a single goroutine per run.
type Sink interface {
	Handle(ctx context.Context, ev event.Event)
}

// SinkFactory builds a fresh Sink per run.
type SinkFactory func(chatID string) Sink

// RunnerSource resolves engine ids to runners; satisfied by *router.Router.
type RunnerSource interface {
	Resolve(engine string) (runner.Runner, error)
}

// SessionStore is the slice of the session store the orchestrator needs.
type SessionStore interface {
	Active(chatID, engine string) (session.Session, error)
	Record(chatID string, token event.ResumeToken, firstMessage string) (session.Session, error)
}

type slotKey struct {
	chatID string
	engine string
}

type run struct {
	id           string
	stream       *runner.Stream
	done         chan struct{}
	queued       *inbound // queue policy: at most one waiter, latest wins
	cancelWanted bool     // cancel arrived before the stream existed
}

type inbound struct {
	text        string
	attachments []string
}

type batch struct {
	texts       []string
	attachments []string
	timer       *time.Timer
}

// Orchestrator dispatches inbound messages to engine runs.
type Orchestrator struct {
	cfg    func() config.Config
	src    RunnerSource
	store  SessionStore
	sinks  SinkFactory
	trees  worktree.Provider // nil when worktrees are not configured
	logger *slog.Logger

	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	slots   map[slotKey]*run
	pending map[slotKey]*batch
}

// New builds an orchestrator. cfg is called per dispatch so reloaded
// settings apply to new runs but never to in-flight ones. trees may be
// nil when no worktree root is configured.
func New(cfg func() config.Config, src RunnerSource, store SessionStore, sinks SinkFactory, trees worktree.Provider, logger *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		src:     src,
		store:   store,
		sinks:   sinks,
		trees:   trees,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg().Runtime.MaxConcurrentRuns)),
		ctx:     ctx,
		cancel:  cancel,
		slots:   make(map[slotKey]*run),
		pending: make(map[slotKey]*batch),
	}
}

// HandleInbound accepts one chat message and returns immediately. Results
// surface through the run's Sink.
func (o *Orchestrator) HandleInbound(chatID, engineHint, text string, attachments []string) {
	cfg := o.cfg()
	engine := engineHint
	if engine == "" {
		engine = cfg.DefaultEngine
	}
	key := slotKey{chatID: chatID, engine: engine}

	window := cfg.Runtime.CoalesceWindow
	if window <= 0 {
		o.spawnDispatch(key, inbound{text: text, attachments: attachments})
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.pending[key]
	if !ok {
		b = &batch{}
		b.timer = time.AfterFunc(window, func() { o.flushBatch(key) })
		o.pending[key] = b
	} else {
		// Another message inside the quiet window extends it.
		b.timer.Reset(window)
	}
	b.texts = append(b.texts, text)
	b.attachments = append(b.attachments, attachments...)
}

func (o *Orchestrator) flushBatch(key slotKey) {
	o.mu.Lock()
	b, ok := o.pending[key]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.pending, key)
	o.mu.Unlock()

	o.spawnDispatch(key, inbound{
		text:        strings.Join(b.texts, "\n\n"),
		attachments: b.attachments,
	})
}

func (o *Orchestrator) spawnDispatch(key slotKey, in inbound) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.dispatch(key, in)
	}()
}

// CancelActive cancels the in-flight run for (chat, engine), reporting
// whether there was one. The run still terminates through its stream.
func (o *Orchestrator) CancelActive(chatID, engine string) bool {
	o.mu.Lock()
	r, ok := o.slots[slotKey{chatID: chatID, engine: engine}]
	var stream *runner.Stream
	if ok {
		stream = r.stream
		if stream == nil {
			r.cancelWanted = true
		}
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	if stream != nil {
		stream.Cancel()
	}
	return true
}

// Close stops accepting work, cancels in-flight runs, and waits for their
// pumps to drain.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for _, b := range o.pending {
		b.timer.Stop()
	}
	o.pending = make(map[slotKey]*batch)
	for _, r := range o.slots {
		if r.stream != nil {
			r.stream.Cancel()
		} else {
			r.cancelWanted = true
		}
	}
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
}

// Wait blocks until all in-flight dispatches finish. Test hook.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) dispatch(key slotKey, in inbound) {
	cfg := o.cfg()
	sink := o.sinks(key.chatID)
	runID := uuid.NewString()

	r, ok := o.acquireSlot(key, runID, cfg.Runtime.ConflictPolicy, in, sink)
	if !ok {
		return
	}
	defer o.releaseSlot(key, r)

	if err := o.sem.Acquire(o.ctx, 1); err != nil {
		sink.Handle(o.ctx, event.Cancelled(runID, key.engine))
		return
	}
	defer o.sem.Release(1)

	var resume *event.ResumeToken
	if sess, err := o.store.Active(key.chatID, key.engine); err == nil {
		tok := sess.Token()
		resume = &tok
	} else if !errors.Is(err, session.ErrNotFound) {
		o.logger.Error("session lookup failed", "chat_id", key.chatID, "engine", key.engine, "error", err)
		sink.Handle(o.ctx, event.Errored(runID, key.engine, "session storage unavailable"))
		return
	}

	rn, err := o.src.Resolve(key.engine)
	if err != nil {
		sink.Handle(o.ctx, event.Errored(runID, key.engine, err.Error()))
		return
	}

	var workDir string
	var lease worktree.Lease
	if o.trees != nil {
		lease, err = o.trees.Acquire(o.ctx, cfg.Worktree.Project, "chat-"+key.chatID)
		if err != nil {
			sink.Handle(o.ctx, event.Errored(runID, key.engine, "working directory unavailable: "+err.Error()))
			return
		}
		defer lease.Release()
		workDir = lease.Path()
	}

	stream, err := rn.Start(o.ctx, runner.Invocation{
		RunID:       runID,
		Prompt:      in.text,
		Resume:      resume,
		WorkingDir:  workDir,
		Attachments: in.attachments,
	})
	if err != nil {
		o.logger.Warn("spawn failed", "chat_id", key.chatID, "engine", key.engine, "error", err)
		sink.Handle(o.ctx, event.Errored(runID, key.engine, "could not start "+key.engine+": "+err.Error()))
		return
	}

	o.mu.Lock()
	r.stream = stream
	if r.cancelWanted {
		stream.Cancel()
	}
	o.mu.Unlock()

	o.logger.Info("run started", "run_id", runID, "chat_id", key.chatID, "engine", key.engine, "resume", resume != nil)
	o.pump(key, runID, in.text, stream, sink)
}

// pump forwards one run's events in order, persisting the resume token on
// Completed. A stream that closes without a terminal event still yields
// one downstream.
func (o *Orchestrator) pump(key slotKey, runID, prompt string, stream *runner.Stream, sink Sink) {
	sawTerminal := false
	for ev := range stream.Events() {
		if ev.Kind == event.KindCompleted && ev.Resume != nil && ev.Resume.Value != "" {
			if _, err := o.store.Record(key.chatID, *ev.Resume, prompt); err != nil {
				o.logger.Error("persisting resume token failed",
					"chat_id", key.chatID, "engine", key.engine, "error", err)
			}
		}
		sink.Handle(o.ctx, ev)
		if ev.Terminal() {
			sawTerminal = true
			o.logger.Info("run finished", "run_id", runID, "chat_id", key.chatID,
				"engine", key.engine, "outcome", string(ev.Kind))
		}
	}
	if !sawTerminal {
		sink.Handle(o.ctx, event.Errored(runID, key.engine, key.engine+" stream ended unexpectedly"))
		o.logger.Warn("stream ended without terminal event", "run_id", runID, "chat_id", key.chatID)
	}
}

// acquireSlot claims the (chat, engine) slot, applying the conflict
// policy when it is occupied. The returned run has no stream yet.
func (o *Orchestrator) acquireSlot(key slotKey, runID, policy string, in inbound, sink Sink) (*run, bool) {
	for {
		o.mu.Lock()
		cur, occupied := o.slots[key]
		if !occupied {
			r := &run{id: runID, done: make(chan struct{})}
			o.slots[key] = r
			o.mu.Unlock()
			return r, true
		}

		switch policy {
		case config.ConflictReject:
			o.mu.Unlock()
			sink.Handle(o.ctx, event.Errored(runID, key.engine, "a run is already in progress for this chat"))
			return nil, false

		case config.ConflictQueue:
			cur.queued = &inbound{text: in.text, attachments: in.attachments}
			o.mu.Unlock()
			return nil, false

		default: // cancel-and-replace
			done := cur.done
			stream := cur.stream
			if stream == nil {
				cur.cancelWanted = true
			}
			o.mu.Unlock()
			if stream != nil {
				stream.Cancel()
			}
			select {
			case <-done:
			case <-o.ctx.Done():
				return nil, false
			}
		}
	}
}

func (o *Orchestrator) releaseSlot(key slotKey, r *run) {
	o.mu.Lock()
	queued := r.queued
	delete(o.slots, key)
	o.mu.Unlock()
	close(r.done)

	if queued != nil {
		o.spawnDispatch(key, *queued)
	}
}
