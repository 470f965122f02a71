package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/miilv/takopi/internal/event"
)

// Stream is one run's finite event sequence plus its cancellation handle.
type Stream struct {
	events chan event.Event

	cancelOnce sync.Once
	cancelling atomic.Bool
	proc       *os.Process
	grace      time.Duration
	onCancel   func()
}

// Events returns the ordered event channel. It is closed after the
// terminal event has been delivered.
func (s *Stream) Events() <-chan event.Event { return s.events }

// Cancel signals the subprocess (SIGTERM, then SIGKILL after the grace
// period). The stream still terminates, with a Cancelled event. Safe to
// call more than once and after the run has finished.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancelling.Store(true)
		if s.onCancel != nil {
			s.onCancel()
		}
		proc := s.proc
		if proc == nil {
			return
		}
		_ = signalProcess(proc, syscall.SIGTERM)
		go func() {
			time.Sleep(s.grace)
			_ = signalProcess(proc, os.Kill)
		}()
	})
}

// signalProcess sends sig, treating an already-exited process as success.
func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// SubprocessRunner is the shared JSONL subprocess core, specialized by a
// Backend.
type SubprocessRunner struct {
	backend Backend
	binary  string
	extra   []string // config-supplied args prepended to backend args
	env     map[string]string
	opts    Options
	logger  *slog.Logger
}

// NewSubprocess builds a runner for one engine backend. binary is the
// configured executable name or path.
func NewSubprocess(backend Backend, binary string, extraArgs []string, env map[string]string, opts Options, logger *slog.Logger) *SubprocessRunner {
	return &SubprocessRunner{
		backend: backend,
		binary:  binary,
		extra:   extraArgs,
		env:     env,
		opts:    opts.withDefaults(),
		logger:  logger,
	}
}

// Engine returns the backend's engine id.
func (r *SubprocessRunner) Engine() string { return r.backend.Engine() }

// Binary returns the configured executable, for availability probing.
func (r *SubprocessRunner) Binary() string { return r.binary }

// Start spawns the subprocess and begins streaming events. Failures here
// (binary missing, pipe setup, exec) mean no stream ever existed; the
// caller reports them as a run that errored before starting.
func (r *SubprocessRunner) Start(ctx context.Context, inv Invocation) (*Stream, error) {
	args, stdin := r.backend.CommandArgs(inv)
	args = append(append([]string{}, r.extra...), args...)

	resolved, err := exec.LookPath(r.binary)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", r.Engine(), err)
	}

	cmd := exec.Command(resolved, args...)
	cmd.Dir = inv.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), r.env, inv.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine %s: stdout pipe: %w", r.Engine(), err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine %s: stderr pipe: %w", r.Engine(), err)
	}
	var stdinPipe io.WriteCloser
	if stdin != nil {
		stdinPipe, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("engine %s: stdin pipe: %w", r.Engine(), err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine %s: spawn: %w", r.Engine(), err)
	}

	r.logger.Debug("engine spawned", "engine", r.Engine(), "run_id", inv.RunID, "pid", cmd.Process.Pid)

	if stdinPipe != nil {
		go func() {
			_, werr := stdinPipe.Write(stdin)
			if werr != nil {
				r.logger.Debug("stdin write failed", "engine", r.Engine(), "run_id", inv.RunID, "error", werr)
			}
			_ = stdinPipe.Close()
		}()
	}

	s := &Stream{
		events: make(chan event.Event, 64),
		proc:   cmd.Process,
		grace:  r.opts.GracePeriod,
	}

	go r.drainStderr(stderr, inv.RunID)
	go r.readLoop(ctx, cmd, stdout, inv, s)

	return s, nil
}

// readLoop owns the run from first output line to terminal event. It is
// the single writer of the stream and closes it after exactly one
// terminal event.
func (r *SubprocessRunner) readLoop(ctx context.Context, cmd *exec.Cmd, stdout io.ReadCloser, inv Invocation, s *Stream) {
	defer close(s.events)

	st := &TurnState{
		RunID:    inv.RunID,
		Engine:   r.Engine(),
		Expected: inv.Resume,
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), r.opts.ScannerBuffer)

	emit := func(ev event.Event) bool {
		ev.RunID = inv.RunID
		ev.Engine = r.Engine()
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		terminal     *event.Event
		consecutive  int
		abandoned    bool
		parseAborted bool
		sawStarted   bool
	)

scan:
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		evs, err := r.backend.TranslateLine(line, st)
		if errors.Is(err, ErrSkipLine) {
			consecutive = 0
			continue
		}
		if err != nil {
			consecutive++
			r.logger.Warn("malformed engine output line",
				"engine", r.Engine(), "run_id", inv.RunID,
				"error", err, "line", truncateForLog(line))
			if consecutive >= r.opts.ParseFailureLimit {
				parseAborted = true
				s.Cancel()
				break scan
			}
			continue
		}
		consecutive = 0

		for _, ev := range evs {
			if ev.Kind == event.KindStarted {
				if !r.adoptStarted(ev, st, inv, sawStarted) {
					continue
				}
				sawStarted = true
			}
			if ev.Terminal() {
				ev := ev
				terminal = &ev
				break scan
			}
			if !emit(ev) {
				abandoned = true
				break scan
			}
		}
	}

	scanErr := scanner.Err()

	// The subprocess must be reaped regardless of how the scan ended. If
	// a terminal event arrived mid-stream the process may still be
	// winding down; give it the same grace a cancellation would.
	if terminal != nil || abandoned {
		s.Cancel()
	}
	waitErr := cmd.Wait()

	switch {
	case abandoned:
		// Shutdown context died; nobody is listening. Leave a best-effort
		// terminal marker for any late reader.
		select {
		case s.events <- event.Cancelled(inv.RunID, r.Engine()):
		default:
		}
		return
	case terminal != nil:
		emit(*terminal)
		return
	case parseAborted:
		emit(event.Errored(inv.RunID, r.Engine(), "unparseable agent output"))
		return
	case s.cancelling.Load() || ctx.Err() != nil:
		emit(event.Cancelled(inv.RunID, r.Engine()))
		return
	case scanErr != nil:
		emit(event.Errored(inv.RunID, r.Engine(), fmt.Sprintf("reading agent output: %v", scanErr)))
		return
	case waitErr != nil:
		emit(event.Errored(inv.RunID, r.Engine(), fmt.Sprintf("%s failed: %v", r.Engine(), waitErr)))
		return
	default:
		emit(event.Errored(inv.RunID, r.Engine(), fmt.Sprintf("%s finished without a result event", r.Engine())))
		return
	}
}

// adoptStarted applies first-wins to Started events: the first one is
// recorded and forwarded, duplicates and mismatches are logged and
// dropped so downstream sees at most one Started per run.
func (r *SubprocessRunner) adoptStarted(ev event.Event, st *TurnState, inv Invocation, sawStarted bool) bool {
	if sawStarted {
		if ev.Resume != nil && (st.Found == nil || ev.Resume.Value != st.Found.Value) {
			r.logger.Warn("engine re-announced a different session; keeping first",
				"engine", r.Engine(), "run_id", inv.RunID, "got", ev.Resume.Value)
		}
		return false
	}
	if ev.Resume != nil {
		if st.Expected != nil && ev.Resume.Value != st.Expected.Value {
			r.logger.Warn("engine announced unexpected session",
				"engine", r.Engine(), "run_id", inv.RunID,
				"expected", st.Expected.Value, "got", ev.Resume.Value)
		}
		tok := *ev.Resume
		st.Found = &tok
	}
	return true
}

func (r *SubprocessRunner) drainStderr(stderr io.Reader, runID string) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		r.logger.Debug("engine stderr", "engine", r.Engine(), "run_id", runID, "line", scanner.Text())
	}
}

func mergeEnv(base []string, layers ...map[string]string) []string {
	out := append([]string{}, base...)
	for _, layer := range layers {
		for k, v := range layer {
			out = append(out, k+"="+v)
		}
	}
	return out
}

func truncateForLog(line string) string {
	const max = 200
	if len(line) <= max {
		return line
	}
	return line[:max] + "..."
}

var _ Runner = (*SubprocessRunner)(nil)
