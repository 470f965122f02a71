// Package router resolves engine ids to runners and answers whether an
// engine's binary is actually installed.
package router

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/miilv/takopi/internal/runner"
)

var (
	// ErrUnknownEngine means no runner is registered under that id.
	ErrUnknownEngine = errors.New("unknown engine")

	// ErrEngineUnavailable means the engine is configured but its binary
	// could not be found on PATH.
	ErrEngineUnavailable = errors.New("engine binary not found")
)

// DefaultProbeTTL is how long an availability probe result is trusted.
const DefaultProbeTTL = 30 * time.Second

// Prober reports whether a runner's binary can be executed. Satisfied by
// *runner.SubprocessRunner; fakes implement it directly in tests.
type Prober interface {
	Binary() string
}

type probeResult struct {
	available bool
	checked   time.Time
}

// Router maps engine ids to runners with a cached availability probe.
type Router struct {
	ttl      time.Duration
	lookPath func(string) (string, error)

	mu      sync.Mutex
	runners map[string]runner.Runner
	probes  map[string]probeResult
}

// New builds an empty router. ttl <= 0 selects DefaultProbeTTL.
func New(ttl time.Duration) *Router {
	if ttl <= 0 {
		ttl = DefaultProbeTTL
	}
	return &Router{
		ttl:      ttl,
		lookPath: exec.LookPath,
		runners:  make(map[string]runner.Runner),
		probes:   make(map[string]probeResult),
	}
}

// Register adds or replaces the runner for its engine id.
func (r *Router) Register(rn runner.Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[rn.Engine()] = rn
	delete(r.probes, rn.Engine())
}

// Resolve returns the runner for engine, verifying its binary exists.
// The probe result is cached for the router's TTL.
func (r *Router) Resolve(engine string) (runner.Runner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rn, ok := r.runners[engine]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, engine)
	}
	if !r.availableLocked(engine, rn) {
		return nil, fmt.Errorf("%w: %s", ErrEngineUnavailable, engine)
	}
	return rn, nil
}

// Available reports whether engine is registered and its binary resolves.
func (r *Router) Available(engine string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runners[engine]
	return ok && r.availableLocked(engine, rn)
}

func (r *Router) availableLocked(engine string, rn runner.Runner) bool {
	if res, ok := r.probes[engine]; ok && time.Since(res.checked) < r.ttl {
		return res.available
	}
	available := true
	if p, ok := rn.(Prober); ok {
		_, err := r.lookPath(p.Binary())
		available = err == nil
	}
	r.probes[engine] = probeResult{available: available, checked: time.Now()}
	return available
}

// Engines lists registered engine ids in stable order.
func (r *Router) Engines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runners))
	for id := range r.runners {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Invalidate drops all cached probe results. Called after a config
// reload so new binary paths take effect immediately.
func (r *Router) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes = make(map[string]probeResult)
}
