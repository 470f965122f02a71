// Package inject lets other local processes hand messages to the bridge
// by dropping JSON files into a watched directory.
package inject

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// systemPrefix marks injected text so the agent can tell it apart from
// the user's own messages.
const systemPrefix = "[SYSTEM] "

// pollInterval is the fallback sweep period for events fsnotify missed.
const pollInterval = 5 * time.Second

// Dispatcher accepts inbound messages; satisfied by the orchestrator.
type Dispatcher interface {
	HandleInbound(chatID, engineHint, text string, attachments []string)
}

// SessionClearer drops a chat's active session pointers; satisfied by the
// session store.
type SessionClearer interface {
	Clear(chatID string) error
}

type payload struct {
	Text       string `json:"text"`
	NewSession bool   `json:"new_session"`
}

// Watcher consumes injection files from one directory for one chat.
type Watcher struct {
	dir      string
	chatID   string
	dispatch Dispatcher
	sessions SessionClearer
	logger   *slog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New builds a watcher over dir addressing chatID.
func New(dir, chatID string, dispatch Dispatcher, sessions SessionClearer, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		chatID:   chatID,
		dispatch: dispatch,
		sessions: sessions,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start sweeps existing files and begins watching. It returns once the
// watch is established; consumption continues in the background.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return err
	}

	w.sweep()
	go w.loop(fw)
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) loop(fw *fsnotify.Watcher) {
	defer close(w.done)
	defer fw.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if strings.HasSuffix(ev.Name, ".json") {
				w.consume(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("inject watch error", "dir", w.dir, "error", err)
		case <-ticker.C:
			w.sweep()
		case <-w.stop:
			return
		}
	}
}

// sweep consumes any *.json already sitting in the directory.
func (w *Watcher) sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("inject sweep failed", "dir", w.dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		w.consume(filepath.Join(w.dir, e.Name()))
	}
}

// consume reads, deletes, and dispatches one injection file. Malformed
// files are renamed aside with a .bad suffix rather than retried forever.
func (w *Watcher) consume(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return // already consumed
	}
	if err != nil {
		w.logger.Warn("inject read failed", "file", path, "error", err)
		return
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil || strings.TrimSpace(p.Text) == "" {
		w.logger.Warn("malformed inject file", "file", path, "error", err)
		if rerr := os.Rename(path, path+".bad"); rerr != nil {
			w.logger.Warn("could not set aside inject file", "file", path, "error", rerr)
		}
		return
	}

	// Delete before dispatch so a crash cannot double-deliver.
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		w.logger.Warn("inject remove failed", "file", path, "error", err)
		return
	}

	if p.NewSession {
		if err := w.sessions.Clear(w.chatID); err != nil {
			w.logger.Warn("clearing session for inject failed", "chat_id", w.chatID, "error", err)
		}
	}

	w.logger.Info("inject consumed", "file", filepath.Base(path), "new_session", p.NewSession)
	w.dispatch.HandleInbound(w.chatID, "", systemPrefix+strings.TrimSpace(p.Text), nil)
}
