package inject

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	texts []string
	chats []string
}

func (d *recordingDispatcher) HandleInbound(chatID, _, text string, _ []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chats = append(d.chats, chatID)
	d.texts = append(d.texts, text)
}

func (d *recordingDispatcher) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.texts) >= n {
			out := append([]string{}, d.texts...)
			d.mu.Unlock()
			return out
		}
		d.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d dispatches", n)
	return nil
}

type recordingClearer struct {
	mu      sync.Mutex
	cleared []string
}

func (c *recordingClearer) Clear(chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, chatID)
	return nil
}

func newWatcher(t *testing.T) (*Watcher, *recordingDispatcher, *recordingClearer, string) {
	t.Helper()
	dir := t.TempDir()
	d := &recordingDispatcher{}
	c := &recordingClearer{}
	w := New(dir, "chat1", d, c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, w.Start())
	t.Cleanup(w.Close)
	return w, d, c, dir
}

func TestConsumesDroppedFile(t *testing.T) {
	_, d, _, dir := newWatcher(t)

	path := filepath.Join(dir, "msg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"text":"deploy finished"}`), 0o644))

	texts := d.wait(t, 1)
	assert.Equal(t, "[SYSTEM] deploy finished", texts[0])

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "file consumed")
}

func TestSweepsPreexistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.json"), []byte(`{"text":"was here first"}`), 0o644))

	d := &recordingDispatcher{}
	w := New(dir, "chat1", d, &recordingClearer{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, w.Start())
	defer w.Close()

	texts := d.wait(t, 1)
	assert.Contains(t, texts[0], "was here first")
}

func TestNewSessionClearsActivePointer(t *testing.T) {
	_, d, c, dir := newWatcher(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "msg.json"),
		[]byte(`{"text":"start fresh","new_session":true}`), 0o644))

	d.wait(t, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, []string{"chat1"}, c.cleared)
}

func TestMalformedFileSetAside(t *testing.T) {
	_, d, _, dir := newWatcher(t)

	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path + ".bad"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal(".bad file never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.texts, "malformed file must not dispatch")
}

func TestEmptyTextSetAside(t *testing.T) {
	_, d, _, dir := newWatcher(t)

	path := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"text":"  "}`), 0o644))

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path + ".bad"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal(".bad file never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.texts)
}

func TestNonJSONFilesIgnored(t *testing.T) {
	_, d, _, dir := newWatcher(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "msg.json"), []byte(`{"text":"only me"}`), 0o644))

	texts := d.wait(t, 1)
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "only me")
}

func TestFileConsumedExactlyOnce(t *testing.T) {
	w, d, _, dir := newWatcher(t)

	path := filepath.Join(dir, "msg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"text":"once"}`), 0o644))
	d.wait(t, 1)

	// A manual re-sweep after consumption finds nothing.
	w.sweep()
	time.Sleep(50 * time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Len(t, d.texts, 1)
}
