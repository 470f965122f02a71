package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/miilv/takopi/internal/transport"
)

// consoleLimit mirrors a typical chat platform's message size cap so
// overflow handling behaves the same locally.
const consoleLimit = 4096

// consoleTransport renders outbound message operations to a writer. An
// "edit" reprints the message under its id, which is close enough for a
// terminal.
type consoleTransport struct {
	mu     sync.Mutex
	w      io.Writer
	nextID int
	live   map[string]string
}

func newConsoleTransport(w io.Writer) *consoleTransport {
	return &consoleTransport{w: w, live: make(map[string]string)}
}

func (c *consoleTransport) SendMessage(_ context.Context, chatID, text string, _ transport.SendOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("msg-%d", c.nextID)
	c.live[id] = text
	c.print(chatID, id, text)
	return id, nil
}

func (c *consoleTransport) EditMessage(_ context.Context, chatID, messageID, text string, _ transport.SendOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.live[messageID]
	if !ok {
		return transport.ErrMessageGone
	}
	if prev == text {
		return transport.ErrNotModified
	}
	c.live[messageID] = text
	c.print(chatID, messageID+"*", text)
	return nil
}

func (c *consoleTransport) DeleteMessage(_ context.Context, _, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[messageID]; !ok {
		return transport.ErrMessageGone
	}
	delete(c.live, messageID)
	return nil
}

func (c *consoleTransport) MessageLimit() int { return consoleLimit }

func (c *consoleTransport) print(chatID, id, text string) {
	fmt.Fprintf(c.w, "[%s %s]\n%s\n\n", chatID, id, strings.TrimRight(text, "\n"))
}

var _ transport.Transport = (*consoleTransport)(nil)
