// Package memory provides an in-process Transport that records every
// operation. It backs tests and the --dry-run serve mode.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/miilv/takopi/internal/transport"
)

// Op is one recorded transport call.
type Op struct {
	Kind      string // "send", "edit", "delete"
	ChatID    string
	MessageID string
	Text      string
}

// Transport is a recording, in-memory transport. The zero value is not
// usable; construct with New.
type Transport struct {
	mu      sync.Mutex
	nextID  int
	limit   int
	ops     []Op
	text    map[string]string // messageID -> current text
	failSeq []error           // scripted failures, consumed front-to-back
}

// New returns a memory transport with the given message size limit.
func New(limit int) *Transport {
	return &Transport{limit: limit, text: make(map[string]string)}
}

// FailNext scripts errors to return from upcoming calls, in order. A nil
// entry means the call succeeds.
func (t *Transport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failSeq = append(t.failSeq, errs...)
}

func (t *Transport) nextFailure() error {
	if len(t.failSeq) == 0 {
		return nil
	}
	err := t.failSeq[0]
	t.failSeq = t.failSeq[1:]
	return err
}

func (t *Transport) SendMessage(_ context.Context, chatID, text string, _ transport.SendOptions) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.nextFailure(); err != nil {
		return "", err
	}
	t.nextID++
	id := fmt.Sprintf("m%d", t.nextID)
	t.text[id] = text
	t.ops = append(t.ops, Op{Kind: "send", ChatID: chatID, MessageID: id, Text: text})
	return id, nil
}

func (t *Transport) EditMessage(_ context.Context, chatID, messageID, text string, _ transport.SendOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.nextFailure(); err != nil {
		return err
	}
	prev, ok := t.text[messageID]
	if !ok {
		return transport.ErrMessageGone
	}
	if prev == text {
		return transport.ErrNotModified
	}
	t.text[messageID] = text
	t.ops = append(t.ops, Op{Kind: "edit", ChatID: chatID, MessageID: messageID, Text: text})
	return nil
}

func (t *Transport) DeleteMessage(_ context.Context, chatID, messageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.nextFailure(); err != nil {
		return err
	}
	if _, ok := t.text[messageID]; !ok {
		return transport.ErrMessageGone
	}
	delete(t.text, messageID)
	t.ops = append(t.ops, Op{Kind: "delete", ChatID: chatID, MessageID: messageID})
	return nil
}

func (t *Transport) MessageLimit() int { return t.limit }

// Ops returns a copy of the recorded operations.
func (t *Transport) Ops() []Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Op, len(t.ops))
	copy(out, t.ops)
	return out
}

// Text returns the current text of a live message.
func (t *Transport) Text(messageID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.text[messageID]
	return s, ok
}

var _ transport.Transport = (*Transport)(nil)
