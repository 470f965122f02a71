// Package transport defines the boundary to the chat service. The wire
// protocol lives behind this interface; the bridge only depends on send,
// edit, delete, and the service's message size limit.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors callers branch on.
var (
	// ErrNotModified means the edit carried the same text the message
	// already has. Harmless; presenters ignore it.
	ErrNotModified = errors.New("transport: message not modified")

	// ErrMessageGone means the target message was deleted out from under
	// us. Presenters fall back to sending a new message.
	ErrMessageGone = errors.New("transport: message gone")
)

// TooManyRequestsError is the transient rate-limit failure. RetryAfter is
// the service-suggested pause; zero means the caller picks its own backoff.
type TooManyRequestsError struct {
	RetryAfter time.Duration
}

func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("transport: too many requests (retry after %s)", e.RetryAfter)
}

// IsTooManyRequests reports whether err carries a rate-limit failure and
// returns the suggested pause.
func IsTooManyRequests(err error) (time.Duration, bool) {
	var tmr *TooManyRequestsError
	if errors.As(err, &tmr) {
		return tmr.RetryAfter, true
	}
	return 0, false
}

// SendOptions tune a single send or edit.
type SendOptions struct {
	// Silent suppresses the recipient-side notification.
	Silent bool
	// ReplyTo threads the message under an inbound one, when supported.
	ReplyTo string
}

// Transport is the outbound chat boundary.
type Transport interface {
	// SendMessage posts text to a chat and returns the new message id.
	SendMessage(ctx context.Context, chatID, text string, opts SendOptions) (string, error)

	// EditMessage replaces the text of an existing message.
	EditMessage(ctx context.Context, chatID, messageID, text string, opts SendOptions) error

	// DeleteMessage removes a message.
	DeleteMessage(ctx context.Context, chatID, messageID string) error

	// MessageLimit is the maximum text length the service accepts per
	// message, in runes.
	MessageLimit() int
}
