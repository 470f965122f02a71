package transport

import (
	"context"
	"log/slog"
	"time"
)

// Retrying wraps a Transport and retries rate-limited calls with
// exponential backoff, honoring the service's RetryAfter when given.
// Permanent failures (ErrMessageGone, ErrNotModified, everything else)
// pass through untouched.
type Retrying struct {
	Inner       Transport
	Logger      *slog.Logger
	MaxAttempts int
	BaseDelay   time.Duration
}

// NewRetrying builds a Retrying wrapper with the default policy
// (4 attempts, 500ms base delay doubling each attempt).
func NewRetrying(inner Transport, logger *slog.Logger) *Retrying {
	return &Retrying{Inner: inner, Logger: logger, MaxAttempts: 4, BaseDelay: 500 * time.Millisecond}
}

func (r *Retrying) SendMessage(ctx context.Context, chatID, text string, opts SendOptions) (string, error) {
	var id string
	err := r.do(ctx, "send", func() error {
		var err error
		id, err = r.Inner.SendMessage(ctx, chatID, text, opts)
		return err
	})
	return id, err
}

func (r *Retrying) EditMessage(ctx context.Context, chatID, messageID, text string, opts SendOptions) error {
	return r.do(ctx, "edit", func() error {
		return r.Inner.EditMessage(ctx, chatID, messageID, text, opts)
	})
}

func (r *Retrying) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	return r.do(ctx, "delete", func() error {
		return r.Inner.DeleteMessage(ctx, chatID, messageID)
	})
}

func (r *Retrying) MessageLimit() int { return r.Inner.MessageLimit() }

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	delay := r.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		retryAfter, transient := IsTooManyRequests(err)
		if !transient || attempt >= r.MaxAttempts {
			return err
		}
		wait := delay
		if retryAfter > wait {
			wait = retryAfter
		}
		r.Logger.Debug("transport rate limited, retrying", "op", op, "attempt", attempt, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
}

var _ Transport = (*Retrying)(nil)
