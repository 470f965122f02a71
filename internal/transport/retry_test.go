package transport_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miilv/takopi/internal/logging"
	"github.com/miilv/takopi/internal/transport"
	"github.com/miilv/takopi/internal/transport/memory"
)

func newRetrying(inner transport.Transport) *transport.Retrying {
	rt := transport.NewRetrying(inner, logging.New(io.Discard, slog.LevelError))
	rt.BaseDelay = time.Millisecond
	return rt
}

func TestRetryAfterRateLimit(t *testing.T) {
	mem := memory.New(4096)
	mem.FailNext(&transport.TooManyRequestsError{}, &transport.TooManyRequestsError{}, nil)

	rt := newRetrying(mem)
	id, err := rt.SendMessage(context.Background(), "c1", "hello", transport.SendOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ops := mem.Ops()
	require.Len(t, ops, 1)
	assert.Equal(t, "hello", ops[0].Text)
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	mem := memory.New(4096)
	mem.FailNext(&transport.TooManyRequestsError{RetryAfter: 50 * time.Millisecond}, nil)

	rt := newRetrying(mem)
	start := time.Now()
	_, err := rt.SendMessage(context.Background(), "c1", "hello", transport.SendOptions{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	mem := memory.New(4096)
	mem.FailNext(
		&transport.TooManyRequestsError{},
		&transport.TooManyRequestsError{},
		&transport.TooManyRequestsError{},
		&transport.TooManyRequestsError{},
	)

	rt := newRetrying(mem)
	rt.MaxAttempts = 3
	_, err := rt.SendMessage(context.Background(), "c1", "hello", transport.SendOptions{})
	_, transient := transport.IsTooManyRequests(err)
	assert.True(t, transient)
	assert.Empty(t, mem.Ops())
}

func TestPermanentErrorsPassThroughOnce(t *testing.T) {
	mem := memory.New(4096)

	rt := newRetrying(mem)
	err := rt.EditMessage(context.Background(), "c1", "no-such-id", "text", transport.SendOptions{})
	assert.ErrorIs(t, err, transport.ErrMessageGone)

	id, err := rt.SendMessage(context.Background(), "c1", "same", transport.SendOptions{})
	require.NoError(t, err)
	err = rt.EditMessage(context.Background(), "c1", id, "same", transport.SendOptions{})
	assert.ErrorIs(t, err, transport.ErrNotModified)
}

func TestRetryAbortsOnContextCancel(t *testing.T) {
	mem := memory.New(4096)
	mem.FailNext(&transport.TooManyRequestsError{RetryAfter: time.Minute})

	rt := newRetrying(mem)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := rt.SendMessage(ctx, "c1", "hello", transport.SendOptions{})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not abort on cancel")
	}
}

func TestDeleteRetriesRateLimit(t *testing.T) {
	mem := memory.New(4096)
	rt := newRetrying(mem)

	id, err := rt.SendMessage(context.Background(), "c1", "bye", transport.SendOptions{})
	require.NoError(t, err)

	mem.FailNext(&transport.TooManyRequestsError{}, nil)
	require.NoError(t, rt.DeleteMessage(context.Background(), "c1", id))
	_, ok := mem.Text(id)
	assert.False(t, ok)
}
