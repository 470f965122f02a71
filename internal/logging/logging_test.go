package logging

import (
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactURLToken(t *testing.T) {
	in := "POST https://api.telegram.org/bot123456:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw/sendMessage failed"
	out := Redact(in)
	assert.NotContains(t, out, "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw")
	assert.Contains(t, out, "bot[REDACTED]")
}

func TestRedactBareToken(t *testing.T) {
	out := Redact("token 123456:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw rejected")
	assert.NotContains(t, out, "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw")
	assert.Contains(t, out, "[REDACTED_TOKEN]")
}

func TestRedactLeavesNormalTextAlone(t *testing.T) {
	in := "run finished in 3:45 with exit 0"
	assert.Equal(t, in, Redact(in))
}

func TestLoggerRedactsAttrsAndErrors(t *testing.T) {
	var buf strings.Builder
	logger := New(&buf, slog.LevelDebug)

	logger.Info("request failed",
		"url", "https://api.telegram.org/bot777:secret_token_value_1/getMe",
		"error", errors.New("unauthorized for 777:secret_token_value_1"))

	out := buf.String()
	assert.NotContains(t, out, "secret_token_value_1")
	assert.Contains(t, out, "bot[REDACTED]")
	assert.Contains(t, out, "[REDACTED_TOKEN]")
}

func TestLoggerHonorsLevel(t *testing.T) {
	var buf strings.Builder
	logger := New(&buf, slog.LevelInfo)
	logger.Debug("hidden")
	assert.Empty(t, buf.String())
	logger.Info("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
