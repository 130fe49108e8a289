package spamubot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestHashPassword(t *testing.T) {
	t.Parallel()
	hashed, err := HashPassword("hunter2")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(hashed, "$argon2id$v=19$m=65536,t=1,p=4$"))
	assert.True(t, isPasswordHash(hashed))
	assert.False(t, isPasswordHash("hunter2"))

	ok, err := VerifyPassword(hashed, "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword(hashed, "hunter3")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, hashed, other, "expected a random salt")
}

func TestVerifyPassword_InvalidHash(t *testing.T) {
	t.Parallel()
	for _, h := range []string{
		"",
		"hunter2",
		"$argon2i$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$bad$c2FsdA$aGFzaA",
	} {
		ok, err := VerifyPassword(h, "hunter2")
		assert.False(t, ok, h)
		assert.Error(t, err, h)
	}
}

func TestConstantTimeEqual(t *testing.T) {
	t.Parallel()
	assert.True(t, constantTimeEqual("abc", "abc"))
	assert.False(t, constantTimeEqual("abc", "abd"))
	assert.False(t, constantTimeEqual("", ""))
	assert.False(t, constantTimeEqual("abc", ""))
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()
	s, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	s, err = generateRandomHexString(7)
	require.NoError(t, err)
	assert.Len(t, s, 8)
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "🎨📩", truncate("🎨📩👌", 2))
}

func TestDerive64ByteKey(t *testing.T) {
	t.Parallel()
	key := derive64ByteKey("secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("secret"))
	assert.NotEqual(t, key, derive64ByteKey("other"))
}

func TestRedactedLogValue(t *testing.T) {
	t.Parallel()
	type inner struct {
		Name string `json:"name"`
	}
	type sample struct {
		Token   string `json:"token" log:"[redacted]"`
		Listen  string `json:"listen,omitempty"`
		Empty   string `json:"empty"`
		Inner   *inner `json:"inner"`
		NilPtr  *inner `json:"nil_ptr"`
		private string
	}

	v := redactedLogValue(
		sample{
			Token:   "s3cret",
			Listen:  "127.0.0.1:5000",
			Inner:   &inner{Name: "nested"},
			private: "hidden",
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "[redacted]", attrs["token"].String())
	assert.Equal(t, "127.0.0.1:5000", attrs["listen"].String())
	assert.NotContains(t, attrs, "empty")
	assert.NotContains(t, attrs, "nil_ptr")
	assert.NotContains(t, attrs, "private")
	assert.Contains(t, attrs, "inner")

	assert.Equal(t, slog.AnyValue(nil), redactedLogValue(nil))
	assert.Equal(t, slog.AnyValue(nil), redactedLogValue((*sample)(nil)))
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.Default().With("test_name", t.Name())
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	assert.True(t, ok)
	assert.Same(t, logger, got)
}

func TestMessageLogAttrs(t *testing.T) {
	t.Parallel()
	attrs := messageLogAttrs(
		&discordgo.Message{
			ID:        "1",
			ChannelID: "2",
			GuildID:   "3",
			Author:    &discordgo.User{ID: "4", Username: "nano"},
		},
	)
	assert.Contains(t, attrs, "guild_id")

	attrs = messageLogAttrs(&discordgo.Message{ID: "1", ChannelID: "2"})
	assert.NotContains(t, attrs, "guild_id")
	assert.Len(t, attrs, 4)
}

func TestGORMLogger(t *testing.T) {
	t.Parallel()
	var buf strings.Builder
	level := &slog.LevelVar{}
	level.Set(slog.LevelDebug)
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})
	g := newQueryLogger(handler, 10*time.Millisecond)

	g.Trace(
		context.Background(),
		time.Now().Add(-time.Second),
		func() (string, int64) { return "SELECT slow", 1 },
		nil,
	)
	assert.Contains(t, buf.String(), "slow sql")

	buf.Reset()
	g.Trace(
		context.Background(),
		time.Now(),
		func() (string, int64) { return "SELECT broken", -1 },
		errors.New("no such table"),
	)
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "no such table")
	assert.NotContains(t, buf.String(), "rows=")

	buf.Reset()
	level.Set(slog.LevelInfo)
	g.Trace(
		context.Background(),
		time.Now(),
		func() (string, int64) { return "SELECT 1", 1 },
		nil,
	)
	assert.Empty(t, buf.String())
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	t.Parallel()
	var buf strings.Builder
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logFunc := discordgoLoggerFunc(context.Background(), handler)

	logFunc(discordgo.LogDebug, 0, "heartbeat %d", 1)
	assert.Empty(t, buf.String())

	logFunc(discordgo.LogWarning, 0, "reconnecting\nshard %d", 0)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "reconnectingshard 0")

	buf.Reset()
	logFunc(99, 0, "unknown level")
	assert.Contains(t, buf.String(), "level=INFO")
}
