package logging

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/whispercore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func encodeWith(t *testing.T, fields ...zap.Field) string {
	t.Helper()
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m", Time: time.Unix(0, 0)}, fields)
	require.NoError(t, err)
	defer buf.Free()
	return buf.String()
}

func TestRedactingEncoder_FieldNames(t *testing.T) {
	out := encodeWith(t,
		zap.String("content", "I walked by the river"),
		zap.String("reflection", "A quiet moment"),
		zap.String("encryption_key", "abc"),
		zap.String("model", "llava"),
	)

	assert.NotContains(t, out, "river")
	assert.NotContains(t, out, "quiet moment")
	assert.NotContains(t, out, `"abc"`)
	assert.Contains(t, out, `"model":"llava"`)
}

func TestRedactingEncoder_Patterns(t *testing.T) {
	out := encodeWith(t, zap.String("header", "Bearer eyJhbGciOi"))
	assert.Contains(t, out, "[REDACTED:pattern]")
	assert.NotContains(t, out, "eyJhbGciOi")
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	enc.AddString("token", "t-123")
	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m"}, nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"token":"[REDACTED]"`)
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: false})
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m"}, []zapcore.Field{zap.String("content", "plain")})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "plain")
}

func TestNewRedactingEncoder_InvalidPattern(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled:  true,
		Patterns: []string{"(unclosed"},
	})
	assert.Error(t, err)
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "configured",
		Secret("llm_api_key", config.Secret("super-secret-value")),
		Secret("legacy_key", config.Secret("")))

	tl.AssertNoText(t, "super-secret-value")
	fields := tl.All()[0].ContextMap()
	assert.Equal(t, "[REDACTED:18]", fields["llm_api_key"])
	assert.Equal(t, "unset", fields["legacy_key"])
}

func TestRedactingEncoder_ByteStrings(t *testing.T) {
	out := encodeWith(t,
		zap.ByteString("key", []byte("raw-key")),
		zap.ByteString("note", []byte("api_key=abc123")),
	)
	assert.NotContains(t, out, "raw-key")
	assert.NotContains(t, out, "abc123")
}

func TestTextLen(t *testing.T) {
	tl := NewTestLogger()
	tl.Debug(context.Background(), "composed", TextLen("prompt", "hello"))

	tl.AssertNoText(t, "hello")
	assert.EqualValues(t, 5, tl.All()[0].ContextMap()["prompt_len"])
}
