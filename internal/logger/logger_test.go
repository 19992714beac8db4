package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Writer: &buf, JSON: true})

	l.Info("transfer started", "transfer_id", "t-42", "chunks", 10)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "transfer started", entry["msg"])
	assert.Equal(t, "t-42", entry["transfer_id"])
	assert.Equal(t, float64(10), entry["chunks"])
}

func TestLogger_TextOutputNoColor(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Writer: &buf, NoColor: true})

	l.Warn("chunk retried", "index", 3)

	out := buf.String()
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "chunk retried")
	assert.Contains(t, out, "index=3")
	assert.False(t, strings.Contains(out, "\033["), "no ANSI escapes expected")
}

func TestLogger_DebugSuppressedByDefault(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Writer: &buf, JSON: true})

	l.Debug("noisy detail")
	assert.Empty(t, buf.String())

	l = New(Config{Writer: &buf, JSON: true, Debug: true})
	l.Debug("noisy detail")
	assert.Contains(t, buf.String(), "noisy detail")
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Writer: &buf, JSON: true}).With("run_id", "r-1")

	l.Info("phase change", "phase", "Compressing")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "r-1", entry["run_id"])
	assert.Equal(t, "Compressing", entry["phase"])
}

func TestLogger_Context(t *testing.T) {
	l := Discard()
	ctx := IntoContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))

	assert.NotNil(t, FromContext(context.Background()))
}
