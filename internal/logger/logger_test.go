package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
}

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	Info("posting segment", KeySegment, 3, KeyMessageID, "<abc@news>")

	out := buf.String()
	assert.Contains(t, out, "posting segment")
	assert.Contains(t, out, "segment=3")
	assert.Contains(t, out, "message_id=<abc@news>")
	assert.NotContains(t, out, "\033[", "color disabled")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text", false)

	Debug("hidden")
	Info("also hidden")
	Warn("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")

	// restore for other tests
	SetLevel("INFO")
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)

	Info("upload complete", KeyFolderID, "f-123")

	out := buf.String()
	require.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"))
	assert.Contains(t, out, `"folder_id":"f-123"`)

	SetFormat("text")
}

func TestContextFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	lc := NewLogContext("f-9", "item-4").WithServer("news.example.com")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "fetching")

	out := buf.String()
	assert.Contains(t, out, "folder_id=f-9")
	assert.Contains(t, out, "item_id=item-4")
	assert.Contains(t, out, "server=news.example.com")
}

func TestFromContextNil(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	assert.Nil(t, (*LogContext)(nil).Clone())
	assert.Zero(t, (*LogContext)(nil).DurationMs())
}
