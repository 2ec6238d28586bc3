package log

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelInfo)
	t.Cleanup(func() { SetLevel(LevelInfo) })

	Debug("hidden")
	Info("shown", "count", 3)
	Error("failed", errors.New("boom"), "file", "a b.ics")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] shown count=3")
	assert.Contains(t, out, `[ERROR] failed err=boom file="a b.ics"`)

	buf.Reset()
	SetLevel(LevelDebug)
	Debug("visible")
	assert.Contains(t, buf.String(), "[DEBUG] visible")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel(" WARN "))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
}

func TestFormatKVsIgnoresOddTail(t *testing.T) {
	assert.Equal(t, " a=1", formatKVs("a", 1, "dangling"))
	assert.Equal(t, ` empty=""`, formatKVs("empty", ""))
}
