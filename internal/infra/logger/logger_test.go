package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug": LevelDebug,
		"DEBUG": LevelDebug,
		"warn":  LevelWarn,
		"error": LevelError,
		"info":  LevelInfo,
		"bogus": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelWarn, false)

	l.Debug("debug %d", 1)
	l.Info("info %d", 2)
	l.Warn("warn %d", 3)
	l.Error("error %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "debug 1")
	assert.NotContains(t, out, "info 2")
	assert.Contains(t, out, "[WARN] warn 3")
	assert.Contains(t, out, "[ERROR] error 4")
}

func TestNew_CreatesFile(t *testing.T) {
	path := t.TempDir() + "/logs/nzbfetch.log"

	l, err := New(path, LevelDebug, false)
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Close())

	assert.FileExists(t, path)
}

func TestBytesAndRate(t *testing.T) {
	assert.Equal(t, "1.0 MB", Bytes(1000*1000))
	assert.Equal(t, "0 B", Bytes(-5))
	assert.Equal(t, "1.0 MB/s", Rate(2*1000*1000, 2*time.Second))
}
