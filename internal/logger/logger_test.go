package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	level, err := ParseLevel("loud")
	require.Error(t, err)
	require.Equal(t, INFO, level)
}

func TestLoggerWritesModuleAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Camera", "hidden %d", 1)
	require.Empty(t, buf.String())

	l.Warn("Camera", "device %s busy", "cam-0")
	out := buf.String()
	require.Contains(t, out, "device cam-0 busy")
	require.Contains(t, out, "module=Camera")
	require.NotContains(t, out, "\033[")
}

func TestSilentDropsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("Detect", "boom")
	require.Zero(t, buf.Len())

	l.SetLevel(ERROR)
	require.Equal(t, ERROR, l.GetLevel())
	l.Error("Detect", "boom")
	require.NotZero(t, buf.Len())
}

func TestLevelString(t *testing.T) {
	require.Equal(t, "WARN", WARN.String())
	require.Equal(t, "UNKNOWN", LogLevel(42).String())
}
