package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel_String(t *testing.T) {
	cases := []struct {
		level    LogLevel
		expected string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{LogLevel(999), "UNKNOWN"},
	}
	for _, c := range cases {
		assert.Equal(t, c.expected, c.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	ok := []struct {
		in  string
		out LogLevel
	}{
		{"DEBUG", DEBUG}, {"debug", DEBUG},
		{"INFO", INFO},
		{"WARN", WARN}, {"WARNING", WARN},
		{"ERROR", ERROR},
	}
	for _, c := range ok {
		lvl, err := ParseLevel(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.out, lvl)
	}

	lvl, err := ParseLevel("bogus")
	require.Error(t, err)
	assert.Equal(t, INFO, lvl)
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithConfig(Config{Level: WARN, Output: &buf})

	l.Debug("should not appear")
	l.Info("should not appear either")
	assert.Empty(t, buf.String())

	l.Warn("this should appear")
	assert.Contains(t, buf.String(), "this should appear")
}

func TestLogger_WithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithConfig(Config{Level: DEBUG, Output: &buf})

	child := base.WithField("jobStoreID", "abc-123")
	child.Info("child message")
	base.Info("parent message")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "jobStoreID=abc-123")
	assert.NotContains(t, lines[1], "jobStoreID")
}

func TestLogger_WithRoleTagsLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithConfig(Config{Level: INFO, Output: &buf}).WithRole("leader")
	l.Info("loop pass complete")
	assert.Contains(t, buf.String(), "[leader]")
}
