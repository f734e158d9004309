package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "charm.log")

	logger, err := New(path, "debug")
	require.NoError(t, err)
	logger.Info("hello from the unit")
	// Syncing the stdout core fails on some terminals and pipes; the file
	// contents are what matter.
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the unit")
}

func TestNewBadLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "charm.log")

	logger, err := New(path, "loud")
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("shown")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "charm.log")
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	tail, err := ReadTail(path, 3)
	require.NoError(t, err)
	assert.Equal(t, "line 7\nline 8\nline 9", tail)

	all, err := ReadTail(path, 0)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(lines, "\n"), all)
}

func TestReadTailMissingFile(t *testing.T) {
	tail, err := ReadTail(filepath.Join(t.TempDir(), "nope.log"), 5)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "touch a b", Sanitize("touch a\nb"))
	assert.Equal(t, "ls  -la", Sanitize("ls\r\t-la"))
	assert.Equal(t, "clean", Sanitize("cl\x00ea\x1bn"))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "****", Mask("short"))
	assert.Equal(t, "****word", Mask("longpassword"))
}
