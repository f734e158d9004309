// Package logging builds the unit's zap logger, which writes JSON lines to
// stdout and to a log file under the data path, and serves tails of that file
// back to the HTTP API.
package logging

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var mu sync.Mutex

// New sets up dual logging to stdout and the file at path. If the file cannot
// be opened the logger still writes to stdout and the returned error says why.
func New(path, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	stdout := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return zap.New(stdout), fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return zap.New(stdout), fmt.Errorf("open log file %s: %w", path, err)
	}

	file := zapcore.NewCore(enc, zapcore.AddSync(f), lvl)
	return zap.New(zapcore.NewTee(stdout, file)), nil
}

// ReadTail returns the last n lines from the log file at path.
func ReadTail(path string, n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.Join(lines, "\n"), nil
}

// Sanitize strips newlines and control characters from operator-supplied
// strings (commands, filenames) before they reach the log.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(' ')
		case r < 32 || r == 127:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Mask hides a secret, keeping at most the last four characters.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 8 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
