package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range testCases {
		if got := parseLevel(input); got != expected {
			t.Fatalf("parseLevel(%q) = %s, want %s", input, got, expected)
		}
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger("warn", "console")
	if err != nil {
		t.Fatalf("unexpected logger error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info level to be disabled at warn")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("expected error level to be enabled at warn")
	}
}
