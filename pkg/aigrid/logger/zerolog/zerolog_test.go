package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/theaigrid/aigrid/pkg/aigrid"
)

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("msg", aigrid.F("key", "value")) }, "debug"},
		{"info", func(l *Logger) { l.Info("msg", aigrid.F("key", "value")) }, "info"},
		{"warn", func(l *Logger) { l.Warn("msg", aigrid.F("key", "value")) }, "warn"},
		{"error", func(l *Logger) { l.Error("msg", aigrid.F("key", "value")) }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var output bytes.Buffer
			logger := NewLogger(zerolog.New(&output))

			tt.log(logger)

			var entry map[string]interface{}
			if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
				t.Fatalf("Failed to decode log line %q: %v", output.String(), err)
			}
			if entry["level"] != tt.level {
				t.Errorf("Expected level %s, got %v", tt.level, entry["level"])
			}
			if entry["key"] != "value" {
				t.Errorf("Expected key=value, got %v", entry["key"])
			}
			if entry["message"] != "msg" {
				t.Errorf("Expected message msg, got %v", entry["message"])
			}
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("dropped")
	logger.Info("dropped")
	if output.Len() != 0 {
		t.Fatalf("Expected debug and info to be filtered, got %q", output.String())
	}

	logger.Warn("kept")
	if !strings.Contains(output.String(), "kept") {
		t.Errorf("Expected warn to be written, got %q", output.String())
	}
}

func TestLogger_ErrorField(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output))

	logger.Error("failed", aigrid.F("error", errors.New("boom")))

	if !strings.Contains(output.String(), `"error":"boom"`) {
		t.Errorf("Expected error string in output, got %q", output.String())
	}
}

func TestLogger_Component(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output)).Component("reconciler")

	logger.Info("hello")

	if !strings.Contains(output.String(), `"component":"reconciler"`) {
		t.Errorf("Expected component field, got %q", output.String())
	}
}
