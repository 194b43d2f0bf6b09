package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"customvision/internal/config"
)

func TestLogger_WritesPerLevelFiles(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logger_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	l := NewLogger(&config.Config{LogDirectory: tempDir})
	l.Info("tick %d published", 7)
	l.Warning("frame %s late", "cam1")
	l.Error("inference failed: %v", "boom")
	l.Sync()

	tests := []struct {
		file     string
		expected string
	}{
		{"info.log", "tick 7 published"},
		{"warning.log", "frame cam1 late"},
		{"error.log", "inference failed: boom"},
	}

	for _, tt := range tests {
		data, err := os.ReadFile(filepath.Join(tempDir, tt.file))
		if err != nil {
			t.Fatalf("Failed to read %s: %v", tt.file, err)
		}
		if !strings.Contains(string(data), tt.expected) {
			t.Errorf("Expected %s to contain %q, got: %s", tt.file, tt.expected, data)
		}
	}
}

func TestLogger_CleanLogs(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logger_clean_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	l := NewLogger(&config.Config{LogDirectory: tempDir})
	l.Error("first error")
	l.Sync()

	l.CleanLogs("error.log")

	data, err := os.ReadFile(filepath.Join(tempDir, "error.log"))
	if err != nil {
		t.Fatalf("Failed to read error.log: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("Expected error.log to be empty, got: %s", data)
	}
}

func TestNewNop(t *testing.T) {
	l := NewNop()
	l.Info("ignored %d", 1)
	l.Warning("ignored")
	l.Error("ignored")
	l.CleanLogs("info.log")
}
