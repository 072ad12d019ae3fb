package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func resetForTest() {
	loggersMu.Lock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
	logsDir = ""
	Apply(Settings{})
}

func TestInitializeDisabledIsNoop(t *testing.T) {
	defer resetForTest()
	ws := t.TempDir()

	if err := Initialize(ws, Settings{DebugMode: false}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// No logs directory should be created in production mode
	if _, err := os.Stat(filepath.Join(ws, ".arbor", "logs")); !os.IsNotExist(err) {
		t.Errorf("expected no logs directory, stat err=%v", err)
	}

	// Logging should be a silent no-op
	Get(CategoryAgent).Info("should not be written")
}

func TestInitializeDebugWritesCategoryFile(t *testing.T) {
	defer resetForTest()
	ws := t.TempDir()

	if err := Initialize(ws, Settings{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Agent("agent started pid=%d", 42)
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(ws, ".arbor", "logs"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.Contains(e.Name(), "agent") {
			found = true
			data, _ := os.ReadFile(filepath.Join(ws, ".arbor", "logs", e.Name()))
			if !strings.Contains(string(data), "agent started pid=42") {
				t.Errorf("log file missing entry: %s", data)
			}
		}
	}
	if !found {
		t.Error("no agent category log file created")
	}
}

func TestCategoryToggle(t *testing.T) {
	defer resetForTest()
	Apply(Settings{DebugMode: true, Categories: map[string]bool{"relay": false}})

	if IsCategoryEnabled(CategoryRelay) {
		t.Error("relay should be disabled")
	}
	if !IsCategoryEnabled(CategoryAgent) {
		t.Error("unspecified categories default to enabled")
	}
}

func TestLevelFiltering(t *testing.T) {
	defer resetForTest()
	Apply(Settings{DebugMode: true, Level: "warn"})

	if logLevel != LevelWarn {
		t.Errorf("logLevel = %d, want %d", logLevel, LevelWarn)
	}

	Apply(Settings{DebugMode: true, Level: "nonsense"})
	if logLevel != LevelInfo {
		t.Errorf("unknown level should default to info, got %d", logLevel)
	}
}
