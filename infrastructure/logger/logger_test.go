package logger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewWithDefaults(t *testing.T) {
	l, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	l.LogSignal("accepted", "OPEN_LONG", "BTCUSDT", map[string]interface{}{"qty": 0.5})
	l.LogOrder("placed", "abc-123", nil)
	_ = l.Close()
}

func TestNewInvalidLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	l, err := New(Config{
		Level:      "info",
		Outputs:    []string{"file"},
		OutputFile: path,
		Format:     "json",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	l.Info("hello")
	_ = l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file empty")
	}
}
