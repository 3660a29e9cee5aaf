package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drivesync.log")
	logger, level := New(Config{Level: "warn", Format: "json", File: path, MaxSizeMB: 1})

	logger.Info("hidden")
	logger.Warn("shown", zap.String("node", "n1"))
	level.SetLevel(zapcore.DebugLevel)
	logger.Debug("now visible")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Error("info logged below warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"node":"n1"`) {
		t.Errorf("json output missing fields: %s", out)
	}
	if !strings.Contains(out, "now visible") {
		t.Error("runtime level change ignored")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"error": zapcore.ErrorLevel,
		"":      zapcore.InfoLevel,
		"loud":  zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestGlobalAndContext(t *testing.T) {
	logger := Init(Config{Level: "error", File: filepath.Join(t.TempDir(), "x.log")})
	if L() != logger {
		t.Error("L() is not the installed logger")
	}
	SetLevel("debug")
	if !L().Core().Enabled(zapcore.DebugLevel) {
		t.Error("SetLevel did not reach the global logger")
	}

	named := zap.NewNop().Named("pass")
	ctx := NewContext(context.Background(), named)
	if WithContext(ctx) != named {
		t.Error("WithContext ignored the context logger")
	}
	if WithContext(context.Background()) != logger {
		t.Error("WithContext did not fall back to the global logger")
	}
}
