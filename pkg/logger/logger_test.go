package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		" WARN ":  WARN,
		"warning": WARN,
		"error":   ERROR,
		"":        INFO,
		"verbose": INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetLevelRoundTrip(t *testing.T) {
	prev := GetLevel()
	defer SetLevel(prev)

	SetLevel(DEBUG)
	if GetLevel() != DEBUG {
		t.Fatalf("GetLevel() = %v, want DEBUG", GetLevel())
	}
}

func TestFileLoggingWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wxclaw.log")
	if err := EnableFileLogging(path, 1, 1, 1); err != nil {
		t.Fatalf("EnableFileLogging: %v", err)
	}
	defer DisableFileLogging()

	InfoCF("wxhttp", "sync ok", map[string]interface{}{"messages": 3})
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"component":"wxhttp"`) || !strings.Contains(line, `"messages":3`) {
		t.Fatalf("unexpected log line: %s", line)
	}
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	prev := GetLevel()
	defer SetLevel(prev)
	SetLevel(INFO)

	path := filepath.Join(t.TempDir(), "wxclaw.log")
	if err := EnableFileLogging(path, 1, 1, 1); err != nil {
		t.Fatalf("EnableFileLogging: %v", err)
	}
	defer DisableFileLogging()

	DebugC("wxhttp", "hidden")
	Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "hidden") {
		t.Fatalf("debug entry written at INFO level: %s", data)
	}
}
