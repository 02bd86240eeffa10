package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"WARNING", slog.LevelWarn, false},
		{"warn", slog.LevelWarn, false},
		{" ERROR ", slog.LevelError, false},
		{"TRACE", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.err {
			t.Fatalf("%q: err=%v", tt.in, err)
		}
		if !tt.err && got != tt.want {
			t.Fatalf("%q: got %v want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelWarn)
	log.Info("hidden")
	log.Warn("shown", "conn", 7)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "conn=7") {
		t.Fatalf("missing warn record: %s", out)
	}
}

func TestConnectionLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.log")
	if err := os.WriteFile(path, []byte("existing\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	log, closer, err := ConnectionLog(path)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("Request", "hostname", "example.com:443")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "existing\n") || !strings.Contains(string(data), "hostname=example.com:443") {
		t.Fatalf("log contents: %q", data)
	}
}

func TestConnectionLogDisabled(t *testing.T) {
	log, closer, err := ConnectionLog("")
	if err != nil {
		t.Fatal(err)
	}
	log.Info("Request")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
}
