package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"DEBUG":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_FileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	logger := New(Config{Level: "debug", File: path})
	logger.Info().Str("resource", "eicar.txt").Msg("validated")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v (line: %s)", err, data)
	}
	if entry["message"] != "validated" {
		t.Errorf("message = %v, want %q", entry["message"], "validated")
	}
	if entry["resource"] != "eicar.txt" {
		t.Errorf("resource = %v, want %q", entry["resource"], "eicar.txt")
	}
}

func TestICAPAdapter_LevelsDoNotPanic(t *testing.T) {
	adapter := ICAPAdapter{L: zerolog.Nop()}
	adapter.Debugf("debug %s", "x")
	adapter.Infof("info %s", "y")
	adapter.Warnf("warn %s", "z")
}
