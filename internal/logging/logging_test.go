package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "info", "json", "allocator")
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hidden")
	logger.Info("cycle completed", "engine", "core_hodl")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not a single JSON record: %v\n%s", err, buf.String())
	}
	if rec["service"] != "allocator" || rec["engine"] != "core_hodl" || rec["msg"] != "cycle completed" {
		t.Errorf("record = %v", rec)
	}
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "text", "")
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("reconciled", "class", "match")
	if !strings.Contains(buf.String(), "class=match") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestNew_UnknownFormat(t *testing.T) {
	if _, err := New(&bytes.Buffer{}, "info", "xml", ""); err == nil {
		t.Error("expected error for unknown format")
	}
}
