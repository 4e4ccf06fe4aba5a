package utils

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "warn", true))

	logger.Info("suppressed")
	logger.Warn("investigation stalled", slog.String("session", "sess-1"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("info must be filtered at warn level, got %d lines", len(lines))
	}
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("json format expected: %v", err)
	}
	if rec["msg"] != "investigation stalled" || rec["session"] != "sess-1" {
		t.Fatalf("record fields wrong: %v", rec)
	}
}

func TestHandlerDefaultsToInfoText(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "nonsense", false))

	logger.Debug("hidden")
	logger.Info("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "visible") {
		t.Fatalf("unknown level should fall back to info: %q", out)
	}
}
