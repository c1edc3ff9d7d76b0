package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestTextHandler_BasicOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	Info("job started", "job_id", "abc123", "priority", 10)

	line := buf.String()
	if !strings.Contains(line, "[INFO]") {
		t.Errorf("Expected level marker in output, got: %s", line)
	}
	if !strings.Contains(line, "job started") {
		t.Errorf("Expected message in output, got: %s", line)
	}
	if !strings.Contains(line, "job_id=abc123") {
		t.Errorf("Expected job_id attr in output, got: %s", line)
	}
	if !strings.Contains(line, "priority=10") {
		t.Errorf("Expected priority attr in output, got: %s", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")

	Debug("should not appear")
	Info("should not appear either")
	Warn("visible warning")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("Expected debug/info suppressed at WARN level, got: %s", out)
	}
	if !strings.Contains(out, "visible warning") {
		t.Errorf("Expected warning to pass, got: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")

	Info("queue depth", "pending", 3)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("Expected valid JSON output, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "queue depth" {
		t.Errorf("Expected msg 'queue depth', got %v", record["msg"])
	}
	if record["pending"] != float64(3) {
		t.Errorf("Expected pending=3, got %v", record["pending"])
	}
}

func TestSetLevel_IgnoresInvalid(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	SetLevel("BOGUS")

	Info("still at info")
	if !strings.Contains(buf.String(), "still at info") {
		t.Errorf("Expected level unchanged after invalid SetLevel")
	}
}
