package obslog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestConfigure_JSON(t *testing.T) {
	var buf bytes.Buffer
	Configure("json", &buf)
	Op().Info("hello", "key", "value")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if decoded["msg"] != "hello" {
		t.Errorf("msg = %v, want %q", decoded["msg"], "hello")
	}
}

func TestConfigure_Text(t *testing.T) {
	var buf bytes.Buffer
	Configure("text", &buf)
	Op().Info("hello")

	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("text output missing message: %s", buf.String())
	}
}

func TestLogAccess_Apache(t *testing.T) {
	var buf bytes.Buffer
	Configure("apache", &buf)

	LogAccess(AccessEntry{
		RemoteAddr: "127.0.0.1",
		Method:     "GET",
		Path:       "/health",
		Proto:      "HTTP/1.1",
		Status:     200,
		Bytes:      15,
		Time:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	line := buf.String()
	if !strings.Contains(line, `"GET /health HTTP/1.1" 200 15`) {
		t.Errorf("apache access log line malformed: %s", line)
	}
}

func TestSetLevelFromString(t *testing.T) {
	SetLevelFromString("debug")
	var buf bytes.Buffer
	Configure("text", &buf)
	Op().Debug("debug message")
	if !strings.Contains(buf.String(), "debug message") {
		t.Errorf("debug level not applied: %s", buf.String())
	}
	SetLevelFromString("info")
}
