package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	if _, err := New(Config{Level: "info", Format: "json"}); err != nil {
		t.Fatalf("Failed to create json logger: %v", err)
	}
	if _, err := New(Config{Level: "debug", Format: "console"}); err != nil {
		t.Fatalf("Failed to create console logger: %v", err)
	}
	if _, err := New(Config{Level: "verbose"}); err == nil {
		t.Fatal("Expected error for unknown level")
	}
}

func TestLogRequestRedactsHeaders(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := Wrap(zap.New(core)).WithComponent("test")

	log.LogRequest("POST", "/v1/serialize", map[string][]string{
		"Authorization": {"Bearer secret"},
		"Content-Type":  {"application/json"},
	})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}

	fields := entries[0].ContextMap()
	if fields["component"] != "test" {
		t.Errorf("Component field missing: %v", fields)
	}
	headers, ok := fields["headers"].(map[string]string)
	if !ok {
		t.Fatalf("Headers field has unexpected type %T", fields["headers"])
	}
	if headers["Authorization"] != "[REDACTED]" {
		t.Errorf("Authorization header not redacted: %q", headers["Authorization"])
	}
	if headers["Content-Type"] != "application/json" {
		t.Errorf("Content-Type header altered: %q", headers["Content-Type"])
	}
}
