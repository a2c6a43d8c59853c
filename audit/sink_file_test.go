package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileSinkWritesExactBatchFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	sink := NewFileSink(FileSinkConfig{Path: path, MaxSizeMB: 10, MaxBackups: 1, MaxAgeDays: 1})
	defer sink.Close()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := sink.WriteBatch([]Event{
		{Timestamp: ts, Action: "request.begin", Message: "GET /orders"},
		{Timestamp: ts, Action: "request.end", Message: "GET /orders: success"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sink.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed reading audit file: %v", err)
	}
	content := string(data)

	if !strings.HasPrefix(content, "=== Batch Audit Log ===\n") {
		t.Fatalf("expected batch header, got: %s", content)
	}
	if !strings.Contains(content, "Batch Size: 2\n") {
		t.Fatalf("expected batch size line, got: %s", content)
	}
	if !strings.Contains(content, "[2026-01-02T03:04:05Z] request.begin: GET /orders\n") {
		t.Fatalf("expected exact entry line, got: %s", content)
	}
	if !strings.HasSuffix(content, "=== End Batch ===\n") {
		t.Fatalf("expected batch footer, got: %s", content)
	}
}

func TestFileSinkSkipsEmptyBatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	sink := NewFileSink(FileSinkConfig{Path: path})
	defer sink.Close()

	if err := sink.WriteBatch(nil); err != nil {
		t.Fatalf("unexpected error on empty batch: %v", err)
	}
}
