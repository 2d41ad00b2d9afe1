package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRedactorMasksSensitiveAttributes(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redactor([]string{"Operator_Token"})})
	log := slog.New(handler)

	log.Info("agent key decrypted",
		slog.String("key_id", "k-1"),
		slog.String("private_key", "0xdeadbeef"),
		slog.Group("order", slog.String("session_key_approval", "blob")),
		slog.String("operator_token", "t0ken"),
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["key_id"] != "k-1" {
		t.Fatalf("key_id should survive, got %v", entry["key_id"])
	}
	if entry["private_key"] != Redacted {
		t.Fatalf("private_key not redacted: %v", entry["private_key"])
	}
	if entry["operator_token"] != Redacted {
		t.Fatalf("extra key not redacted: %v", entry["operator_token"])
	}
	group, ok := entry["order"].(map[string]any)
	if !ok || group["session_key_approval"] != Redacted {
		t.Fatalf("grouped approval not redacted: %v", entry["order"])
	}
	if strings.Contains(buf.String(), "deadbeef") {
		t.Fatalf("plaintext leaked: %s", buf.String())
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 3); got != "abc…" {
		t.Fatalf("unexpected truncate result %q", got)
	}
	if got := Truncate("ab", 3); got != "ab" {
		t.Fatalf("short value changed: %q", got)
	}
}

func TestAuditWriterRotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit", "audit.log")
	writer, err := newAuditWriter(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	t.Cleanup(func() { _ = writer.Close() })
	writer.maxSize = 16
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	writer.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		if _, err := writer.Write([]byte("0123456789abcdef")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		clock = clock.Add(time.Minute)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit log: %v", err)
	}
	if info.Mode().Perm() != auditFileMode {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}
	backups := writer.backups()
	if len(backups) != 2 {
		t.Fatalf("expected 2 retained backups, got %v", backups)
	}
	if !strings.HasSuffix(backups[0], "20250301T090400.000000000Z") {
		t.Fatalf("newest backup first, got %v", backups)
	}

	clock = clock.Add(48 * time.Hour)
	if _, err := writer.Write([]byte("0123456789abcdef")); err != nil {
		t.Fatalf("write after gap: %v", err)
	}
	if backups := writer.backups(); len(backups) != 1 {
		t.Fatalf("expired backups not pruned: %v", backups)
	}
}
