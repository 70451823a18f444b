package history

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAppendWritesJSONLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.jsonl")

	err := Append(path, Entry{
		Time:      time.Unix(0, 0).UTC(),
		Command:   "create_diff",
		Keyspace:  "ks1",
		BackupLoc: "s3://bucket/path",
		Success:   true,
		Duration:  "1m2s",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	err = Append(path, Entry{Command: "restore", Success: false, Error: "boom"})
	if err != nil {
		t.Fatalf("Append (second): %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), string(data))
	}
	if !strings.Contains(lines[0], `"keyspace":"ks1"`) {
		t.Errorf("first line missing keyspace: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"error":"boom"`) {
		t.Errorf("second line missing error: %s", lines[1])
	}
}

func TestAppendNoopOnEmptyPath(t *testing.T) {
	if err := Append("", Entry{Command: "create"}); err != nil {
		t.Fatalf("expected no error for empty path, got %v", err)
	}
}
