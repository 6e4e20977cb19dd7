package repository

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewWorkDir(t *testing.T) {
	root := filepath.Join(t.TempDir(), "work")

	persistent, err := NewWorkDir(root, true)
	if err != nil {
		t.Fatalf("NewWorkDir: %v", err)
	}
	if got, want := persistent.Path(), filepath.Join(root, "index"); got != want {
		t.Errorf("Path() = %s, want %s", got, want)
	}
	if persistent.IsTemporary() {
		t.Errorf("expected persistent work dir")
	}

	temp, err := NewWorkDir(root, false)
	if err != nil {
		t.Fatalf("NewWorkDir: %v", err)
	}
	if !temp.IsTemporary() {
		t.Errorf("expected temporary work dir")
	}
	if filepath.Dir(temp.Path()) != root || !strings.HasPrefix(filepath.Base(temp.Path()), "index-sync-") {
		t.Errorf("unexpected temp work dir path %s", temp.Path())
	}
	if _, err := os.Stat(temp.Path()); err != nil {
		t.Fatalf("expected temp work dir to exist: %v", err)
	}

	// persistent dir must survive close
	if err := os.MkdirAll(persistent.Path(), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := persistent.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(persistent.Path()); err != nil {
		t.Errorf("expected persistent work dir to exist: %v", err)
	}

	if err := temp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(temp.Path()); !os.IsNotExist(err) {
		t.Errorf("expected temp work dir to be removed, got err=%v", err)
	}

	if _, err := NewWorkDir("relative", false); err == nil {
		t.Errorf("expected error for relative root")
	}
}

func TestRemoveStaleWorkDirs(t *testing.T) {
	root := t.TempDir()

	old := time.Now().Add(-2 * time.Hour)
	// index-1 may belong to another tool sharing the root
	for _, name := range []string{"index-sync-1", "index-sync-2", "index-sync-new", "index-1", "index", "other"} {
		if err := os.Mkdir(filepath.Join(root, name), 0o755); err != nil {
			t.Fatalf("Mkdir: %v", err)
		}
		if name == "index-sync-new" {
			continue
		}
		if err := os.Chtimes(filepath.Join(root, name), old, old); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}
	// files are never removed
	if err := os.WriteFile(filepath.Join(root, "index-sync-file"), nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chtimes(filepath.Join(root, "index-sync-file"), old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	count, err := RemoveStaleWorkDirs(root, time.Hour, slog.Default())
	if err != nil {
		t.Fatalf("RemoveStaleWorkDirs: %v", err)
	}
	if count != 2 {
		t.Errorf("RemoveStaleWorkDirs() = %d, want 2", count)
	}

	for _, name := range []string{"index-sync-new", "index-1", "index", "other", "index-sync-file"} {
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
	for _, name := range []string{"index-sync-1", "index-sync-2"} {
		if _, err := os.Stat(filepath.Join(root, name)); !os.IsNotExist(err) {
			t.Errorf("expected %s to be removed, got err=%v", name, err)
		}
	}

	// missing root is not an error
	if _, err := RemoveStaleWorkDirs(filepath.Join(root, "missing"), time.Hour, slog.Default()); err != nil {
		t.Errorf("unexpected error for missing root: %v", err)
	}
}
