package utils

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDirIsEmpty(t *testing.T) {
	tempRoot := t.TempDir()

	// Brand new should be empty.
	if empty, err := DirIsEmpty(tempRoot); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if !empty {
		t.Errorf("expected %q to be deemed empty", tempRoot)
	}

	if err := os.WriteFile(filepath.Join(tempRoot, "file"), []byte{}, 0644); err != nil {
		t.Fatalf("failed to write a file: %v", err)
	}
	if empty, err := DirIsEmpty(tempRoot); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if empty {
		t.Errorf("expected %q to be deemed not-empty", tempRoot)
	}

	if _, err := DirIsEmpty(filepath.Join(tempRoot, "missing")); err == nil {
		t.Errorf("expected error for missing dir")
	}
}

func TestRunCommand(t *testing.T) {
	ctx := context.Background()

	out, err := RunCommand(ctx, slog.Default(), []string{"GREETING=hello"}, t.TempDir(), "/bin/sh", "-c", "echo $GREETING")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello" {
		t.Errorf("RunCommand() = %q, want %q", out, "hello")
	}

	_, err = RunCommand(ctx, slog.Default(), nil, "", "/bin/sh", "-c", "echo oops >&2; exit 3")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "oops") {
		t.Errorf("error should contain stderr, got %v", err)
	}
}

func TestRunCommand_timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := RunCommand(ctx, slog.Default(), nil, "", "/bin/sh", "-c", "sleep 5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded error, got %v", err)
	}
}
