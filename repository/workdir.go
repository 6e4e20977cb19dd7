package repository

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultDirMode fs.FileMode = os.FileMode(0755) // 'rwxr-xr-x'

	persistentDirName = "index"
	tempDirPrefix     = "index-sync-"
)

// WorkDir is the directory which backs the local mirror. It is either a
// persistent path re-used between runs or a temp dir owned by the process.
type WorkDir struct {
	path      string
	temporary bool
}

// NewWorkDir returns `<root>/index` if persist is set otherwise it creates
// new temp dir under root. root is created if it doesn't exist.
func NewWorkDir(root string, persist bool) (*WorkDir, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("work dir root '%s' must be absolute", root)
	}

	if err := os.MkdirAll(root, defaultDirMode); err != nil {
		return nil, fmt.Errorf("unable to create work dir root err:%w", err)
	}

	if persist {
		return &WorkDir{path: filepath.Join(root, persistentDirName)}, nil
	}

	dir, err := os.MkdirTemp(root, tempDirPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("unable to create temp work dir err:%w", err)
	}
	return &WorkDir{path: dir, temporary: true}, nil
}

// Path returns absolute path of the work dir
func (w *WorkDir) Path() string {
	return w.path
}

// IsTemporary returns true if work dir will be removed on Close
func (w *WorkDir) IsTemporary() bool {
	return w.temporary
}

// Close removes temp work dir. persistent work dir is left untouched.
func (w *WorkDir) Close() error {
	if !w.temporary {
		return nil
	}
	return os.RemoveAll(w.path)
}

// RemoveStaleWorkDirs removes temp work dirs under root which are older
// than given age. these are left behind if process was killed before it
// could clean up. persistent work dir is never removed.
func RemoveStaleWorkDirs(root string, age time.Duration, log *slog.Logger) (int, error) {
	count := 0
	err := removeDirContentsIf(root, log, func(fi os.FileInfo) (bool, error) {
		if !fi.IsDir() || !strings.HasPrefix(fi.Name(), tempDirPrefix) {
			return false, nil
		}
		if time.Since(fi.ModTime()) > age {
			count++
			log.Info("removing stale work dir", "dir", fi.Name())
			return true, nil
		}
		return false, nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	return count, nil
}
