package repository

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

var (
	// Objects can be named by their 40 hexadecimal digit SHA-1 name
	// or 64 hexadecimal digit SHA-256 name
	commitHashRgx = regexp.MustCompile("^([0-9A-Fa-f]{40}|[0-9A-Fa-f]{64})$")
)

// IsFullCommitHash returns whether or not a string is a 40 char SHA-1
// or 64 char SHA-256 hash
func IsFullCommitHash(hash string) bool {
	return commitHashRgx.MatchString(hash)
}

// pathExists returns true if anything exists at given path
func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// removeDirContentsIf iterated the specified dir and removes entries
// if given function returns true for the given entry
func removeDirContentsIf(dir string, log *slog.Logger, fn func(fi os.FileInfo) (bool, error)) error {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	// Save errors until the end.
	var errs []error
	for _, fi := range dirents {
		name := fi.Name()
		p := filepath.Join(dir, name)
		stat, err := os.Stat(p)
		if err != nil {
			log.Error("failed to stat path, skipping", "path", p, "err", err)
			continue
		}
		if shouldDelete, err := fn(stat); err != nil {
			log.Error("predicate function failed for path, skipping", "path", p, "err", err)
			continue
		} else if !shouldDelete {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("%s", errs)
	}
	return nil
}
