package main

import (
	"time"

	"github.com/utilitywarehouse/index-sync/repository"
)

// cleanupStaleWorkDirs deletes temporary work dirs left behind by runs which
// were killed before they could remove them. this is best effort clean up and
// should be called once on start as dirs of running processes are only
// protected by their age.
func cleanupStaleWorkDirs(root string, age time.Duration) {
	removed, err := repository.RemoveStaleWorkDirs(root, age, logger)
	if err != nil {
		logger.Error("unable to clean up stale work dirs", "root", root, "err", err)
		return
	}
	if removed > 0 {
		logger.Info("removed stale work dirs", "root", root, "count", removed)
	}
}
