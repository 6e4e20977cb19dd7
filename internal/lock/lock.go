//go:build !deadlock_test

// Package lock provides the mutex types used across the module. Builds with
// the `deadlock_test` tag swap them for go-deadlock implementations so
// lock ordering issues surface in race tests.
package lock

import "sync"

type Mutex struct {
	sync.Mutex
}

type RWMutex struct {
	sync.RWMutex
}
