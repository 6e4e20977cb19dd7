package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/utilitywarehouse/index-sync/config"
	"github.com/utilitywarehouse/index-sync/registry"
	"github.com/utilitywarehouse/index-sync/repository"
)

// Kind classifies sync failures
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindTransport
	KindRepositoryState
	KindStoreAccess
	KindVersionConflict
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindRepositoryState:
		return "repository_state"
	case KindStoreAccess:
		return "store_access"
	case KindVersionConflict:
		return "version_conflict"
	default:
		return "unknown"
	}
}

// Phase is a step of a sync run
type Phase string

const (
	PhaseConfiguring Phase = "configuring"
	PhaseLoading     Phase = "loading"
	PhaseMirroring   Phase = "mirroring"
	PhaseDiffing     Phase = "diffing"
	PhaseReconciling Phase = "reconciling"
)

// SyncError is returned by Sync, it carries the failure kind and the phase
// in which run failed. wrapped error can be checked with errors.Is.
type SyncError struct {
	Kind  Kind
	Phase Phase
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed while %s (%s) err:%v", e.Phase, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the given error
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return classify(err, "")
}

// IsConflict returns true if run failed because registry state was written
// concurrently
func IsConflict(err error) bool {
	return KindOf(err) == KindVersionConflict
}

func newSyncError(phase Phase, err error) *SyncError {
	return &SyncError{Kind: classify(err, phase), Phase: phase, Err: err}
}

// classify maps sentinel errors to kinds. errors without a known sentinel
// (ie context errors) are classified by the phase they happened in.
func classify(err error, phase Phase) Kind {
	switch {
	case errors.Is(err, config.ErrConfiguration), errors.Is(err, registry.ErrEmptyURL):
		return KindConfiguration
	// a create rejected because record exists means a concurrent run
	// created it first
	case errors.Is(err, registry.ErrVersionConflict), errors.Is(err, registry.ErrAlreadyExists):
		return KindVersionConflict
	case errors.Is(err, registry.ErrStoreAccess):
		return KindStoreAccess
	case errors.Is(err, repository.ErrTransport):
		return KindTransport
	case errors.Is(err, repository.ErrRepositoryState):
		return KindRepositoryState
	}

	switch phase {
	case PhaseConfiguring:
		return KindConfiguration
	case PhaseMirroring:
		return KindTransport
	case PhaseDiffing:
		return KindRepositoryState
	case PhaseLoading, PhaseReconciling:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return KindStoreAccess
		}
	}
	return KindUnknown
}
