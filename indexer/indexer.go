// Package indexer synchronizes a mirror of a package index repository and
// records the synchronized position in the registry store.
//
// every Sync run goes through following phases, a failure in any phase
// aborts the run and nothing is written to the store.
//  1. loading: read recorded state of the remote
//  2. mirroring: clone or fetch+reset local mirror
//  3. diffing: find files changed since recorded commit
//  4. reconciling: create or conditionally update the recorded state
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/utilitywarehouse/index-sync/config"
	"github.com/utilitywarehouse/index-sync/registry"
	"github.com/utilitywarehouse/index-sync/repository"
)

// Mirror is the local copy of the index repository
type Mirror interface {
	Checkout(ctx context.Context) (plumbing.Hash, error)
	ChangedFiles(ctx context.Context, leaf, boundary plumbing.Hash) (repository.FileSet, error)
	ListFiles(ctx context.Context, hash plumbing.Hash) (repository.FileSet, error)
	Maintain(ctx context.Context) error
	Remote() string
	Branch() string
	Name() string
}

// Store persists registry states
type Store interface {
	Get(ctx context.Context, url string) (*registry.State, error)
	Create(ctx context.Context, state registry.State) (*registry.State, error)
	Update(ctx context.Context, state registry.State, expected int64) (*registry.State, error)
}

type Status string

const (
	// OutcomeNoop is returned when recorded state already matches the mirror
	OutcomeNoop Status = "noop"
	// OutcomeUpdated is returned when recorded state was created or updated
	OutcomeUpdated Status = "updated"
)

// Outcome is the result of a successful sync
type Outcome struct {
	Status Status
	// Previous is the recorded state before the run, nil on first sync
	Previous *registry.State
	// State is the recorded state after the run
	State *registry.State
	// ChangedFiles contains paths changed since Previous including deleted
	// paths, all files on first sync
	ChangedFiles repository.FileSet
	// Files contains all files at the synchronized commit
	Files repository.FileSet
}

// Indexer runs syncs of a single remote
type Indexer struct {
	mirror  Mirror
	store   Store
	retries int
	log     *slog.Logger
}

// New returns indexer for given mirror and store. on version conflict the
// reconciling phase is retried up to given number of times.
func New(mirror Mirror, store Store, retries int, log *slog.Logger) *Indexer {
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{
		mirror:  mirror,
		store:   store,
		retries: max(retries, 0),
		log:     log.With("repo", mirror.Name()),
	}
}

// NewFromConfig creates mirror of the configured remote and returns indexer
// using it. returned repository must be closed by the caller.
func NewFromConfig(conf config.Config, store Store, envs []string, log *slog.Logger) (*Indexer, *repository.Repository, error) {
	repo, err := repository.New(conf.Repository(), envs, log)
	if err != nil {
		return nil, nil, newSyncError(PhaseConfiguring, fmt.Errorf("%w: %w", config.ErrConfiguration, err))
	}
	return New(repo, store, conf.ConflictRetries, log), repo, nil
}

// Sync runs all phases once
func (ix *Indexer) Sync(ctx context.Context) (*Outcome, error) {
	defer updateSyncLatency(ix.mirror.Name(), time.Now())

	start := time.Now()
	out, err := ix.sync(ctx)
	recordSync(ix.mirror.Name(), out, err)
	if err != nil {
		ix.log.Error("sync failed", "err", err)
		return nil, err
	}

	ix.log.Info("sync completed", "status", out.Status, "head", out.State.HeadCommitID,
		"version", out.State.Version, "changed", len(out.ChangedFiles), "duration", time.Since(start))
	return out, nil
}

func (ix *Indexer) sync(ctx context.Context) (*Outcome, error) {
	url := ix.mirror.Remote()

	prior, err := ix.load(ctx, url)
	if err != nil {
		return nil, err
	}

	head, err := ix.mirror.Checkout(ctx)
	if err != nil {
		return nil, newSyncError(PhaseMirroring, err)
	}
	ix.log.Debug("mirror checked out", "head", head)

	changed, files, err := ix.diff(ctx, head, prior)
	if err != nil {
		return nil, err
	}

	candidate := registry.State{
		URL:          url,
		HeadRef:      ix.mirror.Branch(),
		HeadCommitID: head.String(),
	}

	var out *Outcome
	for attempt := 0; ; attempt++ {
		out, err = ix.reconcile(ctx, prior, candidate)
		if err == nil {
			break
		}
		if !IsConflict(err) || attempt >= ix.retries {
			return nil, err
		}

		// state was written by another run, re-read and re-compute difference
		ix.log.Warn("registry state changed concurrently, retrying", "attempt", attempt+1, "err", err)

		if prior, err = ix.load(ctx, url); err != nil {
			return nil, err
		}
		if changed, files, err = ix.diff(ctx, head, prior); err != nil {
			return nil, err
		}
	}

	out.ChangedFiles = changed
	out.Files = files

	// maintenance failure doesn't affect recorded state
	if err := ix.mirror.Maintain(ctx); err != nil {
		ix.log.Error("mirror maintenance failed", "err", err)
	}

	return out, nil
}

// load returns recorded state of the remote or nil on first sync
func (ix *Indexer) load(ctx context.Context, url string) (*registry.State, error) {
	prior, err := ix.store.Get(ctx, url)
	if err != nil {
		return nil, newSyncError(PhaseLoading, err)
	}
	if prior == nil {
		ix.log.Info("no recorded state found, running first sync")
		return nil, nil
	}

	if prior.HeadCommitID != "" && !repository.IsFullCommitHash(prior.HeadCommitID) {
		return nil, newSyncError(PhaseLoading,
			fmt.Errorf("%w: recorded head commit id '%s' is not a valid hash", repository.ErrRepositoryState, prior.HeadCommitID))
	}

	ix.log.Debug("recorded state loaded", "version", prior.Version, "head", prior.HeadCommitID)
	return prior, nil
}

// diff returns files changed between recorded commit and head and all files
// at head
func (ix *Indexer) diff(ctx context.Context, head plumbing.Hash, prior *registry.State) (changed, files repository.FileSet, err error) {
	files, err = ix.mirror.ListFiles(ctx, head)
	if err != nil {
		return nil, nil, newSyncError(PhaseDiffing, err)
	}

	if prior == nil || prior.HeadCommitID == "" {
		changed = make(repository.FileSet, len(files))
		for f := range files {
			changed.Add(f)
		}
	} else {
		changed, err = ix.mirror.ChangedFiles(ctx, head, plumbing.NewHash(prior.HeadCommitID))
		if err != nil {
			return nil, nil, newSyncError(PhaseDiffing, err)
		}
	}

	for _, f := range files.Sorted() {
		if changed.Has(f) {
			ix.log.Debug("file changed", "path", f)
		} else {
			ix.log.Debug("file unchanged", "path", f)
		}
	}
	for _, f := range changed.Sorted() {
		if !files.Has(f) {
			ix.log.Debug("file removed", "path", f)
		}
	}

	return changed, files, nil
}

// reconcile writes candidate to the store, nothing is written if candidate
// matches recorded state
func (ix *Indexer) reconcile(ctx context.Context, prior *registry.State, candidate registry.State) (*Outcome, error) {
	if prior == nil {
		created, err := ix.store.Create(ctx, candidate)
		if err != nil {
			return nil, newSyncError(PhaseReconciling, err)
		}
		return &Outcome{Status: OutcomeUpdated, State: created}, nil
	}

	if prior.Equal(&candidate) {
		return &Outcome{Status: OutcomeNoop, Previous: prior, State: prior}, nil
	}

	updated, err := ix.store.Update(ctx, candidate, prior.Version)
	if err != nil {
		return nil, newSyncError(PhaseReconciling, err)
	}
	return &Outcome{Status: OutcomeUpdated, Previous: prior, State: updated}, nil
}
