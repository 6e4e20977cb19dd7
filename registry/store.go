package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrAlreadyExists is returned by create if a record for the url exists
	ErrAlreadyExists = errors.New("registry state already exists")

	// ErrVersionConflict is returned by update if stored version doesn't
	// match the expected version or the record is missing
	ErrVersionConflict = errors.New("registry state version conflict")

	// ErrStoreAccess is returned when backend is unreachable or it
	// rejected the request for reasons other than the write conditions
	ErrStoreAccess = errors.New("registry store access failure")

	// ErrInvalidRecord is returned when stored record is malformed
	ErrInvalidRecord = fmt.Errorf("%w: invalid record", ErrStoreAccess)

	// ErrEmptyURL is returned when state is read or written without a url
	ErrEmptyURL = errors.New("registry url cannot be empty")
)

// Backend is the storage of the registry records. Insert and CompareAndSwap
// must be atomic.
type Backend interface {
	// Get returns stored state or nil if there is no record for the url
	Get(ctx context.Context, url string) (*State, error)
	// Insert stores the state with version 0 only if there is no record for
	// the url, otherwise it returns ErrAlreadyExists
	Insert(ctx context.Context, state State) (*State, error)
	// CompareAndSwap replaces stored state only if its version equals
	// expected, the stored version becomes expected+1. ErrVersionConflict is
	// returned otherwise.
	CompareAndSwap(ctx context.Context, state State, expected int64) (*State, error)
	// Close releases backend resources
	Close() error
}

// Store reads and conditionally writes registry states
type Store struct {
	backend Backend
	log     *slog.Logger
}

// NewStore returns store using given backend
func NewStore(backend Backend, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{backend: backend, log: log}
}

// Close closes the backend
func (s *Store) Close() error {
	return s.backend.Close()
}

// Get returns the recorded state for the url or nil if the url was never
// synchronized
func (s *Store) Get(ctx context.Context, url string) (*State, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}

	state, err := s.backend.Get(ctx, url)
	if err != nil {
		return nil, wrapAccessErr("get", url, err)
	}
	return state, nil
}

// Create stores the state with version 0. It returns ErrAlreadyExists if
// record exists, no prior read is made.
func (s *Store) Create(ctx context.Context, state State) (*State, error) {
	if state.URL == "" {
		return nil, ErrEmptyURL
	}
	state.Version = 0

	created, err := s.backend.Insert(ctx, state)
	if err != nil {
		return nil, wrapAccessErr("create", state.URL, err)
	}

	s.log.Debug("registry state created", "url", created.URL, "head", created.HeadCommitID)
	return created, nil
}

// Update replaces the stored state only if stored version equals expected.
// returned state has version expected+1. It returns ErrVersionConflict if
// versions don't match or record is missing.
func (s *Store) Update(ctx context.Context, state State, expected int64) (*State, error) {
	if state.URL == "" {
		return nil, ErrEmptyURL
	}

	updated, err := s.backend.CompareAndSwap(ctx, state, expected)
	if err != nil {
		return nil, wrapAccessErr("update", state.URL, err)
	}

	s.log.Debug("registry state updated", "url", updated.URL, "version", updated.Version, "head", updated.HeadCommitID)
	return updated, nil
}

// Upsert creates the state if its absent or updates it using fetched
// version if it differs from stored state. previous is nil if record was
// created. If stored state is same as given state nothing is written and
// previous and current are both the stored state.
func (s *Store) Upsert(ctx context.Context, state State) (previous, current *State, err error) {
	previous, err = s.Get(ctx, state.URL)
	if err != nil {
		return nil, nil, err
	}

	if previous == nil {
		current, err = s.Create(ctx, state)
		return nil, current, err
	}

	if previous.Equal(&state) {
		return previous, previous, nil
	}

	current, err = s.Update(ctx, state, previous.Version)
	return previous, current, err
}

// UpsertWithRetry calls Upsert and retries it up to given number of times
// if it fails because of a concurrent write. every retry re-reads the stored
// state so the difference is re-computed before writing.
func (s *Store) UpsertWithRetry(ctx context.Context, state State, retries int) (previous, current *State, err error) {
	for attempt := 0; ; attempt++ {
		previous, current, err = s.Upsert(ctx, state)
		if err == nil || attempt >= retries || !isConflict(err) {
			return previous, current, err
		}

		s.log.Warn("registry state changed concurrently, retrying", "url", state.URL, "attempt", attempt+1, "err", err)

		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
	}
}

func isConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrAlreadyExists)
}

// wrapAccessErr makes sure every error other than the write condition
// failures is a store access error
func wrapAccessErr(op, url string, err error) error {
	switch {
	case isConflict(err), errors.Is(err, ErrStoreAccess):
		return fmt.Errorf("unable to %s registry state for %s err:%w", op, url, err)
	default:
		return fmt.Errorf("unable to %s registry state for %s %w: %w", op, url, ErrStoreAccess, err)
	}
}
