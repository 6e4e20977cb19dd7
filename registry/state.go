// Package registry persists the synchronization progress of mirrored index
// repositories. Every write is conditional, a record is created only if it
// doesn't exist and it is updated only if the caller's expected version
// matches the stored version, so concurrent sync runs can't overwrite each
// other's progress.
package registry

// State is the recorded mirror position of a single index repository
type State struct {
	// URL of the remote index repository, primary key
	URL string
	// Version is incremented by exactly 1 on every successful update,
	// its 0 on creation
	Version int64
	// HeadRef is the branch name last synchronized, "" if absent
	HeadRef string
	// HeadCommitID is the commit hash HEAD resolved to at write time, "" if absent
	HeadCommitID string
}

// Equal returns true if both states point at the same position. Version
// is ignored.
func (s *State) Equal(o *State) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.URL == o.URL &&
		s.HeadRef == o.HeadRef &&
		s.HeadCommitID == o.HeadCommitID
}
