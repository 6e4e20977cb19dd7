package registry

import (
	"encoding/json"
	"fmt"
)

// record is the stored representation of State. attributes are pointers so
// missing attributes can be told apart from empty values.
type record struct {
	URL          *string `json:"url"`
	Version      *int64  `json:"version"`
	HeadRef      *string `json:"head,omitempty"`
	HeadCommitID *string `json:"head_commit_id,omitempty"`
}

func toRecord(s State) record {
	return record{
		URL:          &s.URL,
		Version:      &s.Version,
		HeadRef:      optional(s.HeadRef),
		HeadCommitID: optional(s.HeadCommitID),
	}
}

// toState validates required attributes and converts record to State
func (r record) toState() (*State, error) {
	if r.URL == nil || *r.URL == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidRecord)
	}
	if r.Version == nil {
		return nil, fmt.Errorf("%w: missing version for %s", ErrInvalidRecord, *r.URL)
	}
	if *r.Version < 0 {
		return nil, fmt.Errorf("%w: negative version %d for %s", ErrInvalidRecord, *r.Version, *r.URL)
	}

	s := &State{URL: *r.URL, Version: *r.Version}
	if r.HeadRef != nil {
		s.HeadRef = *r.HeadRef
	}
	if r.HeadCommitID != nil {
		s.HeadCommitID = *r.HeadCommitID
	}
	return s, nil
}

func encodeState(s State) ([]byte, error) {
	return json.Marshal(toRecord(s))
}

func decodeState(data []byte) (*State, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return r.toState()
}

// optional returns nil for empty string
func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
