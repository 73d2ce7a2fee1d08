package crow

import "github.com/google/uuid"

// NewSequenceID mints a fresh streaming sequence-id (§9's resolution of
// the "how is a compaction context keyed" Open Question): callers open a
// SequentialStart with this id and reuse it for every SequentialItem and
// the closing SequentialEnd of that stream.
func NewSequenceID() string {
	return uuid.NewString()
}
