package store

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers should check for this error explicitly using
// errors.Is to distinguish missing records from other database errors.
var ErrNotFound = errors.New("store: record not found")

// ErrInvalidDirection is returned by InsertConversation when direction is
// neither "inbound" nor "outbound".
var ErrInvalidDirection = errors.New("store: invalid conversation direction")

// ErrRangeOverlap is returned by CreateCheckpoint if the requested end id
// would violate the monotonic, non-overlapping checkpoint invariant.
var ErrRangeOverlap = errors.New("store: checkpoint range would overlap or leave a gap")
