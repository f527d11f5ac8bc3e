package wire

import (
	"errors"
	"fmt"
)

// Op identifies a request on the wire. It is the first byte of every
// request frame.
type Op byte

const (
	// OpSet stores a value: key, value. No reply.
	OpSet Op = iota
	// OpCompareSet conditionally stores a value: key, expected, desired.
	// Replies with the value after the operation.
	OpCompareSet
	// OpGet reads a value: key. Replies with the value.
	OpGet
	// OpAdd adds to a numeric value: key, int64 delta. Replies with the
	// int64 running total.
	OpAdd
	// OpCheck tests presence: count, keys. Replies with a CheckResponse.
	OpCheck
	// OpWait blocks until keys exist: count, keys. Replies with a
	// WaitResponse, possibly much later.
	OpWait
	// OpGetNumKeys reports the store size. Replies with an int64 count.
	OpGetNumKeys
	// OpWatchKey subscribes to key updates: key. No reply; updates arrive
	// as WatchResponse frames.
	OpWatchKey
	// OpDeleteKey removes a key: key. Replies with int64 1 or 0.
	OpDeleteKey
)

// String returns the opcode's protocol name.
func (o Op) String() string {
	switch o {
	case OpSet:
		return "SET"
	case OpCompareSet:
		return "COMPARE_SET"
	case OpGet:
		return "GET"
	case OpAdd:
		return "ADD"
	case OpCheck:
		return "CHECK"
	case OpWait:
		return "WAIT"
	case OpGetNumKeys:
		return "GETNUMKEYS"
	case OpWatchKey:
		return "WATCH_KEY"
	case OpDeleteKey:
		return "DELETE_KEY"
	}
	return fmt.Sprintf("Op(%d)", byte(o))
}

// CheckResponse is the reply tag for OpCheck.
type CheckResponse byte

const (
	// Ready means every checked key is present.
	Ready CheckResponse = iota
	// NotReady means at least one checked key is absent.
	NotReady
)

// WaitResponse is the reply tag for OpWait.
type WaitResponse byte

// StopWaiting tells the client that every awaited key now exists.
const StopWaiting WaitResponse = 0

// WatchResponse is the tag on server-pushed watch frames. A KeyUpdated
// frame carries the key, the old value, and the new value.
type WatchResponse byte

// KeyUpdated announces a mutation of a watched key.
const KeyUpdated WatchResponse = 0

// maxLen caps a single vector or string payload. A prefix above it is
// treated as a protocol error rather than an allocation request.
const maxLen = 1 << 30

// ErrTooLarge is returned when a peer announces a vector or string longer
// than the protocol allows.
var ErrTooLarge = errors.New("wire: length prefix exceeds limit")
