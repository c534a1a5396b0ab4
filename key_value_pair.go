package handlegc

// KeyValuePair is a tuple, used by Snapshot to report a tracked handle key
// together with its current reference count.
type KeyValuePair[TK any, TV any] struct {
	// Key is the key part in the pair.
	Key TK
	// Value is the value part in the pair.
	Value TV
}
