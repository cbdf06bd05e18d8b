package agion

import "errors"

// Sentinel errors returned by the SDK. Match with errors.Is.
var (
	// ErrConfiguration marks an invalid Config at construction.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrNotStarted is returned by operations that need Start first.
	ErrNotStarted = errors.New("client not started")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client closed")
	// ErrNoSubstrate is returned when an operation needs the log
	// substrate but no Redis URL was configured.
	ErrNoSubstrate = errors.New("log substrate not configured")
)
