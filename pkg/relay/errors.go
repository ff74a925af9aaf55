package relay

import "github.com/pkg/errors"

var (
	// ErrStoreQuery wraps read failures against the backing store.
	ErrStoreQuery = errors.New("store query failed")

	// ErrStoreWrite wraps insert/delete failures against the backing store.
	ErrStoreWrite = errors.New("store write failed")

	// ErrSubscription marks a delivery channel that failed to subscribe.
	// Non-fatal: the session degrades to the channels that did subscribe
	// plus the poll fallback.
	ErrSubscription = errors.New("channel subscription failed")

	// ErrMalformedEvent marks an arrival payload missing required fields.
	ErrMalformedEvent = errors.New("malformed arrival event")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)
