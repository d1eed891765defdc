// Package remote synchronizes the persisted chain bytes with an external
// hosted store. The gateway is a pure boundary: push and pull move opaque
// bytes, whole-file replace, and carry no chain logic. Offline operation is
// first-class; see NoopGateway.
package remote

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Pull when no remote chain document exists yet.
var ErrNotFound = errors.New("no remote chain document found")

// ErrUnavailable wraps transport or remote-service failures. A failed push
// never rolls back local chain state; callers retry by pushing the current
// persisted bytes again.
var ErrUnavailable = errors.New("sync gateway unavailable")

// Gateway pushes and pulls the serialized chain to and from a remote store.
type Gateway interface {
	// Pull fetches the current remote chain bytes, or ErrNotFound.
	Pull(ctx context.Context) ([]byte, error)

	// Push replaces the remote chain document and returns a location
	// identifier for it (e.g. a URL).
	Push(ctx context.Context, data []byte) (string, error)
}
