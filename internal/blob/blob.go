// Package blob stores raw chunk audio bytes. Metadata lives in the SQLite
// store; this package only deals in opaque byte streams keyed by
// session-scoped paths such as "sess-42/00003.webm".
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key has no stored bytes.
var ErrNotFound = errors.New("blob not found")

// Store is a durable byte store for chunk audio.
type Store interface {
	// Put writes the blob under key, overwriting any previous bytes.
	Put(ctx context.Context, key string, r io.Reader) error
	// Get opens the blob for reading. The caller closes the returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
