package storage

import (
	"errors"

	"github.com/cuemby/burrow/pkg/types"
)

// ErrNotFound is returned when a spilled object is not in the store
var ErrNotFound = errors.New("spilled object not found")

// SpillStore is secondary storage for objects evicted from memory.
// Implementations must be safe for concurrent use.
type SpillStore interface {
	// Put writes the object and returns the URL it can be restored from
	Put(id types.ObjectID, obj *types.Object) (string, error)

	// Get reads an object back from its URL
	Get(url string) (types.ObjectID, *types.Object, error)

	// Delete removes the object stored at url
	Delete(url string) error

	// Usage returns the number of spilled objects and their total size
	Usage() (count int, bytes int64, err error)

	Close() error
}
