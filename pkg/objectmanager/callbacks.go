package objectmanager

import (
	"github.com/cuemby/burrow/pkg/types"
)

// Callbacks connect the object manager to the node agent. The object manager
// and its store invoke them from their own goroutines, so each implementation
// either hands the work to the control loop or is safe for concurrent use.
type Callbacks struct {
	// RestoreSpilledObject brings a spilled object back into the store and
	// calls done with the outcome
	RestoreSpilledObject func(id types.ObjectID, size int64, url string, done func(error))

	// GetSpilledObjectURL returns the spill URL of the object, or "" if it
	// was not spilled by this node
	GetSpilledObjectURL func(id types.ObjectID) string

	// SpillObjects requests a spill and reports whether one is in progress
	SpillObjects func() bool

	// ObjectStoreFull reports that memory could not be reclaimed
	ObjectStoreFull func()

	// AddObject reports an object sealed in the local store
	AddObject func(info types.ObjectInfo)

	// DeleteObject reports an object that left the local store
	DeleteObject func(id types.ObjectID)

	// PinObject returns an owned copy of a local object, or nil
	PinObject func(id types.ObjectID) *types.Object

	// FailPullRequest reports a pull that can never complete
	FailPullRequest func(id types.ObjectID, errType types.ErrorType)
}
