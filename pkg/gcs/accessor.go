package gcs

import (
	"context"

	"github.com/cuemby/burrow/pkg/types"
)

// NodeEventType is the kind of change observed in the node table
type NodeEventType int

const (
	NodeAdded NodeEventType = iota
	NodeDead
	NodeRemoved
)

func (t NodeEventType) String() string {
	switch t {
	case NodeAdded:
		return "added"
	case NodeDead:
		return "dead"
	case NodeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// NodeEvent wraps one change of the node table
type NodeEvent struct {
	Type   NodeEventType
	NodeID types.NodeID
	Node   *types.NodeInfo // nil for NodeRemoved
}

// NodeInfoAccessor is the node table of the cluster metadata service as seen by
// one node agent. Retry and delivery guarantees belong to the implementation.
type NodeInfoAccessor interface {
	// RegisterSelf publishes info as this node's record. The returned error
	// covers only the request; done receives the outcome of the registration.
	RegisterSelf(ctx context.Context, info types.NodeInfo, done func(error)) error

	// UnregisterSelf marks this node as departed with the given reason and
	// calls done once the record is written. Safe to call more than once.
	UnregisterSelf(ctx context.Context, death types.NodeDeathInfo, done func()) error

	// WatchNodes streams node table changes until ctx is done
	WatchNodes(ctx context.Context) <-chan NodeEvent

	// GetAllNodes returns every node record, alive or dead
	GetAllNodes(ctx context.Context) ([]types.NodeInfo, error)

	// IsNodeDead reports whether the node is recorded as dead or missing
	IsNodeDead(ctx context.Context, id types.NodeID) (bool, error)
}
