package objectmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key layout in etcd
const (
	ObjectKeyPrefix = "/burrow/objects/"
	OwnerKeyPrefix  = "/burrow/owners/"
)

// Locations is the result of a directory lookup
type Locations struct {
	Nodes     []types.NodeID
	Owner     types.NodeID
	OwnerDead bool
}

// Directory tracks which nodes hold a copy of each object
type Directory interface {
	ReportObjectAdded(ctx context.Context, nodeID types.NodeID, info types.ObjectInfo) error
	ReportObjectRemoved(ctx context.Context, nodeID types.NodeID, id types.ObjectID) error
	LookupLocations(ctx context.Context, id types.ObjectID) (Locations, error)
}

// NodeLiveness answers whether a node has left the cluster
type NodeLiveness interface {
	IsNodeDead(ctx context.Context, id types.NodeID) (bool, error)
}

// MarkFailedFunc reports an object that can never become available
type MarkFailedFunc func(id types.ObjectID, errType types.ErrorType)

// EtcdDirectory stores object locations in etcd
type EtcdDirectory struct {
	kv         clientv3.KV
	nodes      NodeLiveness
	markFailed MarkFailedFunc
	logger     zerolog.Logger
}

// NewEtcdDirectory creates a directory. markFailed is called when a lookup finds
// no copy and the owner node is dead.
func NewEtcdDirectory(kv clientv3.KV, nodes NodeLiveness, markFailed MarkFailedFunc) *EtcdDirectory {
	return &EtcdDirectory{
		kv:         kv,
		nodes:      nodes,
		markFailed: markFailed,
		logger:     log.WithComponent("object_directory"),
	}
}

func locationPrefix(id types.ObjectID) string {
	return ObjectKeyPrefix + id.Hex() + "/"
}

func locationKey(id types.ObjectID, nodeID types.NodeID) string {
	return locationPrefix(id) + nodeID.Hex()
}

func ownerKey(id types.ObjectID) string {
	return OwnerKeyPrefix + id.Hex()
}

// ReportObjectAdded records nodeID as a location of the object
func (d *EtcdDirectory) ReportObjectAdded(ctx context.Context, nodeID types.NodeID, info types.ObjectInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode object info: %w", err)
	}

	ops := []clientv3.Op{clientv3.OpPut(locationKey(info.ObjectID, nodeID), string(data))}
	if !info.OwnerNodeID.IsNil() {
		ops = append(ops, clientv3.OpPut(ownerKey(info.ObjectID), info.OwnerNodeID.Hex()))
	}

	if _, err := d.kv.Txn(ctx).Then(ops...).Commit(); err != nil {
		return fmt.Errorf("failed to report object %s: %w", info.ObjectID, err)
	}
	return nil
}

// ReportObjectRemoved drops nodeID from the locations of the object
func (d *EtcdDirectory) ReportObjectRemoved(ctx context.Context, nodeID types.NodeID, id types.ObjectID) error {
	if _, err := d.kv.Delete(ctx, locationKey(id, nodeID)); err != nil {
		return fmt.Errorf("failed to remove location of object %s: %w", id, err)
	}
	return nil
}

// LookupLocations lists the nodes holding the object
func (d *EtcdDirectory) LookupLocations(ctx context.Context, id types.ObjectID) (Locations, error) {
	var locs Locations

	resp, err := d.kv.Get(ctx, locationPrefix(id), clientv3.WithPrefix())
	if err != nil {
		return locs, fmt.Errorf("failed to look up object %s: %w", id, err)
	}
	for _, kv := range resp.Kvs {
		nodeID, err := types.ParseNodeID(strings.TrimPrefix(string(kv.Key), locationPrefix(id)))
		if err != nil {
			d.logger.Warn().Str("key", string(kv.Key)).Msg("Ignoring malformed location key")
			continue
		}
		locs.Nodes = append(locs.Nodes, nodeID)
	}

	owner, err := d.kv.Get(ctx, ownerKey(id))
	if err != nil {
		return locs, fmt.Errorf("failed to look up owner of object %s: %w", id, err)
	}
	if len(owner.Kvs) > 0 {
		if locs.Owner, err = types.ParseNodeID(string(owner.Kvs[0].Value)); err != nil {
			return locs, fmt.Errorf("invalid owner of object %s: %w", id, err)
		}
	}

	if len(locs.Nodes) == 0 && !locs.Owner.IsNil() && d.nodes != nil {
		dead, err := d.nodes.IsNodeDead(ctx, locs.Owner)
		if err != nil {
			return locs, err
		}
		if dead {
			locs.OwnerDead = true
			d.logger.Info().
				Str("object_id", id.Hex()).
				Str("owner", locs.Owner.Hex()).
				Msg("Object has no copies and its owner died")
			if d.markFailed != nil {
				d.markFailed(id, types.ErrorTypeOwnerDied)
			}
		}
	}
	return locs, nil
}
