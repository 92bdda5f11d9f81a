package nodemanager

import (
	"time"

	"github.com/cuemby/burrow/pkg/eventloop"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
)

// HandleObjectLocal records an object sealed in the local store
func (nm *NodeManager) HandleObjectLocal(t eventloop.Token, info types.ObjectInfo) {
	t.Assert()
	nm.localObjects[info.ObjectID] = info
	delete(nm.failedObjects, info.ObjectID)
}

// HandleObjectMissing records an object that left the local store
func (nm *NodeManager) HandleObjectMissing(t eventloop.Token, id types.ObjectID) {
	t.Assert()
	delete(nm.localObjects, id)
}

// IsObjectLocal reports whether the object is sealed locally
func (nm *NodeManager) IsObjectLocal(t eventloop.Token, id types.ObjectID) bool {
	t.Assert()
	_, ok := nm.localObjects[id]
	return ok
}

// FailedObject returns the error recorded for an object, if any
func (nm *NodeManager) FailedObject(t eventloop.Token, id types.ObjectID) (types.ErrorType, bool) {
	t.Assert()
	errType, ok := nm.failedObjects[id]
	return errType, ok
}

// MarkObjectsAsFailed records the failure and notifies the workers that may be
// waiting for the objects. A nil job id notifies every worker.
func (nm *NodeManager) MarkObjectsAsFailed(t eventloop.Token, errType types.ErrorType, refs []types.ObjectReference, jobID types.JobID) {
	t.Assert()
	if len(refs) == 0 {
		return
	}

	for _, ref := range refs {
		nm.failedObjects[ref.ObjectID] = errType
		nm.om.CancelPull(ref.ObjectID)
		nm.logger.Warn().
			Str("object_id", ref.ObjectID.Hex()).
			Str("error_type", string(errType)).
			Msg("Object marked as failed")
	}
	metrics.ObjectsFailed.WithLabelValues(string(errType)).Add(float64(len(refs)))

	msg := protocol.ObjectFailedNotificationMsg{
		ErrorType: errType,
		Objects:   refs,
		JobID:     jobID,
	}
	for conn, w := range nm.workers {
		if !jobID.IsNil() && w.JobID != jobID {
			continue
		}
		if err := send(conn, protocol.ObjectFailedNotification, msg); err != nil {
			nm.logger.Debug().Err(err).Str("worker_id", w.ID.Hex()).Msg("Failed to notify worker")
		}
	}
}

// TriggerGlobalGC asks every worker to collect garbage. Requests closer than
// the configured interval to the previous one are dropped.
func (nm *NodeManager) TriggerGlobalGC(t eventloop.Token) {
	t.Assert()

	now := time.Now()
	if !nm.lastGlobalGC.IsZero() && now.Sub(nm.lastGlobalGC) < nm.cfg.MinGlobalGCInterval {
		nm.logger.Debug().Msg("Skipping global GC, last one is too recent")
		return
	}
	nm.lastGlobalGC = now
	metrics.GlobalGCTriggers.Inc()

	msg := protocol.LocalGCRequestMsg{TriggeredByGlobalGC: true}
	for conn, w := range nm.workers {
		if err := send(conn, protocol.LocalGCRequest, msg); err != nil {
			nm.logger.Debug().Err(err).Str("worker_id", w.ID.Hex()).Msg("Failed to request local GC")
		}
	}
	nm.logger.Info().Int("workers", len(nm.workers)).Msg("Triggered global GC")
}

// pullMissing asks the object manager for objects that are neither local nor
// already failed. Known failures are re-sent to the requesting workers.
func (nm *NodeManager) pullMissing(t eventloop.Token, ids []types.ObjectID) {
	var refs []types.ObjectReference
	failed := make(map[types.ErrorType][]types.ObjectReference)
	for _, id := range ids {
		if _, ok := nm.localObjects[id]; ok {
			continue
		}
		if errType, ok := nm.failedObjects[id]; ok {
			failed[errType] = append(failed[errType], types.ObjectReference{ObjectID: id})
			continue
		}
		refs = append(refs, types.ObjectReference{ObjectID: id})
	}

	for errType, refs := range failed {
		nm.MarkObjectsAsFailed(t, errType, refs, types.NilJobID)
	}
	if len(refs) > 0 {
		nm.om.Pull(refs)
	}
}
