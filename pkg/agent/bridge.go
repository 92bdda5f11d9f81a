package agent

import (
	"github.com/cuemby/burrow/pkg/eventloop"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/objectmanager"
	"github.com/cuemby/burrow/pkg/types"
)

// bridge returns the callbacks the object manager invokes from its own
// goroutines. Callbacks that touch control loop state post a task; the rest
// call collaborators that are safe for concurrent use.
func (a *Agent) bridge() objectmanager.Callbacks {
	return objectmanager.Callbacks{
		RestoreSpilledObject: func(id types.ObjectID, size int64, url string, done func(error)) {
			metrics.BridgeInvocations.WithLabelValues("restore_spilled_object").Inc()
			a.localObjects.AsyncRestoreSpilledObject(id, size, url, done)
		},

		GetSpilledObjectURL: func(id types.ObjectID) string {
			metrics.BridgeInvocations.WithLabelValues("get_spilled_object_url").Inc()
			return a.localObjects.GetLocalSpilledObjectURL(id)
		},

		SpillObjects: func() bool {
			metrics.BridgeInvocations.WithLabelValues("spill_objects").Inc()
			a.loop.Post("NodeAgent.SpillObjects", func(t eventloop.Token) {
				a.localObjects.SpillObjectsUptoMaxThroughput(t)
			})
			return a.localObjects.IsSpillingInProgress()
		},

		ObjectStoreFull: func() {
			metrics.BridgeInvocations.WithLabelValues("object_store_full").Inc()
			a.loop.Post("NodeAgent.TriggerGlobalGC", func(t eventloop.Token) {
				a.nodeManager.TriggerGlobalGC(t)
			})
		},

		AddObject: func(info types.ObjectInfo) {
			metrics.BridgeInvocations.WithLabelValues("add_object").Inc()
			a.loop.Post("NodeAgent.HandleObjectLocal", func(t eventloop.Token) {
				a.nodeManager.HandleObjectLocal(t, info)
			})
		},

		DeleteObject: func(id types.ObjectID) {
			metrics.BridgeInvocations.WithLabelValues("delete_object").Inc()
			a.loop.Post("NodeAgent.HandleObjectMissing", func(t eventloop.Token) {
				a.nodeManager.HandleObjectMissing(t, id)
			})
		},

		PinObject: func(id types.ObjectID) *types.Object {
			metrics.BridgeInvocations.WithLabelValues("pin_object").Inc()
			objs, err := a.nodeManager.GetObjectsFromStore([]types.ObjectID{id})
			if err != nil || len(objs) == 0 {
				return nil
			}
			return objs[0]
		},

		FailPullRequest: func(id types.ObjectID, errType types.ErrorType) {
			metrics.BridgeInvocations.WithLabelValues("fail_pull_request").Inc()
			a.loop.Post("NodeAgent.MarkObjectsAsFailed", func(t eventloop.Token) {
				refs := []types.ObjectReference{{ObjectID: id}}
				a.nodeManager.MarkObjectsAsFailed(t, errType, refs, types.NilJobID)
			})
		},
	}
}
