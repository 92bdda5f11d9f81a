package nodemanager

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/eventloop"
	"github.com/cuemby/burrow/pkg/gcs"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterClient(t *testing.T) {
	node := newTestNode(t, 1<<20)
	conn := node.connect(t)

	reply := node.register(t, conn, "job-1")
	assert.True(t, reply.Success)
	assert.Equal(t, node.nm.cfg.NodeID, reply.NodeID)
	assert.False(t, reply.WorkerID.IsNil())

	var workers int
	node.onLoop(t, func(tok eventloop.Token) { workers = node.nm.NumWorkers(tok) })
	assert.Equal(t, 1, workers)

	// A second registration on the same connection is refused
	reply = node.register(t, conn, "job-1")
	assert.False(t, reply.Success)
	assert.NotEmpty(t, reply.FailureReason)
}

func TestAnnounceWorkerPort(t *testing.T) {
	node := newTestNode(t, 1<<20)
	conn := node.connect(t)
	node.register(t, conn, "job-1")

	tests := []struct {
		port int
		want bool
	}{
		{port: 12345, want: true},
		{port: 0, want: false},
		{port: 70000, want: false},
	}
	for _, tt := range tests {
		writeMsg(t, conn, protocol.AnnounceWorkerPort, protocol.AnnounceWorkerPortMsg{Port: tt.port})
		var reply protocol.AnnounceWorkerPortReplyMsg
		readMsg(t, conn, protocol.AnnounceWorkerPortReply, &reply)
		assert.Equal(t, tt.want, reply.Success, "port %d", tt.port)
	}
}

func TestMessageBeforeRegistrationDisconnects(t *testing.T) {
	node := newTestNode(t, 1<<20)
	conn := node.connect(t)

	writeMsg(t, conn, protocol.WaitRequest, protocol.WaitRequestMsg{ObjectIDs: []types.ObjectID{types.NewObjectID()}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := protocol.ReadFrame(conn, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestUnknownMessageDisconnects(t *testing.T) {
	node := newTestNode(t, 1<<20)
	conn := node.connect(t)
	node.register(t, conn, "job-1")

	require.NoError(t, protocol.WriteFrame(conn, int64(protocol.RegisterClientReply), nil))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := protocol.ReadFrame(conn, 0)
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		var n int
		node.onLoop(t, func(tok eventloop.Token) { n = node.nm.NumWorkers(tok) })
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWaitRequestAndFailedPull(t *testing.T) {
	node := newTestNode(t, 1<<20)
	conn := node.connect(t)
	node.register(t, conn, "job-1")

	local := types.NewObjectID()
	missing := types.NewObjectID()
	require.NoError(t, node.nm.ObjectManager().Store().Put(types.ObjectInfo{ObjectID: local}, types.Object{Data: []byte("v")}, true))

	require.Eventually(t, func() bool {
		var ok bool
		node.onLoop(t, func(tok eventloop.Token) { ok = node.nm.IsObjectLocal(tok, local) })
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	writeMsg(t, conn, protocol.WaitRequest, protocol.WaitRequestMsg{ObjectIDs: []types.ObjectID{local, missing}, NumReturns: 2})

	var reply protocol.WaitReplyMsg
	readMsg(t, conn, protocol.WaitReply, &reply)
	assert.Equal(t, []types.ObjectID{local}, reply.Found)
	assert.Equal(t, []types.ObjectID{missing}, reply.Remaining)

	// The missing object has no location anywhere
	var failed protocol.ObjectFailedNotificationMsg
	readMsg(t, conn, protocol.ObjectFailedNotification, &failed)
	assert.Equal(t, types.ErrorTypeObjectUnreachable, failed.ErrorType)
	require.Len(t, failed.Objects, 1)
	assert.Equal(t, missing, failed.Objects[0].ObjectID)
	assert.Equal(t, types.NilJobID, failed.JobID)

	var errType types.ErrorType
	node.onLoop(t, func(tok eventloop.Token) { errType, _ = node.nm.FailedObject(tok, missing) })
	assert.Equal(t, types.ErrorTypeObjectUnreachable, errType)
}

func TestMarkObjectsAsFailedFiltersByJob(t *testing.T) {
	node := newTestNode(t, 1<<20)
	job1 := node.connect(t)
	node.register(t, job1, "job-1")
	job2 := node.connect(t)
	node.register(t, job2, "job-2")

	id := types.NewObjectID()
	node.onLoop(t, func(tok eventloop.Token) {
		node.nm.MarkObjectsAsFailed(tok, types.ErrorTypeOwnerDied, []types.ObjectReference{{ObjectID: id}}, "job-2")
	})

	var msg protocol.ObjectFailedNotificationMsg
	readMsg(t, job2, protocol.ObjectFailedNotification, &msg)
	assert.Equal(t, types.JobID("job-2"), msg.JobID)

	require.NoError(t, job1.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := protocol.ReadFrame(job1, 0)
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
}

func TestTriggerGlobalGC(t *testing.T) {
	node := newTestNode(t, 1<<20)
	conn := node.connect(t)
	node.register(t, conn, "job-1")

	node.onLoop(t, func(tok eventloop.Token) {
		node.nm.TriggerGlobalGC(tok)
		// dropped, the interval has not elapsed
		node.nm.TriggerGlobalGC(tok)
	})

	var msg protocol.LocalGCRequestMsg
	readMsg(t, conn, protocol.LocalGCRequest, &msg)
	assert.True(t, msg.TriggeredByGlobalGC)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := protocol.ReadFrame(conn, 0)
	assert.Error(t, err)
}

func TestDisconnectClient(t *testing.T) {
	node := newTestNode(t, 1<<20)
	conn := node.connect(t)
	node.register(t, conn, "job-1")

	writeMsg(t, conn, protocol.DisconnectClientRequest, protocol.DisconnectClientRequestMsg{ExitType: "INTENDED_USER_EXIT"})
	readMsg(t, conn, protocol.DisconnectClientReply, nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := protocol.ReadFrame(conn, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFreeObjects(t *testing.T) {
	node := newTestNode(t, 1<<20)
	conn := node.connect(t)
	node.register(t, conn, "job-1")

	id := types.NewObjectID()
	store := node.nm.ObjectManager().Store()
	require.NoError(t, store.Put(types.ObjectInfo{ObjectID: id}, types.Object{Data: []byte("v")}, true))

	writeMsg(t, conn, protocol.FreeObjectsInObjectStoreRequest, protocol.FreeObjectsMsg{ObjectIDs: []types.ObjectID{id}})

	require.Eventually(t, func() bool { return !store.Contains(id) }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		var ok bool
		node.onLoop(t, func(tok eventloop.Token) { ok = node.nm.IsObjectLocal(tok, id) })
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegisterGcsFollowsNodeTable(t *testing.T) {
	node := newTestNode(t, 1<<20)
	peer := types.NodeInfo{NodeID: types.NewNodeID(), State: types.NodeStateAlive}
	node.accessor.nodes = []types.NodeInfo{peer}

	require.NoError(t, node.nm.RegisterGcs(context.Background()))

	clusterSize := func() int {
		var n int
		node.onLoop(t, func(tok eventloop.Token) { n = len(node.nm.ClusterNodes(tok)) })
		return n
	}
	require.Eventually(t, func() bool { return clusterSize() == 1 }, 2*time.Second, 10*time.Millisecond)

	other := types.NodeInfo{NodeID: types.NewNodeID(), State: types.NodeStateAlive}
	node.accessor.events <- gcs.NodeEvent{Type: gcs.NodeAdded, NodeID: other.NodeID, Node: &other}
	require.Eventually(t, func() bool { return clusterSize() == 2 }, 2*time.Second, 10*time.Millisecond)

	node.accessor.events <- gcs.NodeEvent{Type: gcs.NodeRemoved, NodeID: peer.NodeID}
	require.Eventually(t, func() bool { return clusterSize() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestLoopMethodsRequireToken(t *testing.T) {
	node := newTestNode(t, 1<<20)

	assert.Panics(t, func() {
		node.nm.HandleObjectLocal(eventloop.Token{}, types.ObjectInfo{ObjectID: types.NewObjectID()})
	})
	assert.Panics(t, func() {
		node.nm.LocalObjectManager().SpillObjectsUptoMaxThroughput(eventloop.Token{})
	})
}

func TestPortsAreBound(t *testing.T) {
	node := newTestNode(t, 1<<20)
	assert.NotZero(t, node.nm.NodeManagerPort())
	assert.NotZero(t, node.nm.ObjectManagerPort())
	assert.NotEqual(t, node.nm.NodeManagerPort(), node.nm.ObjectManagerPort())
}
