package nodemanager

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/eventloop"
	"github.com/cuemby/burrow/pkg/gcs"
	"github.com/cuemby/burrow/pkg/objectmanager"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/transport"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type fakeAccessor struct {
	mu     sync.Mutex
	nodes  []types.NodeInfo
	dead   map[types.NodeID]bool
	events chan gcs.NodeEvent
}

func newFakeAccessor() *fakeAccessor {
	return &fakeAccessor{
		dead:   make(map[types.NodeID]bool),
		events: make(chan gcs.NodeEvent, 8),
	}
}

func (f *fakeAccessor) RegisterSelf(ctx context.Context, info types.NodeInfo, done func(error)) error {
	go done(nil)
	return nil
}

func (f *fakeAccessor) UnregisterSelf(ctx context.Context, death types.NodeDeathInfo, done func()) error {
	go done()
	return nil
}

func (f *fakeAccessor) WatchNodes(ctx context.Context) <-chan gcs.NodeEvent {
	out := make(chan gcs.NodeEvent)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-f.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (f *fakeAccessor) GetAllNodes(ctx context.Context) ([]types.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.NodeInfo(nil), f.nodes...), nil
}

func (f *fakeAccessor) IsNodeDead(ctx context.Context, id types.NodeID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dead[id], nil
}

// fakeKV is an in-memory clientv3.KV for the object directory
type fakeKV struct {
	clientv3.KV

	mu   sync.Mutex
	data map[string]string
}

func (f *fakeKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &clientv3.GetResponse{}
	for k, v := range f.data {
		if k == key || (strings.HasSuffix(key, "/") && strings.HasPrefix(k, key)) {
			resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(v)})
		}
	}
	return resp, nil
}

func (f *fakeKV) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return &clientv3.DeleteResponse{}, nil
}

func (f *fakeKV) Txn(ctx context.Context) clientv3.Txn {
	return &fakeTxn{kv: f}
}

type fakeTxn struct {
	clientv3.Txn
	kv  *fakeKV
	ops []clientv3.Op
}

func (t *fakeTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.ops = append(t.ops, ops...)
	return t
}

func (t *fakeTxn) Commit() (*clientv3.TxnResponse, error) {
	t.kv.mu.Lock()
	defer t.kv.mu.Unlock()
	for _, op := range t.ops {
		if op.IsPut() {
			t.kv.data[string(op.KeyBytes())] = string(op.ValueBytes())
		}
	}
	return &clientv3.TxnResponse{Succeeded: true}, nil
}

type testNode struct {
	loop     *eventloop.Loop
	nm       *NodeManager
	accessor *fakeAccessor
	listener net.Listener
}

// loopBridge forwards object manager callbacks the way the agent does
func loopBridge(loop *eventloop.Loop, nm **NodeManager) objectmanager.Callbacks {
	return objectmanager.Callbacks{
		RestoreSpilledObject: func(id types.ObjectID, size int64, url string, done func(error)) {
			(*nm).LocalObjectManager().AsyncRestoreSpilledObject(id, size, url, done)
		},
		GetSpilledObjectURL: func(id types.ObjectID) string {
			return (*nm).LocalObjectManager().GetLocalSpilledObjectURL(id)
		},
		SpillObjects: func() bool {
			loop.Post("SpillObjects", func(t eventloop.Token) {
				(*nm).LocalObjectManager().SpillObjectsUptoMaxThroughput(t)
			})
			return (*nm).LocalObjectManager().IsSpillingInProgress()
		},
		ObjectStoreFull: func() {
			loop.Post("ObjectStoreFull", func(t eventloop.Token) { (*nm).TriggerGlobalGC(t) })
		},
		AddObject: func(info types.ObjectInfo) {
			loop.Post("AddObject", func(t eventloop.Token) { (*nm).HandleObjectLocal(t, info) })
		},
		DeleteObject: func(id types.ObjectID) {
			loop.Post("DeleteObject", func(t eventloop.Token) { (*nm).HandleObjectMissing(t, id) })
		},
		PinObject: func(id types.ObjectID) *types.Object {
			objs, err := (*nm).GetObjectsFromStore([]types.ObjectID{id})
			if err != nil || len(objs) == 0 {
				return nil
			}
			return objs[0]
		},
		FailPullRequest: func(id types.ObjectID, errType types.ErrorType) {
			loop.Post("FailPullRequest", func(t eventloop.Token) {
				(*nm).MarkObjectsAsFailed(t, errType, []types.ObjectReference{{ObjectID: id}}, types.NilJobID)
			})
		},
	}
}

func newTestNode(t *testing.T, capacity int64) *testNode {
	t.Helper()

	loop := eventloop.New()
	go func() { _ = loop.Run() }()

	spill, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	accessor := newFakeAccessor()
	var nm *NodeManager
	nm, err = Build(Config{
		NodeID:              types.NewNodeID(),
		Address:             "127.0.0.1",
		ObjectStoreCapacity: capacity,
		PullTimeout:         time.Minute,
		MinGlobalGCInterval: time.Hour,
	}, Deps{
		GCS:   accessor,
		KV:    &fakeKV{data: make(map[string]string)},
		Spill: spill,
	}, loop, loopBridge(loop, &nm))
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	node := &testNode{loop: loop, nm: nm, accessor: accessor, listener: lis}
	t.Cleanup(func() {
		lis.Close()
		nm.Stop()
		loop.Stop()
		<-loop.Done()
	})
	return node
}

// connect dials the node and hands the server side to the node manager the
// way the acceptor does
func (n *testNode) connect(t *testing.T) net.Conn {
	t.Helper()

	client, err := net.Dial("tcp", n.listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server, err := n.listener.Accept()
	require.NoError(t, err)

	n.loop.Post("Accept", func(tok eventloop.Token) {
		conn := transport.NewConnection(server, n.loop, n.nm.ProcessClientMessage, n.nm.HandleClientConnectionError, transport.Options{})
		conn.ProcessMessages()
	})
	return client
}

func writeMsg(t *testing.T, conn net.Conn, msgType protocol.MessageType, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, int64(msgType), payload))
}

func readMsg(t *testing.T, conn net.Conn, want protocol.MessageType, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame, err := protocol.ReadFrame(conn, 0)
	require.NoError(t, err)
	require.Equal(t, want, protocol.MessageType(frame.Type), "got %s", protocol.MessageType(frame.Type))
	if v != nil {
		require.NoError(t, json.Unmarshal(frame.Payload, v))
	}
}

func (n *testNode) register(t *testing.T, conn net.Conn, jobID types.JobID) protocol.RegisterClientReplyMsg {
	t.Helper()
	writeMsg(t, conn, protocol.RegisterClientRequest, protocol.RegisterClientRequestMsg{
		WorkerType: types.WorkerTypeWorker,
		JobID:      jobID,
		PID:        1234,
	})
	var reply protocol.RegisterClientReplyMsg
	readMsg(t, conn, protocol.RegisterClientReply, &reply)
	return reply
}

// onLoop runs fn on the control loop and waits for it
func (n *testNode) onLoop(t *testing.T, fn eventloop.Task) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, n.loop.Call(ctx, "test", fn))
}
