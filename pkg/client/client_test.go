package client

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode is the node end of a pipe
type fakeNode struct {
	t    *testing.T
	conn net.Conn
}

func newPair(t *testing.T) (*Client, *fakeNode) {
	t.Helper()
	workerEnd, nodeEnd := net.Pipe()
	c := New(workerEnd, Options{})
	t.Cleanup(func() {
		_ = nodeEnd.Close()
		_ = c.Close()
	})
	return c, &fakeNode{t: t, conn: nodeEnd}
}

func (n *fakeNode) read(want protocol.MessageType, v any) {
	n.t.Helper()
	frame, err := protocol.ReadFrame(n.conn, 0)
	if err != nil {
		n.t.Errorf("read frame: %v", err)
		return
	}
	if protocol.MessageType(frame.Type) != want {
		n.t.Errorf("expected %s, got %s", want, protocol.MessageType(frame.Type))
		return
	}
	if v != nil {
		if err := json.Unmarshal(frame.Payload, v); err != nil {
			n.t.Errorf("decode: %v", err)
		}
	}
}

func (n *fakeNode) write(msgType protocol.MessageType, v any) {
	n.t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		n.t.Errorf("encode: %v", err)
		return
	}
	if err := protocol.WriteFrame(n.conn, int64(msgType), payload); err != nil {
		n.t.Errorf("write frame: %v", err)
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name    string
		reply   protocol.RegisterClientReplyMsg
		wantErr error
	}{
		{
			name:  "accepted",
			reply: protocol.RegisterClientReplyMsg{Success: true, NodeID: types.NewNodeID(), WorkerID: types.NewWorkerID()},
		},
		{
			name:    "rejected",
			reply:   protocol.RegisterClientReplyMsg{Success: false, FailureReason: "connection already registered"},
			wantErr: ErrRegistrationRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, node := newPair(t)

			var req protocol.RegisterClientRequestMsg
			go func() {
				node.read(protocol.RegisterClientRequest, &req)
				node.write(protocol.RegisterClientReply, tt.reply)
			}()

			nodeID, workerID, err := c.Register(testContext(t), RegisterOptions{
				WorkerType: types.WorkerTypeDriver,
				JobID:      "job-1",
			})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Contains(t, err.Error(), tt.reply.FailureReason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.reply.NodeID, nodeID)
			assert.Equal(t, tt.reply.WorkerID, workerID)
			assert.Equal(t, types.WorkerTypeDriver, req.WorkerType)
			assert.Equal(t, types.JobID("job-1"), req.JobID)
			assert.NotZero(t, req.PID)
		})
	}
}

func TestWait(t *testing.T) {
	c, node := newPair(t)
	a, b := types.NewObjectID(), types.NewObjectID()

	go func() {
		var req protocol.WaitRequestMsg
		node.read(protocol.WaitRequest, &req)
		node.write(protocol.WaitReply, protocol.WaitReplyMsg{
			Found:     req.ObjectIDs[:1],
			Remaining: req.ObjectIDs[1:],
		})
	}()

	found, remaining, err := c.Wait(testContext(t), []types.ObjectID{a, b}, 1)
	require.NoError(t, err)
	assert.Equal(t, []types.ObjectID{a}, found)
	assert.Equal(t, []types.ObjectID{b}, remaining)
}

func TestNotificationsInterleavedWithReplies(t *testing.T) {
	c, node := newPair(t)
	failedID := types.NewObjectID()

	go func() {
		node.read(protocol.AnnounceWorkerPort, nil)
		node.write(protocol.LocalGCRequest, protocol.LocalGCRequestMsg{TriggeredByGlobalGC: true})
		node.write(protocol.ObjectFailedNotification, protocol.ObjectFailedNotificationMsg{
			ErrorType: types.ErrorTypeObjectLost,
			Objects:   []types.ObjectReference{{ObjectID: failedID}},
		})
		node.write(protocol.AnnounceWorkerPortReply, protocol.AnnounceWorkerPortReplyMsg{Success: true})
	}()

	require.NoError(t, c.AnnounceWorkerPort(testContext(t), 10001))

	gc := <-c.Notifications()
	assert.Equal(t, protocol.LocalGCRequest, gc.Type)
	require.NotNil(t, gc.LocalGC)
	assert.True(t, gc.LocalGC.TriggeredByGlobalGC)

	failed := <-c.Notifications()
	assert.Equal(t, protocol.ObjectFailedNotification, failed.Type)
	require.NotNil(t, failed.ObjectFailed)
	assert.Equal(t, types.ErrorTypeObjectLost, failed.ObjectFailed.ErrorType)
	assert.Equal(t, failedID, failed.ObjectFailed.Objects[0].ObjectID)
}

func TestAnnounceWorkerPortRejected(t *testing.T) {
	c, node := newPair(t)
	go func() {
		node.read(protocol.AnnounceWorkerPort, nil)
		node.write(protocol.AnnounceWorkerPortReply, protocol.AnnounceWorkerPortReplyMsg{Success: false})
	}()

	err := c.AnnounceWorkerPort(testContext(t), 0)
	assert.Error(t, err)
}

func TestFireAndForgetMessages(t *testing.T) {
	c, node := newPair(t)
	id := types.NewObjectID()

	received := make(chan protocol.MessageType, 4)
	go func() {
		for i := 0; i < 4; i++ {
			frame, err := protocol.ReadFrame(node.conn, 0)
			if err != nil {
				return
			}
			received <- protocol.MessageType(frame.Type)
		}
	}()

	require.NoError(t, c.FetchOrReconstruct([]types.ObjectID{id}))
	require.NoError(t, c.NotifyUnblocked())
	require.NoError(t, c.PushError("job-1", "task_error", "boom"))
	require.NoError(t, c.FreeObjects([]types.ObjectID{id}))

	want := []protocol.MessageType{
		protocol.FetchOrReconstruct,
		protocol.NotifyUnblocked,
		protocol.PushErrorRequest,
		protocol.FreeObjectsInObjectStoreRequest,
	}
	for _, w := range want {
		select {
		case got := <-received:
			assert.Equal(t, w, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}

func TestRequestHonorsContext(t *testing.T) {
	c, node := newPair(t)
	go node.read(protocol.WaitRequest, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := c.Wait(ctx, []types.ObjectID{types.NewObjectID()}, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDisconnect(t *testing.T) {
	c, node := newPair(t)

	var req protocol.DisconnectClientRequestMsg
	go func() {
		node.read(protocol.DisconnectClientRequest, &req)
		node.write(protocol.DisconnectClientReply, protocol.DisconnectClientReplyMsg{})
		_ = node.conn.Close()
	}()

	require.NoError(t, c.Disconnect(testContext(t), "INTENDED_USER_EXIT", "done"))
	assert.Equal(t, "INTENDED_USER_EXIT", req.ExitType)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not shut down")
	}
	_, ok := <-c.Notifications()
	assert.False(t, ok)
}

func TestNodeHangupFailsRequests(t *testing.T) {
	c, node := newPair(t)
	go func() {
		node.read(protocol.WaitRequest, nil)
		_ = node.conn.Close()
	}()

	_, _, err := c.Wait(testContext(t), []types.ObjectID{types.NewObjectID()}, 0)
	require.ErrorIs(t, err, ErrClosed)

	<-c.Done()
	assert.Error(t, c.Err())
	assert.ErrorIs(t, c.FreeObjects(nil), ErrClosed)
}
