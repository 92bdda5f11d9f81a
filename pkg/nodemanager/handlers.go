package nodemanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/burrow/pkg/eventloop"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/transport"
	"github.com/cuemby/burrow/pkg/types"
)

// ProcessClientMessage dispatches one frame from a worker connection and asks
// the connection for the next frame unless the worker was disconnected
func (nm *NodeManager) ProcessClientMessage(t eventloop.Token, conn *transport.Connection, msgType int64, payload []byte) {
	t.Assert()

	name := conn.MessageName(msgType)
	metrics.MessagesDispatched.WithLabelValues(name).Inc()

	var err error
	keepReading := true

	switch protocol.MessageType(msgType) {
	case protocol.RegisterClientRequest:
		err = nm.handleRegisterClient(t, conn, payload)
	case protocol.AnnounceWorkerPort:
		err = nm.handleAnnounceWorkerPort(t, conn, payload)
	case protocol.FetchOrReconstruct:
		err = nm.handleFetchOrReconstruct(t, conn, payload)
	case protocol.NotifyUnblocked:
		err = nm.handleNotifyUnblocked(t, conn)
	case protocol.WaitRequest:
		err = nm.handleWaitRequest(t, conn, payload)
	case protocol.PushErrorRequest:
		err = nm.handlePushError(t, conn, payload)
	case protocol.FreeObjectsInObjectStoreRequest:
		err = nm.handleFreeObjects(t, conn, payload)
	case protocol.DisconnectClientRequest:
		nm.handleDisconnectClient(t, conn, payload)
		keepReading = false
	default:
		err = fmt.Errorf("unexpected message type %s", name)
	}

	if err != nil {
		nm.logger.Warn().
			Err(err).
			Str("message_type", name).
			Uint64("conn_id", conn.ID()).
			Msg("Disconnecting worker after bad message")
		nm.disconnect(t, conn, err.Error())
		return
	}
	if keepReading {
		conn.ProcessMessages()
	}
}

// HandleClientConnectionError drops the worker behind a failed connection
func (nm *NodeManager) HandleClientConnectionError(t eventloop.Token, conn *transport.Connection, err error) {
	t.Assert()

	if errors.Is(err, io.EOF) {
		nm.logger.Info().Uint64("conn_id", conn.ID()).Msg("Worker closed its connection")
	} else {
		metrics.ConnectionErrors.Inc()
		nm.logger.Warn().Err(err).Uint64("conn_id", conn.ID()).Msg("Worker connection failed")
	}
	nm.disconnect(t, conn, "connection error")
}

func (nm *NodeManager) worker(t eventloop.Token, conn *transport.Connection) *types.Worker {
	w, _ := conn.Attachment(t).(*types.Worker)
	return w
}

func (nm *NodeManager) registeredWorker(t eventloop.Token, conn *transport.Connection) (*types.Worker, error) {
	w := nm.worker(t, conn)
	if w == nil {
		return nil, errors.New("worker is not registered")
	}
	return w, nil
}

func decode(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func send(conn *transport.Connection, msgType protocol.MessageType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	return conn.WriteMessage(int64(msgType), payload)
}

func (nm *NodeManager) handleRegisterClient(t eventloop.Token, conn *transport.Connection, payload []byte) error {
	var req protocol.RegisterClientRequestMsg
	if err := decode(payload, &req); err != nil {
		return err
	}

	if nm.worker(t, conn) != nil {
		return send(conn, protocol.RegisterClientReply, protocol.RegisterClientReplyMsg{
			Success:       false,
			FailureReason: "connection already registered",
			NodeID:        nm.cfg.NodeID,
		})
	}

	if req.WorkerID.IsNil() {
		req.WorkerID = types.NewWorkerID()
	}
	if req.WorkerType == "" {
		req.WorkerType = types.WorkerTypeWorker
	}

	w := &types.Worker{
		ID:           req.WorkerID,
		Type:         req.WorkerType,
		JobID:        req.JobID,
		PID:          req.PID,
		RegisteredAt: time.Now(),
	}
	conn.SetAttachment(t, w)
	nm.workers[conn] = w
	metrics.RegisteredWorkers.WithLabelValues(string(w.Type)).Inc()

	nm.logger.Info().
		Str("worker_id", w.ID.Hex()).
		Str("worker_type", string(w.Type)).
		Str("job_id", string(w.JobID)).
		Int("pid", w.PID).
		Msg("Worker registered")

	return send(conn, protocol.RegisterClientReply, protocol.RegisterClientReplyMsg{
		Success:  true,
		NodeID:   nm.cfg.NodeID,
		WorkerID: w.ID,
	})
}

func (nm *NodeManager) handleAnnounceWorkerPort(t eventloop.Token, conn *transport.Connection, payload []byte) error {
	w, err := nm.registeredWorker(t, conn)
	if err != nil {
		return err
	}
	var req protocol.AnnounceWorkerPortMsg
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.Port <= 0 || req.Port > 65535 {
		return send(conn, protocol.AnnounceWorkerPortReply, protocol.AnnounceWorkerPortReplyMsg{Success: false})
	}

	w.Port = req.Port
	return send(conn, protocol.AnnounceWorkerPortReply, protocol.AnnounceWorkerPortReplyMsg{Success: true})
}

func (nm *NodeManager) handleFetchOrReconstruct(t eventloop.Token, conn *transport.Connection, payload []byte) error {
	w, err := nm.registeredWorker(t, conn)
	if err != nil {
		return err
	}
	var req protocol.FetchOrReconstructMsg
	if err := decode(payload, &req); err != nil {
		return err
	}

	w.Blocked = true
	nm.pullMissing(t, req.ObjectIDs)
	return nil
}

func (nm *NodeManager) handleNotifyUnblocked(t eventloop.Token, conn *transport.Connection) error {
	w, err := nm.registeredWorker(t, conn)
	if err != nil {
		return err
	}
	w.Blocked = false
	return nil
}

func (nm *NodeManager) handleWaitRequest(t eventloop.Token, conn *transport.Connection, payload []byte) error {
	if _, err := nm.registeredWorker(t, conn); err != nil {
		return err
	}
	var req protocol.WaitRequestMsg
	if err := decode(payload, &req); err != nil {
		return err
	}

	want := req.NumReturns
	if want <= 0 || want > len(req.ObjectIDs) {
		want = len(req.ObjectIDs)
	}

	reply := protocol.WaitReplyMsg{
		Found:     []types.ObjectID{},
		Remaining: []types.ObjectID{},
	}
	for _, id := range req.ObjectIDs {
		if _, ok := nm.localObjects[id]; ok && len(reply.Found) < want {
			reply.Found = append(reply.Found, id)
		} else {
			reply.Remaining = append(reply.Remaining, id)
		}
	}

	nm.pullMissing(t, reply.Remaining)
	return send(conn, protocol.WaitReply, reply)
}

func (nm *NodeManager) handlePushError(t eventloop.Token, conn *transport.Connection, payload []byte) error {
	w, err := nm.registeredWorker(t, conn)
	if err != nil {
		return err
	}
	var req protocol.PushErrorRequestMsg
	if err := decode(payload, &req); err != nil {
		return err
	}

	nm.logger.Error().
		Str("worker_id", w.ID.Hex()).
		Str("job_id", string(req.JobID)).
		Str("type", req.Type).
		Msg(req.Message)
	return nil
}

func (nm *NodeManager) handleFreeObjects(t eventloop.Token, conn *transport.Connection, payload []byte) error {
	if _, err := nm.registeredWorker(t, conn); err != nil {
		return err
	}
	var req protocol.FreeObjectsMsg
	if err := decode(payload, &req); err != nil {
		return err
	}

	if _, err := nm.om.Store().Delete(req.ObjectIDs); err != nil {
		nm.logger.Warn().Err(err).Msg("Failed to free objects")
	}
	nm.lom.DeleteSpilledObjects(t, req.ObjectIDs)
	return nil
}

func (nm *NodeManager) handleDisconnectClient(t eventloop.Token, conn *transport.Connection, payload []byte) {
	var req protocol.DisconnectClientRequestMsg
	if err := decode(payload, &req); err != nil {
		nm.logger.Warn().Err(err).Msg("Ignoring malformed disconnect request")
	}

	if w := nm.worker(t, conn); w != nil {
		nm.logger.Info().
			Str("worker_id", w.ID.Hex()).
			Str("exit_type", req.ExitType).
			Str("exit_detail", req.ExitDetail).
			Msg("Worker disconnecting")
	}

	if err := send(conn, protocol.DisconnectClientReply, protocol.DisconnectClientReplyMsg{}); err != nil {
		nm.logger.Debug().Err(err).Msg("Failed to acknowledge disconnect")
	}
	nm.disconnect(t, conn, "client disconnected")
}

// disconnect forgets the worker and closes its connection
func (nm *NodeManager) disconnect(t eventloop.Token, conn *transport.Connection, reason string) {
	if w, ok := nm.workers[conn]; ok {
		delete(nm.workers, conn)
		metrics.RegisteredWorkers.WithLabelValues(string(w.Type)).Dec()
		nm.logger.Debug().
			Str("worker_id", w.ID.Hex()).
			Str("reason", reason).
			Msg("Worker removed")
	}
	if err := conn.Close(); err != nil {
		nm.logger.Debug().Err(err).Uint64("conn_id", conn.ID()).Msg("Failed to close connection")
	}
}

// NumWorkers returns the number of registered workers
func (nm *NodeManager) NumWorkers(t eventloop.Token) int {
	t.Assert()
	return len(nm.workers)
}
