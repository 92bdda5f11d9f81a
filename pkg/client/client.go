package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/transport"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned once the connection to the node is gone
	ErrClosed = errors.New("client connection closed")

	// ErrRegistrationRejected is returned when the node refuses a registration
	ErrRegistrationRejected = errors.New("registration rejected")
)

// Notification is a message the node pushes without a request
type Notification struct {
	Type         protocol.MessageType
	LocalGC      *protocol.LocalGCRequestMsg
	ObjectFailed *protocol.ObjectFailedNotificationMsg
}

// Options configures a Client
type Options struct {
	MaxPayloadSize int

	// NotificationBuffer bounds queued notifications; extra ones are dropped
	NotificationBuffer int
}

// Client is a worker's session with the local node agent
type Client struct {
	conn       net.Conn
	maxPayload int

	reqMu   sync.Mutex
	writeMu sync.Mutex
	replies chan protocol.Frame

	notifications chan Notification

	done      chan struct{}
	readErr   error
	closeOnce sync.Once

	logger zerolog.Logger
}

// Dial connects to the node agent's local socket
func Dial(ctx context.Context, socketName string, opts Options) (*Client, error) {
	network, address, err := transport.ParseEndpoint(socketName)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", socketName, err)
	}
	return New(conn, opts), nil
}

// New wraps an established connection and starts reading from it
func New(conn net.Conn, opts Options) *Client {
	if opts.NotificationBuffer <= 0 {
		opts.NotificationBuffer = 64
	}
	c := &Client{
		conn:          conn,
		maxPayload:    opts.MaxPayloadSize,
		replies:       make(chan protocol.Frame, 1),
		notifications: make(chan Notification, opts.NotificationBuffer),
		done:          make(chan struct{}),
		logger:        log.WithComponent("client"),
	}
	go c.readLoop()
	return c
}

// Notifications delivers LocalGCRequest and ObjectFailedNotification messages.
// The channel is closed when the connection ends.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Done is closed when the connection to the node ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Close closes the connection
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.notifications)

	for {
		frame, err := protocol.ReadFrame(c.conn, c.maxPayload)
		if err != nil {
			c.readErr = err
			close(c.done)
			return
		}

		switch protocol.MessageType(frame.Type) {
		case protocol.LocalGCRequest:
			var msg protocol.LocalGCRequestMsg
			if err := decode(frame.Payload, &msg); err != nil {
				c.logger.Warn().Err(err).Msg("Dropping malformed local GC request")
				continue
			}
			c.notify(Notification{Type: protocol.LocalGCRequest, LocalGC: &msg})

		case protocol.ObjectFailedNotification:
			var msg protocol.ObjectFailedNotificationMsg
			if err := decode(frame.Payload, &msg); err != nil {
				c.logger.Warn().Err(err).Msg("Dropping malformed object failure notification")
				continue
			}
			c.notify(Notification{Type: protocol.ObjectFailedNotification, ObjectFailed: &msg})

		default:
			select {
			case c.replies <- frame:
			default:
				c.logger.Warn().
					Str("message_type", protocol.MessageType(frame.Type).String()).
					Msg("Dropping unsolicited reply")
			}
		}
	}
}

func (c *Client) notify(n Notification) {
	select {
	case c.notifications <- n:
	default:
		c.logger.Warn().Str("message_type", n.Type.String()).Msg("Notification buffer full, dropping")
	}
}

func (c *Client) write(msgType protocol.MessageType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteFrame(c.conn, int64(msgType), payload); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// request sends one message and waits for its reply. Requests are serialized;
// a reply left over from an abandoned request is discarded first.
func (c *Client) request(ctx context.Context, reqType protocol.MessageType, req any, replyType protocol.MessageType, reply any) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	select {
	case stale := <-c.replies:
		c.logger.Debug().Str("message_type", protocol.MessageType(stale.Type).String()).Msg("Discarding stale reply")
	default:
	}

	if err := c.write(reqType, req); err != nil {
		return err
	}

	var frame protocol.Frame
	select {
	case frame = <-c.replies:
	case <-c.done:
		// the reply may have been queued just before the node hung up
		select {
		case frame = <-c.replies:
		default:
			return fmt.Errorf("%w while waiting for %s: %v", ErrClosed, replyType, c.readErr)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if protocol.MessageType(frame.Type) != replyType {
		return fmt.Errorf("expected %s, got %s", replyType, protocol.MessageType(frame.Type))
	}
	return decode(frame.Payload, reply)
}

func decode(payload []byte, v any) error {
	if len(payload) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// RegisterOptions describes the worker to the node
type RegisterOptions struct {
	WorkerID   types.WorkerID
	WorkerType types.WorkerType
	JobID      types.JobID
}

// Register announces this process to the node. The worker id assigned by the
// node is returned along with the node id.
func (c *Client) Register(ctx context.Context, opts RegisterOptions) (types.NodeID, types.WorkerID, error) {
	req := protocol.RegisterClientRequestMsg{
		WorkerID:   opts.WorkerID,
		WorkerType: opts.WorkerType,
		JobID:      opts.JobID,
		PID:        os.Getpid(),
	}

	var reply protocol.RegisterClientReplyMsg
	if err := c.request(ctx, protocol.RegisterClientRequest, req, protocol.RegisterClientReply, &reply); err != nil {
		return types.NilNodeID, types.WorkerID{}, err
	}
	if !reply.Success {
		return reply.NodeID, types.WorkerID{}, fmt.Errorf("%w: %s", ErrRegistrationRejected, reply.FailureReason)
	}

	c.logger = c.logger.With().Str("worker_id", reply.WorkerID.Hex()).Logger()
	c.logger.Debug().Str("node_id", reply.NodeID.Hex()).Msg("Registered with node")
	return reply.NodeID, reply.WorkerID, nil
}

// AnnounceWorkerPort tells the node which port this worker serves on
func (c *Client) AnnounceWorkerPort(ctx context.Context, port int) error {
	var reply protocol.AnnounceWorkerPortReplyMsg
	if err := c.request(ctx, protocol.AnnounceWorkerPort, protocol.AnnounceWorkerPortMsg{Port: port}, protocol.AnnounceWorkerPortReply, &reply); err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("node rejected port %d", port)
	}
	return nil
}

// FetchOrReconstruct asks the node to make objects local. The worker counts
// as blocked until NotifyUnblocked.
func (c *Client) FetchOrReconstruct(ids []types.ObjectID) error {
	return c.write(protocol.FetchOrReconstruct, protocol.FetchOrReconstructMsg{ObjectIDs: ids})
}

// NotifyUnblocked tells the node the worker resumed
func (c *Client) NotifyUnblocked() error {
	return c.write(protocol.NotifyUnblocked, protocol.NotifyUnblockedMsg{})
}

// Wait reports which of ids are local. At most numReturns are returned as
// found; zero means all of them.
func (c *Client) Wait(ctx context.Context, ids []types.ObjectID, numReturns int) (found, remaining []types.ObjectID, err error) {
	req := protocol.WaitRequestMsg{ObjectIDs: ids, NumReturns: numReturns}
	var reply protocol.WaitReplyMsg
	if err := c.request(ctx, protocol.WaitRequest, req, protocol.WaitReply, &reply); err != nil {
		return nil, nil, err
	}
	return reply.Found, reply.Remaining, nil
}

// PushError reports a worker-side error to the node's log
func (c *Client) PushError(jobID types.JobID, errType, message string) error {
	return c.write(protocol.PushErrorRequest, protocol.PushErrorRequestMsg{
		JobID:   jobID,
		Type:    errType,
		Message: message,
	})
}

// FreeObjects releases objects from the node's store and spill storage
func (c *Client) FreeObjects(ids []types.ObjectID) error {
	return c.write(protocol.FreeObjectsInObjectStoreRequest, protocol.FreeObjectsMsg{ObjectIDs: ids})
}

// Disconnect announces a graceful exit, waits for the acknowledgement and
// closes the connection
func (c *Client) Disconnect(ctx context.Context, exitType, detail string) error {
	req := protocol.DisconnectClientRequestMsg{ExitType: exitType, ExitDetail: detail}
	err := c.request(ctx, protocol.DisconnectClientRequest, req, protocol.DisconnectClientReply, nil)
	closeErr := c.Close()
	if err != nil {
		return err
	}
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}
	return nil
}
