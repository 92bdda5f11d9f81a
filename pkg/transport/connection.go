// Package transport wraps accepted sockets into framed, loop-driven connections.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cuemby/burrow/pkg/eventloop"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/rs/zerolog"
)

// MessageHandler receives one frame read from a connection, on the control loop
type MessageHandler func(t eventloop.Token, conn *Connection, msgType int64, payload []byte)

// ErrorHandler receives a read error from a connection, on the control loop
type ErrorHandler func(t eventloop.Token, conn *Connection, err error)

// ErrReadInProgress is reported when ProcessMessages is called while a read is pending
var ErrReadInProgress = errors.New("read already in progress")

// Options configures a Connection
type Options struct {
	Name           string
	MaxPayloadSize int
	Catalog        *protocol.MessageCatalog
}

// Connection is one accepted worker session on the local socket.
//
// Reads are pumped one frame at a time: ProcessMessages starts an asynchronous
// read, and the frame (or the error) is delivered to the handler on the control
// loop. The handler calls ProcessMessages again when it is ready for the next
// frame. Writes may come from any goroutine.
type Connection struct {
	id      uint64
	conn    net.Conn
	poster  eventloop.Poster
	onMsg   MessageHandler
	onErr   ErrorHandler
	catalog *protocol.MessageCatalog
	opts    Options

	writeMu   sync.Mutex
	reading   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	// Owner data set by the node manager on the control loop
	attachment any

	logger zerolog.Logger
}

var connectionIDs atomic.Uint64

// NewConnection wraps conn. poster is the control loop that handlers run on.
func NewConnection(conn net.Conn, poster eventloop.Poster, onMsg MessageHandler, onErr ErrorHandler, opts Options) *Connection {
	if opts.Catalog == nil {
		opts.Catalog = protocol.Catalog
	}
	if opts.Name == "" {
		opts.Name = "worker"
	}
	id := connectionIDs.Add(1)
	return &Connection{
		id:      id,
		conn:    conn,
		poster:  poster,
		onMsg:   onMsg,
		onErr:   onErr,
		catalog: opts.Catalog,
		opts:    opts,
		logger: log.WithComponent("connection").With().
			Uint64("conn_id", id).
			Str("name", opts.Name).
			Logger(),
	}
}

// ID returns a process-unique connection number
func (c *Connection) ID() uint64 {
	return c.id
}

// Name returns the debug name of the connection
func (c *Connection) Name() string {
	return c.opts.Name
}

// MessageName translates a type code through the shared catalog
func (c *Connection) MessageName(msgType int64) string {
	return c.catalog.Name(msgType)
}

// ProcessMessages reads the next frame asynchronously
func (c *Connection) ProcessMessages() {
	if c.closed.Load() {
		return
	}
	if !c.reading.CompareAndSwap(false, true) {
		c.logger.Warn().Err(ErrReadInProgress).Msg("ProcessMessages called twice")
		return
	}
	go c.readOne()
}

func (c *Connection) readOne() {
	frame, err := protocol.ReadFrame(c.conn, c.opts.MaxPayloadSize)
	c.reading.Store(false)

	if err != nil {
		c.poster.Post("ClientConnection.Error", func(t eventloop.Token) {
			c.onErr(t, c, err)
		})
		return
	}

	c.logger.Debug().
		Str("message_type", c.MessageName(frame.Type)).
		Int("size", len(frame.Payload)).
		Msg("Received message")

	c.poster.Post("ClientConnection.Message", func(t eventloop.Token) {
		c.onMsg(t, c, frame.Type, frame.Payload)
	})
}

// WriteMessage sends one frame to the peer
func (c *Connection) WriteMessage(msgType int64, payload []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("write %s: %w", c.MessageName(msgType), net.ErrClosed)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := protocol.WriteFrame(c.conn, msgType, payload); err != nil {
		return fmt.Errorf("write %s: %w", c.MessageName(msgType), err)
	}
	return nil
}

// Close closes the underlying transport. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// Closed reports whether Close has been called
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// SetAttachment stores owner data on the connection. Control loop only.
func (c *Connection) SetAttachment(t eventloop.Token, v any) {
	t.Assert()
	c.attachment = v
}

// Attachment returns the owner data. Control loop only.
func (c *Connection) Attachment(t eventloop.Token) any {
	t.Assert()
	return c.attachment
}

// RemoteAddr returns the peer address
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
