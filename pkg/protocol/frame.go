package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Cookie prefixes every frame so a stray writer on the socket is detected early
const Cookie int64 = 0x4255_5252_4f57 // "BURROW"

// HeaderSize is cookie + type + length
const HeaderSize = 24

// DefaultMaxPayloadSize bounds a single frame's payload
const DefaultMaxPayloadSize = 64 << 20

var (
	// ErrCookieMismatch means the peer is not speaking this protocol
	ErrCookieMismatch = errors.New("protocol cookie mismatch")

	// ErrMessageTooLarge means the declared payload exceeds the configured limit
	ErrMessageTooLarge = errors.New("message payload too large")
)

// Frame is one message read from or written to the local socket
type Frame struct {
	Type    int64
	Payload []byte
}

// WriteFrame writes a single frame to w
func WriteFrame(w io.Writer, msgType int64, payload []byte) error {
	var header [HeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(Cookie))
	binary.LittleEndian.PutUint64(header[8:16], uint64(msgType))
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(payload)))

	// One write keeps header and payload contiguous for concurrent readers of w
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, header[:]...)
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads a single frame from r. maxPayload <= 0 uses DefaultMaxPayloadSize.
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	cookie := int64(binary.LittleEndian.Uint64(header[0:8]))
	if cookie != Cookie {
		return Frame{}, fmt.Errorf("%w: got %#x", ErrCookieMismatch, cookie)
	}

	msgType := int64(binary.LittleEndian.Uint64(header[8:16]))
	length := binary.LittleEndian.Uint64(header[16:24])
	if length > uint64(maxPayload) {
		return Frame{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, length, maxPayload)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("failed to read %d byte payload: %w", length, err)
	}

	return Frame{Type: msgType, Payload: payload}, nil
}
