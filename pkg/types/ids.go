package types

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// IDSize is the byte length of every identifier in the cluster
const IDSize = 16

type rawID [IDSize]byte

func newRawID() rawID {
	return rawID(uuid.New())
}

func parseRawID(s string) (rawID, error) {
	var id rawID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid id %q: want %d bytes, got %d", s, IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// NodeID identifies a node agent
type NodeID rawID

// NilNodeID is the zero node id
var NilNodeID NodeID

// NewNodeID returns a random node id
func NewNodeID() NodeID { return NodeID(newRawID()) }

// ParseNodeID decodes a hex node id
func ParseNodeID(s string) (NodeID, error) {
	id, err := parseRawID(s)
	return NodeID(id), err
}

func (id NodeID) Hex() string    { return hex.EncodeToString(id[:]) }
func (id NodeID) String() string { return id.Hex() }
func (id NodeID) IsNil() bool    { return id == NilNodeID }

func (id NodeID) MarshalText() ([]byte, error) { return []byte(id.Hex()), nil }

func (id *NodeID) UnmarshalText(b []byte) error {
	v, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// ObjectID identifies an object in the distributed object store
type ObjectID rawID

// NewObjectID returns a random object id
func NewObjectID() ObjectID { return ObjectID(newRawID()) }

// ParseObjectID decodes a hex object id
func ParseObjectID(s string) (ObjectID, error) {
	id, err := parseRawID(s)
	return ObjectID(id), err
}

func (id ObjectID) Hex() string    { return hex.EncodeToString(id[:]) }
func (id ObjectID) String() string { return id.Hex() }

func (id ObjectID) MarshalText() ([]byte, error) { return []byte(id.Hex()), nil }

func (id *ObjectID) UnmarshalText(b []byte) error {
	v, err := ParseObjectID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// WorkerID identifies a worker process connected to the node agent
type WorkerID rawID

// NewWorkerID returns a random worker id
func NewWorkerID() WorkerID { return WorkerID(newRawID()) }

func (id WorkerID) Hex() string    { return hex.EncodeToString(id[:]) }
func (id WorkerID) String() string { return id.Hex() }
func (id WorkerID) IsNil() bool    { return id == WorkerID{} }

func (id WorkerID) MarshalText() ([]byte, error) { return []byte(id.Hex()), nil }

func (id *WorkerID) UnmarshalText(b []byte) error {
	v, err := parseRawID(string(b))
	if err != nil {
		return err
	}
	*id = WorkerID(v)
	return nil
}

// JobID identifies a job. The nil job id means "not scoped to a job".
type JobID string

// NilJobID is used for failures that do not belong to a specific job
const NilJobID JobID = ""

func (id JobID) IsNil() bool { return id == NilJobID }
