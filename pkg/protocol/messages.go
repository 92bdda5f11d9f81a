package protocol

import (
	"github.com/cuemby/burrow/pkg/types"
)

// MessageType is the numeric tag carried by every frame on the local socket
type MessageType int64

const (
	RegisterClientRequest MessageType = iota + 1
	RegisterClientReply
	AnnounceWorkerPort
	AnnounceWorkerPortReply
	FetchOrReconstruct
	NotifyUnblocked
	WaitRequest
	WaitReply
	PushErrorRequest
	FreeObjectsInObjectStoreRequest
	LocalGCRequest
	DisconnectClientRequest
	DisconnectClientReply
	ObjectFailedNotification

	MinMessageType = RegisterClientRequest
	MaxMessageType = ObjectFailedNotification
)

// messageTypeNames lists the schema names from MinMessageType upwards. The
// trailing empty string terminates the list.
var messageTypeNames = []string{
	"RegisterClientRequest",
	"RegisterClientReply",
	"AnnounceWorkerPort",
	"AnnounceWorkerPortReply",
	"FetchOrReconstruct",
	"NotifyUnblocked",
	"WaitRequest",
	"WaitReply",
	"PushErrorRequest",
	"FreeObjectsInObjectStoreRequest",
	"LocalGCRequest",
	"DisconnectClientRequest",
	"DisconnectClientReply",
	"ObjectFailedNotification",
	"",
}

// Catalog is the process-wide message name table, validated at init
var Catalog = MustBuildMessageCatalog(messageTypeNames, int(MinMessageType), int(MaxMessageType))

func (t MessageType) String() string {
	return Catalog.Name(int64(t))
}

// RegisterClientRequestMsg is sent by a worker right after dialing
type RegisterClientRequestMsg struct {
	WorkerID   types.WorkerID   `json:"worker_id"`
	WorkerType types.WorkerType `json:"worker_type"`
	JobID      types.JobID      `json:"job_id"`
	PID        int              `json:"pid"`
}

// RegisterClientReplyMsg answers a registration
type RegisterClientReplyMsg struct {
	Success       bool           `json:"success"`
	FailureReason string         `json:"failure_reason,omitempty"`
	NodeID        types.NodeID   `json:"node_id"`
	WorkerID      types.WorkerID `json:"worker_id"`
}

// AnnounceWorkerPortMsg tells the node which port the worker serves on
type AnnounceWorkerPortMsg struct {
	Port int `json:"port"`
}

// AnnounceWorkerPortReplyMsg acknowledges the port announcement
type AnnounceWorkerPortReplyMsg struct {
	Success bool `json:"success"`
}

// FetchOrReconstructMsg asks the node to make objects local
type FetchOrReconstructMsg struct {
	ObjectIDs []types.ObjectID `json:"object_ids"`
}

// NotifyUnblockedMsg tells the node that a blocked worker resumed
type NotifyUnblockedMsg struct{}

// WaitRequestMsg asks which of the objects are available locally
type WaitRequestMsg struct {
	ObjectIDs  []types.ObjectID `json:"object_ids"`
	NumReturns int              `json:"num_returns"`
}

// WaitReplyMsg lists ready and remaining objects
type WaitReplyMsg struct {
	Found     []types.ObjectID `json:"found"`
	Remaining []types.ObjectID `json:"remaining"`
}

// PushErrorRequestMsg reports a worker-side error to the node
type PushErrorRequestMsg struct {
	JobID   types.JobID `json:"job_id"`
	Type    string      `json:"type"`
	Message string      `json:"message"`
}

// FreeObjectsMsg releases objects from the local store
type FreeObjectsMsg struct {
	ObjectIDs []types.ObjectID `json:"object_ids"`
}

// LocalGCRequestMsg asks a worker to run garbage collection
type LocalGCRequestMsg struct {
	TriggeredByGlobalGC bool `json:"triggered_by_global_gc"`
}

// DisconnectClientRequestMsg announces a graceful worker exit
type DisconnectClientRequestMsg struct {
	ExitType   string `json:"exit_type"`
	ExitDetail string `json:"exit_detail"`
}

// DisconnectClientReplyMsg acknowledges the disconnect
type DisconnectClientReplyMsg struct{}

// ObjectFailedNotificationMsg tells workers that objects will never become available
type ObjectFailedNotificationMsg struct {
	ErrorType types.ErrorType         `json:"error_type"`
	Objects   []types.ObjectReference `json:"objects"`
	JobID     types.JobID             `json:"job_id"`
}
