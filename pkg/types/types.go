package types

import (
	"time"
)

// NodeState is the liveness state the cluster metadata service records for a node
type NodeState string

const (
	NodeStateAlive NodeState = "ALIVE"
	NodeStateDead  NodeState = "DEAD"
)

// SnapshotState describes what the node is doing right now (autoscaler view)
type SnapshotState string

const (
	SnapshotStateActive   SnapshotState = "ACTIVE"
	SnapshotStateIdle     SnapshotState = "IDLE"
	SnapshotStateDraining SnapshotState = "DRAINING"
)

// NodeSnapshot is the point-in-time state reported alongside the node record
type NodeSnapshot struct {
	State SnapshotState `json:"state"`
}

// NodeInfo is the self descriptor a node agent advertises to the cluster.
// It is built once at construction and never mutated afterwards.
type NodeInfo struct {
	NodeID                NodeID             `json:"node_id"`
	State                 NodeState          `json:"state"`
	NodeManagerAddress    string             `json:"node_manager_address"`
	NodeName              string             `json:"node_name"`
	SocketName            string             `json:"socket_name"`
	ObjectStoreSocketName string             `json:"object_store_socket_name"`
	ObjectManagerPort     int                `json:"object_manager_port"`
	NodeManagerPort       int                `json:"node_manager_port"`
	NodeManagerHostname   string             `json:"node_manager_hostname"`
	MetricsExportPort     int                `json:"metrics_export_port"`
	RuntimeEnvAgentPort   int                `json:"runtime_env_agent_port"`
	StateSnapshot         NodeSnapshot       `json:"state_snapshot"`
	ResourcesTotal        map[string]float64 `json:"resources_total"`
	Labels                map[string]string  `json:"labels,omitempty"`
	StartTimeMs           int64              `json:"start_time_ms"`
	IsHeadNode            bool               `json:"is_head_node"`

	// Cloud instance metadata, empty when the environment does not provide it
	InstanceID       string `json:"instance_id"`
	NodeTypeName     string `json:"node_type_name"`
	InstanceTypeName string `json:"instance_type_name"`

	// Set by the metadata service when the node departs
	DeathInfo *NodeDeathInfo `json:"death_info,omitempty"`
}

// Clone returns a deep copy so callers cannot alias the maps of the original
func (n NodeInfo) Clone() NodeInfo {
	out := n
	if n.ResourcesTotal != nil {
		out.ResourcesTotal = make(map[string]float64, len(n.ResourcesTotal))
		for k, v := range n.ResourcesTotal {
			out.ResourcesTotal[k] = v
		}
	}
	if n.Labels != nil {
		out.Labels = make(map[string]string, len(n.Labels))
		for k, v := range n.Labels {
			out.Labels[k] = v
		}
	}
	if n.DeathInfo != nil {
		d := *n.DeathInfo
		out.DeathInfo = &d
	}
	return out
}

// DeathReason classifies why a node left the cluster
type DeathReason string

const (
	DeathReasonUnspecified           DeathReason = "UNSPECIFIED"
	DeathReasonUnexpectedTermination DeathReason = "UNEXPECTED_TERMINATION"
	DeathReasonAutoscalerDrainIdle   DeathReason = "AUTOSCALER_DRAIN_IDLE"
	DeathReasonExpectedTermination   DeathReason = "EXPECTED_TERMINATION"
)

// NodeDeathInfo is the structured reason carried by an unregistration
type NodeDeathInfo struct {
	Reason        DeathReason `json:"reason"`
	ReasonMessage string      `json:"reason_message"`
	Timestamp     time.Time   `json:"timestamp"`
}

// ErrorType classifies an object-level failure
type ErrorType string

const (
	ErrorTypeObjectUnreachable   ErrorType = "OBJECT_UNREACHABLE"
	ErrorTypeOwnerDied           ErrorType = "OWNER_DIED"
	ErrorTypeObjectLost          ErrorType = "OBJECT_LOST"
	ErrorTypeObjectFetchTimedOut ErrorType = "OBJECT_FETCH_TIMED_OUT"
	ErrorTypeOutOfMemory         ErrorType = "OUT_OF_MEMORY"
)

// ObjectReference identifies an object when reporting a failure for it
type ObjectReference struct {
	ObjectID     ObjectID `json:"object_id"`
	OwnerAddress string   `json:"owner_address,omitempty"`
}

// ObjectInfo describes an object that has been sealed in the local store
type ObjectInfo struct {
	ObjectID     ObjectID `json:"object_id"`
	DataSize     int64    `json:"data_size"`
	MetadataSize int64    `json:"metadata_size"`
	OwnerNodeID  NodeID   `json:"owner_node_id"`
	OwnerAddress string   `json:"owner_address,omitempty"`
}

// Object is an owned copy of an object's contents
type Object struct {
	Data     []byte
	Metadata []byte
}

// Size returns the total number of bytes held by the object
func (o *Object) Size() int64 {
	return int64(len(o.Data) + len(o.Metadata))
}

// WorkerType distinguishes the processes that connect to the local socket
type WorkerType string

const (
	WorkerTypeWorker WorkerType = "worker"
	WorkerTypeDriver WorkerType = "driver"
)

// Worker is the node manager's record of a registered local client
type Worker struct {
	ID           WorkerID
	Type         WorkerType
	JobID        JobID
	PID          int
	Port         int
	Blocked      bool
	RegisteredAt time.Time
}
