package agent

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// Environment variables carrying cloud instance metadata
const (
	EnvCloudInstanceID       = "BURROW_CLOUD_INSTANCE_ID"
	EnvCloudNodeTypeName     = "BURROW_CLOUD_NODE_TYPE_NAME"
	EnvCloudInstanceTypeName = "BURROW_CLOUD_INSTANCE_TYPE_NAME"
)

type portSource interface {
	NodeManagerPort() int
	ObjectManagerPort() int
}

// buildNodeInfo assembles the identity the node advertises. Cloud metadata is
// read once through getenv; a missing variable yields "".
func buildNodeInfo(cfg Config, ports portSource, getenv func(string) string, now time.Time) types.NodeInfo {
	nodeName := cfg.NodeName
	if nodeName == "" {
		nodeName = cfg.NodeManagerAddress
	}

	info := types.NodeInfo{
		NodeID:                cfg.NodeID,
		State:                 types.NodeStateAlive,
		NodeManagerAddress:    cfg.NodeManagerAddress,
		NodeName:              nodeName,
		SocketName:            cfg.SocketName,
		ObjectStoreSocketName: cfg.ObjectStoreSocketName,
		ObjectManagerPort:     ports.ObjectManagerPort(),
		NodeManagerPort:       ports.NodeManagerPort(),
		NodeManagerHostname:   cfg.Hostname,
		MetricsExportPort:     cfg.MetricsExportPort,
		RuntimeEnvAgentPort:   cfg.RuntimeEnvAgentPort,
		StateSnapshot:         types.NodeSnapshot{State: types.SnapshotStateActive},
		ResourcesTotal:        cfg.ResourcesTotal,
		Labels:                cfg.Labels,
		StartTimeMs:           now.UnixMilli(),
		IsHeadNode:            cfg.IsHeadNode,
		InstanceID:            getenv(EnvCloudInstanceID),
		NodeTypeName:          getenv(EnvCloudNodeTypeName),
		InstanceTypeName:      getenv(EnvCloudInstanceTypeName),
	}

	// the identity must not alias the caller's maps
	return info.Clone()
}
