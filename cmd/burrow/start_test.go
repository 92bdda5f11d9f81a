package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := newStartCommand()
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_name: from-file
socket_name: /tmp/from-file.sock
resources:
  CPU: 2
gcs:
  endpoints: [file-etcd:2379]
`), 0600))

	cmd := newStartCmd(t,
		"--config", path,
		"--node-name", "from-flag",
		"--resources", "CPU=16,GPU=2",
		"--etcd-endpoints", "a:2379,b:2379",
		"--head",
	)
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, "from-flag", cfg.NodeName)
	assert.Equal(t, "/tmp/from-file.sock", cfg.SocketName)
	assert.Equal(t, map[string]float64{"CPU": 16, "GPU": 2}, cfg.Resources)
	assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.GCS.Endpoints)
	assert.True(t, cfg.HeadNode)
}

func TestLoadConfigRejectsBadResources(t *testing.T) {
	cmd := newStartCmd(t, "--resources", "CPU=lots")
	_, err := loadConfig(cmd)
	assert.ErrorContains(t, err, "CPU")
}

func TestPrintNodes(t *testing.T) {
	self := types.NodeInfo{
		NodeID:             types.NewNodeID(),
		NodeName:           "head",
		State:              types.NodeStateAlive,
		NodeManagerAddress: "10.0.0.1",
		NodeManagerPort:    7001,
		IsHeadNode:         true,
	}
	peer := types.NodeInfo{NodeID: types.NewNodeID(), State: types.NodeStateDead, NodeName: "worker-3"}

	var buf bytes.Buffer
	printNodes(&buf, &api.NodesResponse{Self: self, Nodes: []types.NodeInfo{self, peer}})

	out := buf.String()
	assert.Contains(t, out, self.NodeID.Hex())
	assert.Contains(t, out, "10.0.0.1:7001")
	assert.Contains(t, out, "worker-3")
	assert.Contains(t, out, "DEAD")
}
