package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this node and the cluster view of a running agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		resp, err := fetchNodes(cmd.Context(), addr)
		if err != nil {
			return err
		}
		printNodes(cmd.OutOrStdout(), resp)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("addr", "127.0.0.1:9090", "Address of the agent's metrics export port")
}

func fetchNodes(ctx context.Context, addr string) (*api.NodesResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/nodes", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach agent at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("agent returned %s: %s", resp.Status, body)
	}

	var out api.NodesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	return &out, nil
}

func printNodes(w io.Writer, resp *api.NodesResponse) {
	self := resp.Self
	fmt.Fprintf(w, "Node %s (%s)\n", self.NodeID, self.NodeName)
	fmt.Fprintf(w, "  State:          %s\n", self.State)
	fmt.Fprintf(w, "  Node manager:   %s:%d\n", self.NodeManagerAddress, self.NodeManagerPort)
	fmt.Fprintf(w, "  Object manager: %s:%d\n", self.NodeManagerAddress, self.ObjectManagerPort)
	fmt.Fprintf(w, "  Socket:         %s\n", self.SocketName)
	fmt.Fprintf(w, "  Head node:      %t\n", self.IsHeadNode)
	fmt.Fprintln(w)

	nodes := resp.Nodes
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID.Hex() < nodes[j].NodeID.Hex() })

	fmt.Fprintf(w, "%-34s %-6s %-21s %s\n", "NODE ID", "STATE", "ADDRESS", "NAME")
	for _, n := range nodes {
		fmt.Fprintf(w, "%-34s %-6s %-21s %s\n",
			n.NodeID, n.State, fmt.Sprintf("%s:%d", n.NodeManagerAddress, n.NodeManagerPort), n.NodeName)
	}
}
