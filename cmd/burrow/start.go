package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/agent"
	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/eventloop"
	"github.com/cuemby/burrow/pkg/gcs"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/nodemanager"
	"github.com/cuemby/burrow/pkg/objectmanager"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/transport"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	_ agent.NodeManager        = (*nodemanager.NodeManager)(nil)
	_ agent.LocalObjectManager = (*nodemanager.LocalObjectManager)(nil)
)

// unregisterTimeout bounds how long shutdown waits for the metadata service
const unregisterTimeout = 5 * time.Second

var startCmd = newStartCommand()

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the node agent",
		Long: `Start the node agent on this machine.

The agent registers the node with etcd, then starts accepting worker
connections on the local socket. Settings come from --config, and any flag
given on the command line overrides the file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			log.Init(log.Config{
				Level:      log.ParseLevel(cfg.Log.Level),
				JSONOutput: cfg.Log.JSON,
			})
			metrics.SetVersion(Version)

			return runNode(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.String("config", "", "Path to a YAML config file")
	f.String("node-id", "", "Node ID in hex (generated when empty)")
	f.String("node-name", "", "Human readable node name (defaults to the node manager address)")
	f.String("node-manager-address", "", "Address other nodes use to reach this node")
	f.String("socket-name", "", "Local socket workers connect to (path, unix:// or tcp://)")
	f.String("object-store-socket-name", "", "Object store socket advertised to workers")
	f.Int("node-manager-port", 0, "Node manager gRPC port (0 picks a free port)")
	f.Int("object-manager-port", 0, "Object manager gRPC port (0 picks a free port)")
	f.Int("metrics-export-port", 0, "Port for /metrics, /health and /ready")
	f.Int("runtime-env-agent-port", 0, "Runtime env agent port advertised to the cluster")
	f.Bool("head", false, "Run as the head node")
	f.StringToString("resources", nil, "Total resources, e.g. CPU=8,GPU=1")
	f.StringToString("labels", nil, "Node labels, e.g. zone=us-east-1a")
	f.StringSlice("etcd-endpoints", nil, "etcd endpoints holding cluster metadata")
	f.String("spill-dir", "", "Directory for spilled objects")
	f.Int64("object-store-memory", 0, "Object store capacity in bytes")
	f.String("log-level", "", "Log level (debug, info, warn, error)")
	f.Bool("log-json", false, "Output logs in JSON format")
	return cmd
}

// loadConfig reads --config on top of the defaults, then applies any flag the
// user set explicitly
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	f := cmd.Flags()

	cfg := config.Default()
	if path, _ := f.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	if f.Changed("node-id") {
		cfg.NodeID, _ = f.GetString("node-id")
	}
	if f.Changed("node-name") {
		cfg.NodeName, _ = f.GetString("node-name")
	}
	if f.Changed("node-manager-address") {
		cfg.NodeManagerAddress, _ = f.GetString("node-manager-address")
	}
	if f.Changed("socket-name") {
		cfg.SocketName, _ = f.GetString("socket-name")
	}
	if f.Changed("object-store-socket-name") {
		cfg.ObjectStoreSocketName, _ = f.GetString("object-store-socket-name")
	}
	if f.Changed("node-manager-port") {
		cfg.NodeManagerPort, _ = f.GetInt("node-manager-port")
	}
	if f.Changed("object-manager-port") {
		cfg.ObjectManagerPort, _ = f.GetInt("object-manager-port")
	}
	if f.Changed("metrics-export-port") {
		cfg.MetricsExportPort, _ = f.GetInt("metrics-export-port")
	}
	if f.Changed("runtime-env-agent-port") {
		cfg.RuntimeEnvAgentPort, _ = f.GetInt("runtime-env-agent-port")
	}
	if f.Changed("head") {
		cfg.HeadNode, _ = f.GetBool("head")
	}
	if f.Changed("resources") {
		raw, _ := f.GetStringToString("resources")
		resources, err := parseResources(raw)
		if err != nil {
			return cfg, err
		}
		cfg.Resources = resources
	}
	if f.Changed("labels") {
		cfg.Labels, _ = f.GetStringToString("labels")
	}
	if f.Changed("etcd-endpoints") {
		cfg.GCS.Endpoints, _ = f.GetStringSlice("etcd-endpoints")
	}
	if f.Changed("spill-dir") {
		cfg.ObjectStore.SpillDir, _ = f.GetString("spill-dir")
	}
	if f.Changed("object-store-memory") {
		cfg.ObjectStore.CapacityBytes, _ = f.GetInt64("object-store-memory")
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	if f.Changed("log-json") {
		cfg.Log.JSON, _ = f.GetBool("log-json")
	}
	return cfg, nil
}

func parseResources(raw map[string]string) (map[string]float64, error) {
	out := make(map[string]float64, len(raw))
	for name, v := range raw {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity for resource %s: %w", name, err)
		}
		out[name] = n
	}
	return out, nil
}

// nodeStatus adapts the agent and node manager to api.NodeSource
type nodeStatus struct {
	agent *agent.Agent
	loop  *eventloop.Loop
	nm    *nodemanager.NodeManager
}

func (s *nodeStatus) Info() types.NodeInfo {
	return s.agent.Info()
}

func (s *nodeStatus) ClusterNodes(ctx context.Context) ([]types.NodeInfo, error) {
	var nodes []types.NodeInfo
	err := s.loop.Call(ctx, "Status.ClusterNodes", func(t eventloop.Token) {
		nodes = s.nm.ClusterNodes(t)
	})
	return nodes, err
}

func runNode(ctx context.Context, cfg config.Config) error {
	nodeID, err := cfg.ResolveNodeID()
	if err != nil {
		return err
	}
	logger := log.WithNodeID(nodeID.Hex())

	gcsClient, err := gcs.NewEtcdClient(gcs.Config{
		Endpoints:   cfg.GCS.Endpoints,
		DialTimeout: cfg.GCS.DialTimeout,
		LeaseTTL:    cfg.GCS.LeaseTTL,
	})
	if err != nil {
		return err
	}
	defer gcsClient.Close()

	if err := os.MkdirAll(cfg.ObjectStore.SpillDir, 0o755); err != nil {
		return fmt.Errorf("failed to create spill directory: %w", err)
	}
	spill, err := storage.NewBoltStore(cfg.ObjectStore.SpillDir)
	if err != nil {
		return fmt.Errorf("failed to open spill store: %w", err)
	}

	if network, address, err := transport.ParseEndpoint(cfg.SocketName); err == nil && network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
			_ = spill.Close()
			return fmt.Errorf("failed to create socket directory: %w", err)
		}
	}
	listener, err := transport.Listen(cfg.SocketName)
	if err != nil {
		_ = spill.Close()
		return err
	}

	metricsLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.MetricsExportPort))
	if err != nil {
		_ = listener.Close()
		_ = spill.Close()
		return fmt.Errorf("failed to listen on metrics port: %w", err)
	}

	loop := eventloop.New()

	var nm *nodemanager.NodeManager
	build := func(poster eventloop.Poster, bridge objectmanager.Callbacks) (agent.NodeManager, agent.LocalObjectManager, error) {
		var err error
		nm, err = nodemanager.Build(nodemanager.Config{
			NodeID:              nodeID,
			Address:             cfg.NodeManagerAddress,
			NodeManagerPort:     cfg.NodeManagerPort,
			ObjectManagerPort:   cfg.ObjectManagerPort,
			ObjectStoreCapacity: cfg.ObjectStore.CapacityBytes,
			MaxSpillBytes:       cfg.ObjectStore.MaxSpillBytes,
			PullTimeout:         cfg.ObjectStore.PullTimeout,
			MinGlobalGCInterval: cfg.ObjectStore.MinGlobalGCInterval,
		}, nodemanager.Deps{
			GCS:   gcsClient,
			KV:    gcsClient.KV(),
			Spill: spill,
		}, poster, bridge)
		if err != nil {
			return nil, nil, err
		}
		return nm, nm.LocalObjectManager(), nil
	}

	node, err := agent.New(agent.Config{
		NodeID:                nodeID,
		NodeName:              cfg.NodeName,
		NodeManagerAddress:    cfg.NodeManagerAddress,
		Hostname:              cfg.Hostname,
		SocketName:            cfg.SocketName,
		ObjectStoreSocketName: cfg.ObjectStoreSocketName,
		MetricsExportPort:     cfg.MetricsExportPort,
		RuntimeEnvAgentPort:   cfg.RuntimeEnvAgentPort,
		ResourcesTotal:        cfg.Resources,
		Labels:                cfg.Labels,
		IsHeadNode:            cfg.HeadNode,
		MaxPayloadSize:        cfg.MaxPayloadSize,
	}, loop, gcsClient, listener, build)
	if err != nil {
		_ = metricsLis.Close()
		_ = listener.Close()
		_ = spill.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := loop.Run(); err != nil && !errors.Is(err, eventloop.ErrClosed) {
			return fmt.Errorf("control loop: %w", err)
		}
		return nil
	})

	status := api.NewHealthServer(&nodeStatus{agent: node, loop: loop, nm: nm})
	g.Go(func() error {
		return status.Serve(metricsLis)
	})

	collector := metrics.NewCollector(nm.ObjectManager().Store(), loop, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	if err := node.Start(gctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start node agent")
		shutdown(node, loop, status, nil)
		_ = g.Wait()
		return err
	}

	monitor := startDependencyMonitor(cfg, node.Info())
	defer monitor.Stop()

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down node agent")
		shutdown(node, loop, status, &types.NodeDeathInfo{
			Reason:        types.DeathReasonExpectedTermination,
			ReasonMessage: "received termination signal",
			Timestamp:     time.Now(),
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

// startDependencyMonitor probes etcd and the node's own gRPC ports, reporting
// into the health registry
func startDependencyMonitor(cfg config.Config, info types.NodeInfo) *health.Monitor {
	mon := health.NewMonitor(health.DefaultConfig(), nil)
	for _, ep := range cfg.GCS.Endpoints {
		addr := strings.TrimPrefix(strings.TrimPrefix(ep, "http://"), "https://")
		mon.Add("etcd:"+addr, health.NewTCPChecker(addr))
	}

	host := info.NodeManagerAddress
	mon.Add("node_manager_rpc", health.NewGRPCChecker(
		net.JoinHostPort(host, strconv.Itoa(info.NodeManagerPort)), nodemanager.HealthServiceName))
	mon.Add("object_manager_rpc", health.NewGRPCChecker(
		net.JoinHostPort(host, strconv.Itoa(info.ObjectManagerPort)), objectmanager.HealthServiceName))
	return mon
}

// shutdown unregisters the node when death is set, then stops the agent, the
// control loop and the status server
func shutdown(node *agent.Agent, loop *eventloop.Loop, status *api.HealthServer, death *types.NodeDeathInfo) {
	logger := log.WithComponent("shutdown")

	if death != nil {
		ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
		defer cancel()

		unregistered := make(chan struct{})
		if err := node.UnregisterSelf(ctx, *death, func() { close(unregistered) }); err != nil {
			logger.Warn().Err(err).Msg("Failed to unregister node")
		} else {
			select {
			case <-unregistered:
			case <-ctx.Done():
				logger.Warn().Msg("Timed out waiting for unregistration")
			}
		}
	}

	node.Stop()
	loop.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := status.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop status server")
	}
}
