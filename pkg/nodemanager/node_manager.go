package nodemanager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/eventloop"
	"github.com/cuemby/burrow/pkg/gcs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/objectmanager"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/transport"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service name reported on the node manager port
const HealthServiceName = "burrow.NodeManager"

// Config holds node manager configuration
type Config struct {
	NodeID              types.NodeID
	Address             string
	NodeManagerPort     int
	ObjectManagerPort   int
	ObjectStoreCapacity int64
	MaxSpillBytes       int64
	PullTimeout         time.Duration
	MinGlobalGCInterval time.Duration
}

// Deps are the external services the node manager is built on
type Deps struct {
	GCS   gcs.NodeInfoAccessor
	KV    clientv3.KV
	Spill storage.SpillStore
}

// NodeManager consumes worker messages and object events for one node.
//
// Fields below the control loop marker are only touched by tasks running on
// the control loop; methods that reach them take an eventloop.Token.
type NodeManager struct {
	cfg    Config
	poster eventloop.Poster
	gcs    gcs.NodeInfoAccessor
	om     *objectmanager.ObjectManager
	spill  storage.SpillStore
	lom    *LocalObjectManager

	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server

	// Owned by the control loop
	workers       map[*transport.Connection]*types.Worker
	localObjects  map[types.ObjectID]types.ObjectInfo
	failedObjects map[types.ObjectID]types.ErrorType
	clusterNodes  map[types.NodeID]types.NodeInfo
	lastGlobalGC  time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger zerolog.Logger
}

// Build creates the object directory, the object manager and the node manager
// that owns them. bridge carries the callbacks the object manager raises.
func Build(cfg Config, deps Deps, poster eventloop.Poster, bridge objectmanager.Callbacks) (*NodeManager, error) {
	if deps.GCS == nil || deps.KV == nil || deps.Spill == nil {
		return nil, errors.New("node manager requires gcs, kv and spill store")
	}

	dir := objectmanager.NewEtcdDirectory(deps.KV, deps.GCS, bridge.FailPullRequest)
	om, err := objectmanager.New(objectmanager.Config{
		NodeID:        cfg.NodeID,
		Address:       cfg.Address,
		Port:          cfg.ObjectManagerPort,
		StoreCapacity: cfg.ObjectStoreCapacity,
		PullTimeout:   cfg.PullTimeout,
	}, dir, bridge)
	if err != nil {
		return nil, fmt.Errorf("failed to create object manager: %w", err)
	}

	nm, err := New(cfg, poster, deps.GCS, om, deps.Spill)
	if err != nil {
		om.Stop()
		return nil, err
	}
	return nm, nil
}

// New creates a node manager. It takes ownership of om and spill and stops them
// in Stop.
func New(cfg Config, poster eventloop.Poster, accessor gcs.NodeInfoAccessor, om *objectmanager.ObjectManager, spill storage.SpillStore) (*NodeManager, error) {
	if cfg.MinGlobalGCInterval <= 0 {
		cfg.MinGlobalGCInterval = 10 * time.Second
	}

	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.NodeManagerPort))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	nm := &NodeManager{
		cfg:           cfg,
		poster:        poster,
		gcs:           accessor,
		om:            om,
		spill:         spill,
		lom:           NewLocalObjectManager(om.Store(), spill, poster, cfg.MaxSpillBytes),
		listener:      lis,
		grpcServer:    grpc.NewServer(grpc.ChainUnaryInterceptor(api.UnaryInterceptor("node_manager"))),
		health:        health.NewServer(),
		workers:       make(map[*transport.Connection]*types.Worker),
		localObjects:  make(map[types.ObjectID]types.ObjectInfo),
		failedObjects: make(map[types.ObjectID]types.ErrorType),
		clusterNodes:  make(map[types.NodeID]types.NodeInfo),
		ctx:           ctx,
		cancel:        cancel,
		logger:        log.WithComponent("node_manager"),
	}

	nm.health.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(nm.grpcServer, nm.health)

	nm.wg.Add(1)
	go func() {
		defer nm.wg.Done()
		if err := nm.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			nm.logger.Error().Err(err).Msg("Node manager server failed")
		}
	}()

	metrics.RegisterComponent(metrics.ComponentObjectStore, true, "")
	return nm, nil
}

// NodeManagerPort returns the port of the control server
func (nm *NodeManager) NodeManagerPort() int {
	return nm.listener.Addr().(*net.TCPAddr).Port
}

// ObjectManagerPort returns the port of the object manager
func (nm *NodeManager) ObjectManagerPort() int {
	return nm.om.Port()
}

// ObjectManager returns the owned object manager
func (nm *NodeManager) ObjectManager() *objectmanager.ObjectManager {
	return nm.om
}

// LocalObjectManager returns the spill and restore manager
func (nm *NodeManager) LocalObjectManager() *LocalObjectManager {
	return nm.lom
}

// GetObjectsFromStore returns owned copies of local objects, nil for missing
// ones. Safe from any goroutine.
func (nm *NodeManager) GetObjectsFromStore(ids []types.ObjectID) ([]*types.Object, error) {
	return nm.om.Store().Get(ids)
}

// RegisterGcs is called once this node is registered. It loads the node table
// and follows its changes on the control loop.
func (nm *NodeManager) RegisterGcs(ctx context.Context) error {
	nodes, err := nm.gcs.GetAllNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cluster nodes: %w", err)
	}

	nm.poster.Post("NodeManager.LoadClusterNodes", func(t eventloop.Token) {
		for _, n := range nodes {
			nm.clusterNodes[n.NodeID] = n
		}
		nm.updateClusterMetrics(t)
	})

	events := nm.gcs.WatchNodes(nm.ctx)
	nm.wg.Add(1)
	go func() {
		defer nm.wg.Done()
		for ev := range events {
			ev := ev
			nm.poster.Post("NodeManager.HandleNodeEvent", func(t eventloop.Token) {
				nm.HandleNodeEvent(t, ev)
			})
		}
	}()

	metrics.RegisterComponent(metrics.ComponentNodeManager, true, "")
	nm.logger.Info().Int("nodes", len(nodes)).Msg("Node manager registered with cluster")
	return nil
}

// HandleNodeEvent applies a node table change to the cluster view
func (nm *NodeManager) HandleNodeEvent(t eventloop.Token, ev gcs.NodeEvent) {
	t.Assert()

	switch ev.Type {
	case gcs.NodeAdded, gcs.NodeDead:
		nm.clusterNodes[ev.NodeID] = *ev.Node
	case gcs.NodeRemoved:
		delete(nm.clusterNodes, ev.NodeID)
	}

	if ev.NodeID == nm.cfg.NodeID && ev.Type != gcs.NodeAdded {
		nm.logger.Warn().Str("event", ev.Type.String()).Msg("This node left the cluster node table")
	} else if ev.Type == gcs.NodeDead {
		nm.logger.Info().Str("node_id", ev.NodeID.Hex()).Msg("Node died")
	}
	nm.updateClusterMetrics(t)
}

func (nm *NodeManager) updateClusterMetrics(t eventloop.Token) {
	counts := map[types.NodeState]int{types.NodeStateAlive: 0, types.NodeStateDead: 0}
	for _, n := range nm.clusterNodes {
		counts[n.State]++
	}
	for state, n := range counts {
		metrics.ClusterNodes.WithLabelValues(string(state)).Set(float64(n))
	}
}

// ClusterNodes returns a copy of the known node table
func (nm *NodeManager) ClusterNodes(t eventloop.Token) []types.NodeInfo {
	t.Assert()
	out := make([]types.NodeInfo, 0, len(nm.clusterNodes))
	for _, n := range nm.clusterNodes {
		out = append(out, n.Clone())
	}
	return out
}

// Stop shuts down the control server and the owned object manager and spill
// store. Worker connections are closed on the control loop if it still runs.
func (nm *NodeManager) Stop() {
	nm.stopOnce.Do(func() {
		nm.cancel()

		nm.poster.Post("NodeManager.DisconnectAll", func(t eventloop.Token) {
			for conn := range nm.workers {
				nm.disconnect(t, conn, "node shutting down")
			}
		})

		nm.health.Shutdown()
		nm.grpcServer.Stop()
		nm.om.Stop()
		if err := nm.spill.Close(); err != nil {
			nm.logger.Warn().Err(err).Msg("Failed to close spill store")
		}
		nm.wg.Wait()

		metrics.UpdateComponent(metrics.ComponentNodeManager, false, "stopped")
		metrics.UpdateComponent(metrics.ComponentObjectStore, false, "stopped")
		nm.logger.Info().Msg("Node manager stopped")
	})
}
