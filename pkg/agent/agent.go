package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/eventloop"
	"github.com/cuemby/burrow/pkg/gcs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/objectmanager"
	"github.com/cuemby/burrow/pkg/transport"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrStopped is returned by Start once Stop has been called
	ErrStopped = errors.New("node agent stopped")

	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("node agent already started")
)

// NodeManager is the collaborator that consumes worker messages and object
// events. Methods taking a Token run on the control loop.
type NodeManager interface {
	ProcessClientMessage(t eventloop.Token, conn *transport.Connection, msgType int64, payload []byte)
	HandleClientConnectionError(t eventloop.Token, conn *transport.Connection, err error)
	RegisterGcs(ctx context.Context) error
	Stop()

	GetObjectsFromStore(ids []types.ObjectID) ([]*types.Object, error)
	HandleObjectLocal(t eventloop.Token, info types.ObjectInfo)
	HandleObjectMissing(t eventloop.Token, id types.ObjectID)
	TriggerGlobalGC(t eventloop.Token)
	MarkObjectsAsFailed(t eventloop.Token, errType types.ErrorType, refs []types.ObjectReference, jobID types.JobID)

	NodeManagerPort() int
	ObjectManagerPort() int
}

// LocalObjectManager spills and restores objects for the node manager
type LocalObjectManager interface {
	AsyncRestoreSpilledObject(id types.ObjectID, size int64, url string, done func(error))
	GetLocalSpilledObjectURL(id types.ObjectID) string
	SpillObjectsUptoMaxThroughput(t eventloop.Token)
	IsSpillingInProgress() bool
}

// NodeManagerBuilder creates the node manager and everything it owns. bridge
// is handed to the object manager.
type NodeManagerBuilder func(poster eventloop.Poster, bridge objectmanager.Callbacks) (NodeManager, LocalObjectManager, error)

// Config describes the node the agent advertises
type Config struct {
	NodeID                types.NodeID
	NodeName              string
	NodeManagerAddress    string
	Hostname              string
	SocketName            string
	ObjectStoreSocketName string
	MetricsExportPort     int
	RuntimeEnvAgentPort   int
	ResourcesTotal        map[string]float64
	Labels                map[string]string
	IsHeadNode            bool
	MaxPayloadSize        int
}

// Agent represents the node to the cluster and accepts local worker
// connections on its behalf
type Agent struct {
	cfg      Config
	loop     eventloop.Poster
	gcs      gcs.NodeInfoAccessor
	listener net.Listener
	info     types.NodeInfo

	nodeManager  NodeManager
	localObjects LocalObjectManager

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopping atomic.Bool

	// closed when the accept loop observed the listener close
	acceptClosed chan struct{}

	logger zerolog.Logger
}

// New builds the node manager through build and assembles the node identity.
// The agent takes ownership of listener.
func New(cfg Config, loop eventloop.Poster, accessor gcs.NodeInfoAccessor, listener net.Listener, build NodeManagerBuilder) (*Agent, error) {
	if cfg.NodeID.IsNil() {
		return nil, errors.New("node id is required")
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}

	a := &Agent{
		cfg:          cfg,
		loop:         loop,
		gcs:          accessor,
		listener:     listener,
		acceptClosed: make(chan struct{}),
		logger:       log.WithNodeID(cfg.NodeID.Hex()).With().Str("component", "agent").Logger(),
	}

	nm, lom, err := build(loop, a.bridge())
	if err != nil {
		return nil, fmt.Errorf("failed to build node manager: %w", err)
	}
	a.nodeManager = nm
	a.localObjects = lom

	a.info = buildNodeInfo(cfg, nm, os.Getenv, time.Now())
	return a, nil
}

// Info returns a copy of the advertised node identity
func (a *Agent) Info() types.NodeInfo {
	return a.info.Clone()
}

// Start registers the node and then starts accepting worker connections
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.mu.Unlock()

	if err := a.RegisterGcs(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	metrics.RegisterComponent(metrics.ComponentAcceptor, true, a.listener.Addr().String())
	a.doAccept()
	return nil
}

// RegisterGcs publishes the node identity and, once the metadata service
// confirms it, lets the node manager register its own state
func (a *Agent) RegisterGcs(ctx context.Context) error {
	timer := metrics.NewTimer()
	result := make(chan error, 1)

	err := a.gcs.RegisterSelf(ctx, a.info.Clone(), func(err error) {
		if err != nil {
			result <- fmt.Errorf("failed to register node: %w", err)
			return
		}
		a.logStartupBanner()
		result <- a.nodeManager.RegisterGcs(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to send node registration: %w", err)
	}

	select {
	case err = <-result:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentGCS, false, err.Error())
		return err
	}

	timer.ObserveDuration(metrics.RegistrationDuration)
	metrics.RegisterComponent(metrics.ComponentGCS, true, "registered")
	return nil
}

func (a *Agent) logStartupBanner() {
	a.logger.Info().
		Str("node_name", a.info.NodeName).
		Str("hostname", a.info.NodeManagerHostname).
		Str("node_manager_address", fmt.Sprintf("%s:%d", a.info.NodeManagerAddress, a.info.NodeManagerPort)).
		Str("object_manager_address", fmt.Sprintf("%s:%d", a.info.NodeManagerAddress, a.info.ObjectManagerPort)).
		Str("socket", a.info.SocketName).
		Int("metrics_export_port", a.info.MetricsExportPort).
		Bool("head_node", a.info.IsHeadNode).
		Msg("Node agent started, node manager and object manager are serving")
}

// UnregisterSelf marks the node as departed. onDone runs once the metadata
// service has recorded it. Safe to call concurrently.
func (a *Agent) UnregisterSelf(ctx context.Context, death types.NodeDeathInfo, onDone func()) error {
	a.logger.Info().
		Str("reason", string(death.Reason)).
		Str("message", death.ReasonMessage).
		Msg("Unregistering node")

	return a.gcs.UnregisterSelf(ctx, death, func() {
		metrics.UpdateComponent(metrics.ComponentGCS, false, "unregistered")
		if onDone != nil {
			onDone()
		}
	})
}

// Stop stops the node manager and closes the local socket. Later calls are
// no-ops.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	a.stopping.Store(true)
	a.nodeManager.Stop()

	if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		a.logger.Warn().Err(err).Msg("Failed to close local socket")
	}
	metrics.UpdateComponent(metrics.ComponentAcceptor, false, "closed")
	a.logger.Info().Msg("Node agent stopped")
}
