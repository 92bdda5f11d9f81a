package objectmanager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/objectstore"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service name reported on the object manager port
const HealthServiceName = "burrow.ObjectManager"

// Config holds object manager configuration
type Config struct {
	NodeID        types.NodeID
	Address       string
	Port          int
	StoreCapacity int64
	PullTimeout   time.Duration
}

type pullRequest struct {
	owner string
	timer *time.Timer
}

// ObjectManager owns the local object store and the object directory. It
// resolves pulls from local memory, spilled copies or remote locations, and
// serves the object manager port.
type ObjectManager struct {
	cfg       Config
	cb        Callbacks
	store     *objectstore.Store
	directory Directory

	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server

	mu    sync.Mutex
	pulls map[types.ObjectID]*pullRequest

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger zerolog.Logger
}

// New creates the object manager, its store and its gRPC listener
func New(cfg Config, directory Directory, cb Callbacks) (*ObjectManager, error) {
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	om := &ObjectManager{
		cfg:       cfg,
		cb:        cb,
		directory: directory,
		pulls:     make(map[types.ObjectID]*pullRequest),
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.WithComponent("object_manager"),
	}

	om.store = objectstore.New(cfg.StoreCapacity, objectstore.Callbacks{
		SpillObjects:    cb.SpillObjects,
		ObjectStoreFull: cb.ObjectStoreFull,
		AddObject:       om.handleObjectAdded,
		DeleteObject:    om.handleObjectDeleted,
	})

	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		om.store.Stop()
		cancel()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	om.listener = lis

	om.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(api.UnaryInterceptor("object_manager")))
	om.health = health.NewServer()
	om.health.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(om.grpcServer, om.health)

	om.wg.Add(1)
	go func() {
		defer om.wg.Done()
		if err := om.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			om.logger.Error().Err(err).Msg("Object manager server failed")
		}
	}()

	om.logger.Info().
		Str("address", lis.Addr().String()).
		Int64("capacity", cfg.StoreCapacity).
		Msg("Object manager started")
	return om, nil
}

// Port returns the port the object manager listens on
func (om *ObjectManager) Port() int {
	return om.listener.Addr().(*net.TCPAddr).Port
}

// Store returns the local object store
func (om *ObjectManager) Store() *objectstore.Store {
	return om.store
}

// Directory returns the object directory
func (om *ObjectManager) Directory() Directory {
	return om.directory
}

func (om *ObjectManager) handleObjectAdded(info types.ObjectInfo) {
	om.completePull(info.ObjectID)

	if om.directory != nil {
		om.wg.Add(1)
		go func() {
			defer om.wg.Done()
			if err := om.directory.ReportObjectAdded(om.ctx, om.cfg.NodeID, info); err != nil {
				om.logger.Warn().Err(err).Str("object_id", info.ObjectID.Hex()).Msg("Failed to report object location")
			}
		}()
	}

	if om.cb.AddObject != nil {
		om.cb.AddObject(info)
	}
}

func (om *ObjectManager) handleObjectDeleted(id types.ObjectID) {
	if om.directory != nil {
		om.wg.Add(1)
		go func() {
			defer om.wg.Done()
			if err := om.directory.ReportObjectRemoved(om.ctx, om.cfg.NodeID, id); err != nil {
				om.logger.Warn().Err(err).Str("object_id", id.Hex()).Msg("Failed to remove object location")
			}
		}()
	}

	if om.cb.DeleteObject != nil {
		om.cb.DeleteObject(id)
	}
}

// Pull makes the referenced objects local. Resolution runs asynchronously;
// objects that can never arrive are reported through FailPullRequest.
func (om *ObjectManager) Pull(refs []types.ObjectReference) {
	for _, ref := range refs {
		if om.ctx.Err() != nil {
			return
		}

		om.mu.Lock()
		_, pending := om.pulls[ref.ObjectID]
		om.mu.Unlock()
		if pending {
			continue
		}

		om.wg.Add(1)
		go func(ref types.ObjectReference) {
			defer om.wg.Done()
			om.resolve(ref)
		}(ref)
	}
}

func (om *ObjectManager) resolve(ref types.ObjectReference) {
	id := ref.ObjectID
	logger := om.logger.With().Str("object_id", id.Hex()).Logger()

	if om.store.Contains(id) {
		return
	}

	if u := om.spilledURL(id); u != "" {
		logger.Debug().Str("url", u).Msg("Restoring spilled object for pull")
		om.cb.RestoreSpilledObject(id, spilledSize(u), u, func(err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to restore spilled object")
				om.failPull(id, types.ErrorTypeObjectLost)
			}
		})
		return
	}

	if om.directory == nil {
		om.failPull(id, types.ErrorTypeObjectUnreachable)
		return
	}

	locs, err := om.directory.LookupLocations(om.ctx, id)
	if err != nil {
		if om.ctx.Err() == nil {
			logger.Warn().Err(err).Msg("Object lookup failed")
			om.failPull(id, types.ErrorTypeObjectUnreachable)
		}
		return
	}
	if locs.OwnerDead {
		// the directory already reported the failure
		return
	}

	var remote bool
	for _, n := range locs.Nodes {
		if n != om.cfg.NodeID {
			remote = true
			break
		}
	}
	if !remote {
		om.failPull(id, types.ErrorTypeObjectUnreachable)
		return
	}

	om.waitForObject(ref)
}

// waitForObject keeps the pull open until the object is sealed locally or
// the pull timeout fires
func (om *ObjectManager) waitForObject(ref types.ObjectReference) {
	id := ref.ObjectID

	om.mu.Lock()
	if _, ok := om.pulls[id]; ok || om.ctx.Err() != nil {
		om.mu.Unlock()
		return
	}
	om.pulls[id] = &pullRequest{
		owner: ref.OwnerAddress,
		timer: time.AfterFunc(om.cfg.PullTimeout, func() {
			om.mu.Lock()
			_, ok := om.pulls[id]
			delete(om.pulls, id)
			om.mu.Unlock()
			if ok {
				om.failPull(id, types.ErrorTypeObjectFetchTimedOut)
			}
		}),
	}
	om.mu.Unlock()

	// The object may have been sealed between the lookup and the registration.
	// The store lock order is store goroutine then om.mu, so check unlocked.
	if om.store.Contains(id) {
		om.completePull(id)
	}
}

func (om *ObjectManager) completePull(id types.ObjectID) {
	om.mu.Lock()
	defer om.mu.Unlock()
	if p, ok := om.pulls[id]; ok {
		p.timer.Stop()
		delete(om.pulls, id)
	}
}

// PendingPulls returns the number of pulls waiting for a remote copy
func (om *ObjectManager) PendingPulls() int {
	om.mu.Lock()
	defer om.mu.Unlock()
	return len(om.pulls)
}

// CancelPull stops waiting for the object without reporting a failure
func (om *ObjectManager) CancelPull(id types.ObjectID) {
	om.completePull(id)
}

// LocalObject returns a pinned copy of a local object for serving it to a
// peer, or nil when the object is not in memory
func (om *ObjectManager) LocalObject(id types.ObjectID) *types.Object {
	if om.cb.PinObject == nil {
		return nil
	}
	return om.cb.PinObject(id)
}

func (om *ObjectManager) spilledURL(id types.ObjectID) string {
	if om.cb.GetSpilledObjectURL == nil || om.cb.RestoreSpilledObject == nil {
		return ""
	}
	return om.cb.GetSpilledObjectURL(id)
}

func (om *ObjectManager) failPull(id types.ObjectID, errType types.ErrorType) {
	if om.cb.FailPullRequest == nil {
		return
	}
	om.cb.FailPullRequest(id, errType)
}

// spilledSize reads the size parameter of a spill URL, 0 when absent
func spilledSize(raw string) int64 {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	size, err := strconv.ParseInt(u.Query().Get("size"), 10, 64)
	if err != nil {
		return 0
	}
	return size
}

// Stop shuts down the server, drops pending pulls and stops the store
func (om *ObjectManager) Stop() {
	om.stopOnce.Do(func() {
		om.cancel()

		om.mu.Lock()
		for id, p := range om.pulls {
			p.timer.Stop()
			delete(om.pulls, id)
		}
		om.mu.Unlock()

		om.health.Shutdown()
		om.grpcServer.Stop()
		om.store.Stop()
		om.wg.Wait()

		om.logger.Info().Msg("Object manager stopped")
	})
}
