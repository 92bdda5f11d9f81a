package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key layout in etcd
const (
	NodeKeyPrefix = "/burrow/nodes/"
)

// DefaultNodeLeaseTTL is how long a node record outlives a silent agent
const DefaultNodeLeaseTTL = 10 * time.Second

var (
	// ErrAlreadyRegistered is returned by a second RegisterSelf
	ErrAlreadyRegistered = errors.New("node already registered")

	// ErrInvalidNodeInfo is returned when the descriptor is incomplete
	ErrInvalidNodeInfo = errors.New("invalid node info")
)

type registration struct {
	info    types.NodeInfo
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
}

// EtcdClient implements NodeInfoAccessor on top of etcd
type EtcdClient struct {
	client  *clientv3.Client
	kv      clientv3.KV
	lease   clientv3.Lease
	watcher clientv3.Watcher
	ttl     time.Duration

	mu             sync.Mutex
	self           *registration
	unregisterDone chan struct{}

	logger zerolog.Logger
}

// Config holds etcd client configuration
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	LeaseTTL    time.Duration
}

// NewEtcdClient connects to etcd
func NewEtcdClient(cfg Config) (*EtcdClient, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	c := newClient(cli, cli, cli, cfg.LeaseTTL)
	c.client = cli
	return c, nil
}

func newClient(kv clientv3.KV, lease clientv3.Lease, watcher clientv3.Watcher, ttl time.Duration) *EtcdClient {
	if ttl <= 0 {
		ttl = DefaultNodeLeaseTTL
	}
	return &EtcdClient{
		kv:      kv,
		lease:   lease,
		watcher: watcher,
		ttl:     ttl,
		logger:  log.WithComponent("gcs"),
	}
}

// KV exposes the key-value API for collaborators that share the connection
func (c *EtcdClient) KV() clientv3.KV {
	return c.kv
}

// Close releases the etcd connection
func (c *EtcdClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func nodeKey(id types.NodeID) string {
	return NodeKeyPrefix + id.Hex()
}

// RegisterSelf writes info under a lease and keeps the lease alive until
// UnregisterSelf. done runs on a client goroutine.
func (c *EtcdClient) RegisterSelf(ctx context.Context, info types.NodeInfo, done func(error)) error {
	if info.NodeID.IsNil() {
		return fmt.Errorf("%w: missing node id", ErrInvalidNodeInfo)
	}

	c.mu.Lock()
	if c.self != nil {
		c.mu.Unlock()
		return ErrAlreadyRegistered
	}
	reg := &registration{info: info.Clone()}
	c.self = reg
	c.mu.Unlock()

	go func() {
		err := c.register(ctx, reg)
		if err != nil {
			c.mu.Lock()
			if c.self == reg {
				c.self = nil
			}
			c.mu.Unlock()
		}
		if done != nil {
			done(err)
		}
	}()
	return nil
}

func (c *EtcdClient) register(ctx context.Context, reg *registration) error {
	grant, err := c.lease.Grant(ctx, int64(c.ttl/time.Second))
	if err != nil {
		return fmt.Errorf("failed to grant node lease: %w", err)
	}

	data, err := json.Marshal(reg.info)
	if err != nil {
		return fmt.Errorf("failed to encode node info: %w", err)
	}

	if _, err := c.kv.Put(ctx, nodeKey(reg.info.NodeID), string(data), clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("failed to write node record: %w", err)
	}

	// The keepalive outlives the registration request's context
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := c.lease.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to keep node lease alive: %w", err)
	}

	c.mu.Lock()
	reg.leaseID = grant.ID
	reg.cancel = cancel
	c.mu.Unlock()

	go c.drainKeepAlive(kaCtx, ch)

	c.logger.Info().
		Str("node_id", reg.info.NodeID.Hex()).
		Int64("lease_id", int64(grant.ID)).
		Msg("Node registered")
	return nil
}

func (c *EtcdClient) drainKeepAlive(ctx context.Context, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
	if ctx.Err() == nil {
		c.logger.Error().Msg("Node lease keepalive stopped, record will expire")
	}
}

// UnregisterSelf rewrites the node record as DEAD without a lease and revokes
// the lease. Concurrent callers share one unregistration.
func (c *EtcdClient) UnregisterSelf(ctx context.Context, death types.NodeDeathInfo, done func()) error {
	c.mu.Lock()
	if c.unregisterDone != nil {
		wait := c.unregisterDone
		c.mu.Unlock()
		go func() {
			<-wait
			if done != nil {
				done()
			}
		}()
		return nil
	}
	wait := make(chan struct{})
	c.unregisterDone = wait
	reg := c.self
	c.mu.Unlock()

	go func() {
		defer func() {
			close(wait)
			if done != nil {
				done()
			}
		}()
		if reg == nil {
			c.logger.Warn().Msg("Unregister requested for a node that never registered")
			return
		}
		if err := c.unregister(ctx, reg, death); err != nil {
			c.logger.Error().Err(err).Msg("Failed to unregister node")
		}
	}()
	return nil
}

func (c *EtcdClient) unregister(ctx context.Context, reg *registration, death types.NodeDeathInfo) error {
	c.mu.Lock()
	leaseID, cancel := reg.leaseID, reg.cancel
	c.mu.Unlock()

	if death.Timestamp.IsZero() {
		death.Timestamp = time.Now()
	}
	record := reg.info.Clone()
	record.State = types.NodeStateDead
	record.DeathInfo = &death

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode node info: %w", err)
	}
	if _, err := c.kv.Put(ctx, nodeKey(record.NodeID), string(data)); err != nil {
		return fmt.Errorf("failed to write dead node record: %w", err)
	}

	if cancel != nil {
		cancel()
	}
	if leaseID != clientv3.NoLease {
		if _, err := c.lease.Revoke(ctx, leaseID); err != nil {
			return fmt.Errorf("failed to revoke node lease: %w", err)
		}
	}

	c.logger.Info().
		Str("node_id", record.NodeID.Hex()).
		Str("reason", string(death.Reason)).
		Msg("Node unregistered")
	return nil
}

// WatchNodes converts the etcd watch on the node prefix into NodeEvents
func (c *EtcdClient) WatchNodes(ctx context.Context) <-chan NodeEvent {
	eventCh := make(chan NodeEvent)

	go func() {
		defer close(eventCh)
		watchCh := c.watcher.Watch(ctx, NodeKeyPrefix, clientv3.WithPrefix())

		for watchResp := range watchCh {
			if err := watchResp.Err(); err != nil {
				c.logger.Error().Err(err).Msg("Node watch failed")
				return
			}
			for _, ev := range watchResp.Events {
				event, ok := c.toNodeEvent(ev)
				if !ok {
					continue
				}
				select {
				case eventCh <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventCh
}

func (c *EtcdClient) toNodeEvent(ev *clientv3.Event) (NodeEvent, bool) {
	id, err := types.ParseNodeID(strings.TrimPrefix(string(ev.Kv.Key), NodeKeyPrefix))
	if err != nil {
		c.logger.Warn().Str("key", string(ev.Kv.Key)).Msg("Ignoring malformed node key")
		return NodeEvent{}, false
	}

	if ev.Type == clientv3.EventTypeDelete {
		return NodeEvent{Type: NodeRemoved, NodeID: id}, true
	}

	var info types.NodeInfo
	if err := json.Unmarshal(ev.Kv.Value, &info); err != nil {
		c.logger.Warn().Err(err).Str("node_id", id.Hex()).Msg("Failed to unmarshal node")
		return NodeEvent{}, false
	}

	eventType := NodeAdded
	if info.State == types.NodeStateDead {
		eventType = NodeDead
	}
	return NodeEvent{Type: eventType, NodeID: id, Node: &info}, true
}

// GetAllNodes lists every node record under the prefix
func (c *EtcdClient) GetAllNodes(ctx context.Context) ([]types.NodeInfo, error) {
	resp, err := c.kv.Get(ctx, NodeKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]types.NodeInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node types.NodeInfo
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			c.logger.Warn().Err(err).Str("key", string(kv.Key)).Msg("Failed to unmarshal node")
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// IsNodeDead treats a missing record (expired lease) as dead
func (c *EtcdClient) IsNodeDead(ctx context.Context, id types.NodeID) (bool, error) {
	resp, err := c.kv.Get(ctx, nodeKey(id))
	if err != nil {
		return false, fmt.Errorf("failed to read node %s: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return true, nil
	}

	var node types.NodeInfo
	if err := json.Unmarshal(resp.Kvs[0].Value, &node); err != nil {
		return false, fmt.Errorf("failed to decode node %s: %w", id, err)
	}
	return node.State == types.NodeStateDead, nil
}
