package agent

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cuemby/burrow/pkg/eventloop"
	"github.com/cuemby/burrow/pkg/gcs"
	"github.com/cuemby/burrow/pkg/objectmanager"
	"github.com/cuemby/burrow/pkg/transport"
	"github.com/cuemby/burrow/pkg/types"
)

type failedCall struct {
	errType types.ErrorType
	refs    []types.ObjectReference
	jobID   types.JobID
	onLoop  bool
}

type fakeNodeManager struct {
	mu            sync.Mutex
	messages      []int64
	connErrors    []error
	registerCalls int
	registerErr   error
	stopCalls     int
	gcCalls       int
	local         []types.ObjectID
	missing       []types.ObjectID
	failed        []failedCall
	objects       map[types.ObjectID]*types.Object
	offLoopCalls  int

	msgCh chan int64
}

func newFakeNodeManager() *fakeNodeManager {
	return &fakeNodeManager{
		objects: make(map[types.ObjectID]*types.Object),
		msgCh:   make(chan int64, 16),
	}
}

func (f *fakeNodeManager) checkToken(t eventloop.Token) {
	if !t.Valid() {
		f.offLoopCalls++
	}
}

func (f *fakeNodeManager) ProcessClientMessage(t eventloop.Token, conn *transport.Connection, msgType int64, payload []byte) {
	f.mu.Lock()
	f.checkToken(t)
	f.messages = append(f.messages, msgType)
	f.mu.Unlock()
	f.msgCh <- msgType
	conn.ProcessMessages()
}

func (f *fakeNodeManager) HandleClientConnectionError(t eventloop.Token, conn *transport.Connection, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkToken(t)
	f.connErrors = append(f.connErrors, err)
	_ = conn.Close()
}

func (f *fakeNodeManager) RegisterGcs(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	return f.registerErr
}

func (f *fakeNodeManager) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
}

func (f *fakeNodeManager) GetObjectsFromStore(ids []types.ObjectID) ([]*types.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Object, len(ids))
	for i, id := range ids {
		out[i] = f.objects[id]
	}
	return out, nil
}

func (f *fakeNodeManager) HandleObjectLocal(t eventloop.Token, info types.ObjectInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkToken(t)
	f.local = append(f.local, info.ObjectID)
}

func (f *fakeNodeManager) HandleObjectMissing(t eventloop.Token, id types.ObjectID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkToken(t)
	f.missing = append(f.missing, id)
}

func (f *fakeNodeManager) TriggerGlobalGC(t eventloop.Token) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkToken(t)
	f.gcCalls++
}

func (f *fakeNodeManager) MarkObjectsAsFailed(t eventloop.Token, errType types.ErrorType, refs []types.ObjectReference, jobID types.JobID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, failedCall{errType: errType, refs: refs, jobID: jobID, onLoop: t.Valid()})
}

func (f *fakeNodeManager) NodeManagerPort() int   { return 7001 }
func (f *fakeNodeManager) ObjectManagerPort() int { return 7002 }

type fakeLocalObjects struct {
	mu          sync.Mutex
	restores    []types.ObjectID
	urls        map[types.ObjectID]string
	spillPasses int
	offLoop     int
	spilling    atomic.Bool
}

func newFakeLocalObjects() *fakeLocalObjects {
	return &fakeLocalObjects{urls: make(map[types.ObjectID]string)}
}

func (f *fakeLocalObjects) AsyncRestoreSpilledObject(id types.ObjectID, size int64, url string, done func(error)) {
	f.mu.Lock()
	f.restores = append(f.restores, id)
	f.mu.Unlock()
	done(nil)
}

func (f *fakeLocalObjects) GetLocalSpilledObjectURL(id types.ObjectID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urls[id]
}

func (f *fakeLocalObjects) SpillObjectsUptoMaxThroughput(t eventloop.Token) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !t.Valid() {
		f.offLoop++
	}
	f.spillPasses++
}

func (f *fakeLocalObjects) IsSpillingInProgress() bool {
	return f.spilling.Load()
}

type fakeAccessor struct {
	mu          sync.Mutex
	registered  []types.NodeInfo
	registerErr error
	sendErr     error
	unregisters int
	onRegister  func()
}

func (f *fakeAccessor) RegisterSelf(ctx context.Context, info types.NodeInfo, done func(error)) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.registered = append(f.registered, info)
	hook := f.onRegister
	err := f.registerErr
	f.mu.Unlock()

	go func() {
		if hook != nil {
			hook()
		}
		done(err)
	}()
	return nil
}

func (f *fakeAccessor) UnregisterSelf(ctx context.Context, death types.NodeDeathInfo, done func()) error {
	f.mu.Lock()
	f.unregisters++
	f.mu.Unlock()
	go done()
	return nil
}

func (f *fakeAccessor) WatchNodes(ctx context.Context) <-chan gcs.NodeEvent {
	ch := make(chan gcs.NodeEvent)
	close(ch)
	return ch
}

func (f *fakeAccessor) GetAllNodes(ctx context.Context) ([]types.NodeInfo, error) {
	return nil, nil
}

func (f *fakeAccessor) IsNodeDead(ctx context.Context, id types.NodeID) (bool, error) {
	return false, nil
}

// countingListener records how many Accept calls were issued
type countingListener struct {
	net.Listener
	calls atomic.Int32
}

func (l *countingListener) Accept() (net.Conn, error) {
	l.calls.Add(1)
	return l.Listener.Accept()
}

// scriptedListener returns queued results, then blocks until closed
type scriptedListener struct {
	results chan acceptResult
	closed  chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

type acceptResult struct {
	conn net.Conn
	err  error
}

func newScriptedListener(results ...acceptResult) *scriptedListener {
	l := &scriptedListener{
		results: make(chan acceptResult, len(results)),
		closed:  make(chan struct{}),
	}
	for _, r := range results {
		l.results <- r
	}
	return l
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	l.calls.Add(1)
	select {
	case r := <-l.results:
		return r.conn, r.err
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *scriptedListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *scriptedListener) Addr() net.Addr {
	return &net.UnixAddr{Name: "scripted", Net: "unix"}
}

type harness struct {
	agent    *Agent
	loop     *eventloop.Loop
	nm       *fakeNodeManager
	lom      *fakeLocalObjects
	accessor *fakeAccessor
}

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop := eventloop.New()
	go func() { _ = loop.Run() }()
	t.Cleanup(func() {
		loop.Stop()
		<-loop.Done()
	})
	return loop
}

func newHarness(t *testing.T, listener net.Listener, cfg Config) *harness {
	t.Helper()
	h := &harness{
		loop:     startLoop(t),
		nm:       newFakeNodeManager(),
		lom:      newFakeLocalObjects(),
		accessor: &fakeAccessor{},
	}
	if cfg.NodeID.IsNil() {
		cfg.NodeID = types.NewNodeID()
	}

	var err error
	h.agent, err = New(cfg, h.loop, h.accessor, listener,
		func(poster eventloop.Poster, bridge objectmanager.Callbacks) (NodeManager, LocalObjectManager, error) {
			return h.nm, h.lom, nil
		})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(h.agent.Stop)
	return h
}

var errBuild = errors.New("build failed")
