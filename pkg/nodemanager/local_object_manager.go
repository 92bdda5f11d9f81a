package nodemanager

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/burrow/pkg/eventloop"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/objectstore"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// ObjectStore is the part of the local store used for spilling and restoring
type ObjectStore interface {
	Put(info types.ObjectInfo, obj types.Object, primary bool) error
	Get(ids []types.ObjectID) ([]*types.Object, error)
	Delete(ids []types.ObjectID) (int, error)
	Release(ids []types.ObjectID) error
	SpillCandidates(maxBytes int64) ([]objectstore.SpillCandidate, error)
	UsedBytes() int64
}

type spillResult struct {
	id   types.ObjectID
	url  string
	size int64
	err  error
}

// LocalObjectManager moves primary copies between the object store and
// external spill storage.
//
// Spill passes start on the control loop and write on a background goroutine;
// completion is posted back to the loop. The spilled URL index and the restore
// table are guarded by a mutex because the object manager reads them from its
// own goroutines.
type LocalObjectManager struct {
	store         ObjectStore
	spill         storage.SpillStore
	poster        eventloop.Poster
	maxSpillBytes int64

	spilling atomic.Bool

	mu        sync.Mutex
	urls      map[types.ObjectID]string
	restoring map[types.ObjectID][]func(error)

	logger zerolog.Logger
}

// NewLocalObjectManager creates a local object manager. maxSpillBytes bounds the
// bytes written by one spill pass.
func NewLocalObjectManager(store ObjectStore, spill storage.SpillStore, poster eventloop.Poster, maxSpillBytes int64) *LocalObjectManager {
	if maxSpillBytes <= 0 {
		maxSpillBytes = 100 << 20
	}
	return &LocalObjectManager{
		store:         store,
		spill:         spill,
		poster:        poster,
		maxSpillBytes: maxSpillBytes,
		urls:          make(map[types.ObjectID]string),
		restoring:     make(map[types.ObjectID][]func(error)),
		logger:        log.WithComponent("spill"),
	}
}

// IsSpillingInProgress reports whether a spill pass is writing
func (m *LocalObjectManager) IsSpillingInProgress() bool {
	return m.spilling.Load()
}

// GetLocalSpilledObjectURL returns the URL the object was spilled to, or ""
func (m *LocalObjectManager) GetLocalSpilledObjectURL(id types.ObjectID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.urls[id]
}

// NumSpilled returns the number of objects with a spilled copy
func (m *LocalObjectManager) NumSpilled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.urls)
}

// SpillObjectsUptoMaxThroughput starts a spill pass unless one is running
func (m *LocalObjectManager) SpillObjectsUptoMaxThroughput(t eventloop.Token) {
	t.Assert()

	if m.spilling.Load() {
		return
	}

	candidates, err := m.store.SpillCandidates(m.maxSpillBytes)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to select objects to spill")
		return
	}

	var todo []objectstore.SpillCandidate
	m.mu.Lock()
	for _, c := range candidates {
		if _, done := m.urls[c.Info.ObjectID]; !done {
			todo = append(todo, c)
		}
	}
	m.mu.Unlock()

	if len(todo) == 0 {
		return
	}

	m.spilling.Store(true)
	m.logger.Debug().Int("objects", len(todo)).Msg("Spilling objects")

	go func() {
		results := make([]spillResult, 0, len(todo))
		for _, c := range todo {
			u, err := m.spill.Put(c.Info.ObjectID, &c.Object)
			results = append(results, spillResult{
				id:   c.Info.ObjectID,
				url:  u,
				size: c.Object.Size(),
				err:  err,
			})
		}
		m.poster.Post("LocalObjectManager.OnObjectsSpilled", func(t eventloop.Token) {
			m.onObjectsSpilled(t, results)
		})
	}()
}

func (m *LocalObjectManager) onObjectsSpilled(t eventloop.Token, results []spillResult) {
	t.Assert()
	defer m.spilling.Store(false)

	var released []types.ObjectID
	m.mu.Lock()
	for _, r := range results {
		if r.err != nil {
			m.logger.Error().Err(r.err).Str("object_id", r.id.Hex()).Msg("Failed to spill object")
			continue
		}
		m.urls[r.id] = r.url
		released = append(released, r.id)
		metrics.SpillsTotal.Inc()
		metrics.SpilledBytes.Add(float64(r.size))
	}
	m.mu.Unlock()

	if len(released) == 0 {
		return
	}
	// spilled copies become evictable
	if err := m.store.Release(released); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to release spilled objects")
	}
	m.logger.Info().Int("objects", len(released)).Msg("Spilled objects")
}

// AsyncRestoreSpilledObject reads a spilled object back into the store and calls
// done with the outcome. Concurrent restores of one object share one read.
func (m *LocalObjectManager) AsyncRestoreSpilledObject(id types.ObjectID, size int64, url string, done func(error)) {
	m.mu.Lock()
	if waiters, ok := m.restoring[id]; ok {
		m.restoring[id] = append(waiters, done)
		m.mu.Unlock()
		return
	}
	m.restoring[id] = []func(error){done}
	m.mu.Unlock()

	go func() {
		err := m.restore(id, size, url)

		m.mu.Lock()
		waiters := m.restoring[id]
		delete(m.restoring, id)
		m.mu.Unlock()

		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.RestoresTotal.WithLabelValues(status).Inc()

		for _, fn := range waiters {
			if fn != nil {
				fn(err)
			}
		}
	}()
}

func (m *LocalObjectManager) restore(id types.ObjectID, size int64, url string) error {
	storedID, obj, err := m.spill.Get(url)
	if err != nil {
		return fmt.Errorf("restore %s: %w", id, err)
	}
	if storedID != id {
		return fmt.Errorf("restore %s: url %s holds object %s", id, url, storedID)
	}
	if size > 0 && obj.Size() != size {
		m.logger.Warn().
			Str("object_id", id.Hex()).
			Int64("expected", size).
			Int64("actual", obj.Size()).
			Msg("Restored object size differs from spilled size")
	}

	err = m.store.Put(types.ObjectInfo{ObjectID: id}, *obj, false)
	if err != nil && !errors.Is(err, objectstore.ErrObjectExists) {
		return fmt.Errorf("restore %s: %w", id, err)
	}

	m.logger.Debug().Str("object_id", id.Hex()).Msg("Restored spilled object")
	return nil
}

// DeleteSpilledObjects removes the spilled copies of freed objects
func (m *LocalObjectManager) DeleteSpilledObjects(t eventloop.Token, ids []types.ObjectID) {
	t.Assert()

	var urls []string
	m.mu.Lock()
	for _, id := range ids {
		if u, ok := m.urls[id]; ok {
			urls = append(urls, u)
			delete(m.urls, id)
		}
	}
	m.mu.Unlock()

	if len(urls) == 0 {
		return
	}
	go func() {
		for _, u := range urls {
			if err := m.spill.Delete(u); err != nil && !errors.Is(err, storage.ErrNotFound) {
				m.logger.Warn().Err(err).Str("url", u).Msg("Failed to delete spilled object")
			}
		}
	}()
}
