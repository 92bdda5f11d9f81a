package objectstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrObjectExists is returned when sealing an id that is already stored
	ErrObjectExists = errors.New("object already exists")

	// ErrOutOfMemory is returned when an object cannot fit and nothing is spilling
	ErrOutOfMemory = errors.New("object store out of memory")

	// ErrTransientFull is returned when the store is full but a spill is in
	// progress. The caller may retry once the spill frees memory.
	ErrTransientFull = errors.New("object store full, spill in progress")

	// ErrClosed is returned by every call made after Stop
	ErrClosed = errors.New("object store closed")
)

// Callbacks are raised by the store on its own goroutine. They must not call
// back into the Store synchronously.
type Callbacks struct {
	// SpillObjects asks the owner to free memory by spilling primary copies.
	// It returns true when a spill is in progress.
	SpillObjects func() bool

	// ObjectStoreFull reports that memory could not be reclaimed by spilling
	ObjectStoreFull func()

	// AddObject reports a newly sealed object
	AddObject func(info types.ObjectInfo)

	// DeleteObject reports an object that left the store
	DeleteObject func(id types.ObjectID)
}

// SpillCandidate is a pinned object selected for spilling
type SpillCandidate struct {
	Info   types.ObjectInfo
	Object types.Object
}

type entry struct {
	info       types.ObjectInfo
	obj        types.Object
	pinned     bool
	lastAccess uint64
}

type op struct {
	fn   func()
	done chan struct{}
}

// Store is a capacity-bounded in-memory object store. All state is owned by
// one goroutine that serves requests in order, so every exported method is
// safe to call from any goroutine.
type Store struct {
	capacity int64
	cb       Callbacks

	ops      chan op
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	// Owned by the store goroutine
	objects map[types.ObjectID]*entry
	used    int64
	clock   uint64

	usedBytes atomic.Int64
	count     atomic.Int64

	logger zerolog.Logger
}

// New creates a store with the given capacity in bytes and starts its goroutine
func New(capacity int64, cb Callbacks) *Store {
	s := &Store{
		capacity: capacity,
		cb:       cb,
		ops:      make(chan op),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		objects:  make(map[types.ObjectID]*entry),
		logger:   log.WithComponent("object_store"),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	defer close(s.doneCh)
	for {
		select {
		case o := <-s.ops:
			o.fn()
			close(o.done)
		case <-s.stopCh:
			return
		}
	}
}

// do runs fn on the store goroutine and waits for it
func (s *Store) do(fn func()) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case s.ops <- o:
	case <-s.stopCh:
		return ErrClosed
	}
	<-o.done
	return nil
}

// Put seals obj under info.ObjectID. Primary copies are pinned and only leave
// memory through spilling or Delete; secondary copies may be evicted.
func (s *Store) Put(info types.ObjectInfo, obj types.Object, primary bool) error {
	var err error
	if doErr := s.do(func() { err = s.put(info, obj, primary) }); doErr != nil {
		return doErr
	}
	return err
}

func (s *Store) put(info types.ObjectInfo, obj types.Object, primary bool) error {
	if _, ok := s.objects[info.ObjectID]; ok {
		return ErrObjectExists
	}

	size := obj.Size()
	if size > s.capacity {
		return fmt.Errorf("%w: object %s needs %d bytes, capacity is %d", ErrOutOfMemory, info.ObjectID, size, s.capacity)
	}

	if s.used+size > s.capacity {
		s.evict(s.used + size - s.capacity)
	}
	if s.used+size > s.capacity {
		if s.cb.SpillObjects != nil && s.cb.SpillObjects() {
			return ErrTransientFull
		}
		if s.cb.ObjectStoreFull != nil {
			s.cb.ObjectStoreFull()
		}
		return fmt.Errorf("%w: %d of %d bytes used", ErrOutOfMemory, s.used, s.capacity)
	}

	info.DataSize = int64(len(obj.Data))
	info.MetadataSize = int64(len(obj.Metadata))
	s.clock++
	s.objects[info.ObjectID] = &entry{
		info: info,
		obj: types.Object{
			Data:     append([]byte(nil), obj.Data...),
			Metadata: append([]byte(nil), obj.Metadata...),
		},
		pinned:     primary,
		lastAccess: s.clock,
	}
	s.setUsed(s.used + size)
	s.count.Store(int64(len(s.objects)))

	s.logger.Debug().
		Str("object_id", info.ObjectID.Hex()).
		Int64("size", size).
		Bool("primary", primary).
		Msg("Object sealed")

	if s.cb.AddObject != nil {
		s.cb.AddObject(info)
	}
	return nil
}

// evict drops unpinned objects, least recently used first, until at least
// need bytes were released or nothing evictable is left
func (s *Store) evict(need int64) {
	var victims []*entry
	for _, e := range s.objects {
		if !e.pinned {
			victims = append(victims, e)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].lastAccess < victims[j].lastAccess
	})

	var freed int64
	for _, e := range victims {
		if freed >= need {
			break
		}
		freed += e.obj.Size()
		s.remove(e.info.ObjectID)
		s.logger.Debug().Str("object_id", e.info.ObjectID.Hex()).Msg("Evicted object")
	}
}

func (s *Store) remove(id types.ObjectID) bool {
	e, ok := s.objects[id]
	if !ok {
		return false
	}
	delete(s.objects, id)
	s.setUsed(s.used - e.obj.Size())
	s.count.Store(int64(len(s.objects)))
	if s.cb.DeleteObject != nil {
		s.cb.DeleteObject(id)
	}
	return true
}

func (s *Store) setUsed(v int64) {
	s.used = v
	s.usedBytes.Store(v)
}

// Get returns an owned copy of every object in ids, nil for missing ones
func (s *Store) Get(ids []types.ObjectID) ([]*types.Object, error) {
	out := make([]*types.Object, len(ids))
	err := s.do(func() {
		for i, id := range ids {
			e, ok := s.objects[id]
			if !ok {
				continue
			}
			s.clock++
			e.lastAccess = s.clock
			out[i] = &types.Object{
				Data:     append([]byte(nil), e.obj.Data...),
				Metadata: append([]byte(nil), e.obj.Metadata...),
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Info returns the sealed metadata of an object
func (s *Store) Info(id types.ObjectID) (types.ObjectInfo, bool) {
	var (
		info types.ObjectInfo
		ok   bool
	)
	_ = s.do(func() {
		var e *entry
		if e, ok = s.objects[id]; ok {
			info = e.info
		}
	})
	return info, ok
}

// Contains reports whether the object is sealed in the store
func (s *Store) Contains(id types.ObjectID) bool {
	var ok bool
	_ = s.do(func() { _, ok = s.objects[id] })
	return ok
}

// Delete removes objects and reports each removed id through DeleteObject.
// It returns the number of objects that were present.
func (s *Store) Delete(ids []types.ObjectID) (int, error) {
	var n int
	err := s.do(func() {
		for _, id := range ids {
			if s.remove(id) {
				n++
			}
		}
	})
	return n, err
}

// Release unpins objects so they become evictable, typically after they were
// spilled to external storage
func (s *Store) Release(ids []types.ObjectID) error {
	return s.do(func() {
		for _, id := range ids {
			if e, ok := s.objects[id]; ok {
				e.pinned = false
			}
		}
	})
}

// SpillCandidates selects pinned objects, oldest first, until maxBytes is
// reached. At least one object is returned when any is pinned.
func (s *Store) SpillCandidates(maxBytes int64) ([]SpillCandidate, error) {
	var out []SpillCandidate
	err := s.do(func() {
		var pinned []*entry
		for _, e := range s.objects {
			if e.pinned {
				pinned = append(pinned, e)
			}
		}
		sort.Slice(pinned, func(i, j int) bool {
			return pinned[i].lastAccess < pinned[j].lastAccess
		})

		var total int64
		for _, e := range pinned {
			if len(out) > 0 && total+e.obj.Size() > maxBytes {
				break
			}
			total += e.obj.Size()
			out = append(out, SpillCandidate{
				Info: e.info,
				Object: types.Object{
					Data:     append([]byte(nil), e.obj.Data...),
					Metadata: append([]byte(nil), e.obj.Metadata...),
				},
			})
		}
	})
	return out, err
}

// UsedBytes returns the bytes held by sealed objects
func (s *Store) UsedBytes() int64 {
	return s.usedBytes.Load()
}

// NumObjects returns the number of sealed objects
func (s *Store) NumObjects() int {
	return int(s.count.Load())
}

// Capacity returns the configured capacity in bytes
func (s *Store) Capacity() int64 {
	return s.capacity
}

// Stop terminates the store goroutine. Objects are dropped without callbacks.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}
