package storage

import (
	"encoding/binary"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

const urlScheme = "bolt"

var (
	// Bucket names
	bucketData     = []byte("spilled_data")
	bucketMetadata = []byte("spilled_metadata")
)

// BoltStore implements SpillStore using BoltDB
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore creates a new BoltDB-backed spill store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "spilled_objects.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketData, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: dbPath}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file backing the store
func (s *BoltStore) Path() string {
	return s.path
}

// Put stores the object under its hex id and returns
// bolt://<file>?key=<hex id>&size=<bytes>
func (s *BoltStore) Put(id types.ObjectID, obj *types.Object) (string, error) {
	key := []byte(id.Hex())

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketData).Put(key, encodeValue(obj.Data)); err != nil {
			return err
		}
		return tx.Bucket(bucketMetadata).Put(key, encodeValue(obj.Metadata))
	})
	if err != nil {
		return "", fmt.Errorf("failed to spill object %s: %w", id, err)
	}

	return s.url(id, obj.Size()), nil
}

// Get reads the object addressed by rawURL
func (s *BoltStore) Get(rawURL string) (types.ObjectID, *types.Object, error) {
	id, err := s.parseURL(rawURL)
	if err != nil {
		return id, nil, err
	}
	key := []byte(id.Hex())

	var obj types.Object
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketData).Get(key)
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		obj.Data = decodeValue(data)
		obj.Metadata = decodeValue(tx.Bucket(bucketMetadata).Get(key))
		return nil
	})
	if err != nil {
		return id, nil, err
	}
	return id, &obj, nil
}

// Delete removes the object addressed by rawURL
func (s *BoltStore) Delete(rawURL string) error {
	id, err := s.parseURL(rawURL)
	if err != nil {
		return err
	}
	key := []byte(id.Hex())

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketData).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketMetadata).Delete(key)
	})
}

// Usage returns the number of spilled objects and their total size
func (s *BoltStore) Usage() (int, int64, error) {
	var (
		count int
		size  int64
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		return tx.Bucket(bucketData).ForEach(func(k, v []byte) error {
			count++
			size += int64(len(decodeValue(v))) + int64(len(decodeValue(meta.Get(k))))
			return nil
		})
	})
	return count, size, err
}

func (s *BoltStore) url(id types.ObjectID, size int64) string {
	u := url.URL{
		Scheme: urlScheme,
		Path:   s.path,
	}
	q := url.Values{}
	q.Set("key", id.Hex())
	q.Set("size", strconv.FormatInt(size, 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *BoltStore) parseURL(rawURL string) (types.ObjectID, error) {
	var id types.ObjectID

	u, err := url.Parse(rawURL)
	if err != nil {
		return id, fmt.Errorf("invalid spill url %q: %w", rawURL, err)
	}
	if u.Scheme != urlScheme {
		return id, fmt.Errorf("invalid spill url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	if u.Path != s.path {
		return id, fmt.Errorf("invalid spill url %q: belongs to %s", rawURL, u.Path)
	}
	return types.ParseObjectID(u.Query().Get("key"))
}

// Values are stored with a length prefix so that an empty payload survives
// bolt's nil-means-missing semantics.
func encodeValue(v []byte) []byte {
	out := make([]byte, 4+len(v))
	binary.BigEndian.PutUint32(out, uint32(len(v)))
	copy(out[4:], v)
	return out
}

// decodeValue copies out of the bolt page; values are only valid for the life
// of the transaction.
func decodeValue(b []byte) []byte {
	if len(b) < 4 {
		return nil
	}
	n := binary.BigEndian.Uint32(b)
	if n == 0 || int(n) > len(b)-4 {
		return nil
	}
	return append([]byte(nil), b[4:4+n]...)
}
