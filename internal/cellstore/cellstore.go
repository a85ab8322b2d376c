// Package cellstore implements the per-cell isolated backing store: each
// cell owns an embedded single-file store under CELLS_DIR/<cell_key>/data.db
// with two buckets, "data" and "metadata", holding item rows and
// cell-level bookkeeping respectively.
package cellstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/r3e-cellvault/cellserver/internal/resilience"
	"github.com/r3e-cellvault/cellserver/pkg/errors"
	"github.com/r3e-cellvault/cellserver/pkg/metrics"
)

var (
	bucketData     = []byte("data")
	bucketMetadata = []byte("metadata")
)

// Row is a single cell item as stored on disk. Value holds whatever
// CryptoCore.Encrypt produced (a serialized Envelope) when encryption is
// enabled, or the raw plaintext otherwise.
type Row struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store manages the embedded stores for every cell under one root
// directory. Each cell's *bolt.DB is opened lazily on first access and
// kept open for the life of the process; bbolt serializes writers
// internally, which gives per-cell write serialization for free without
// a separate application-level lock per cell.
type Store struct {
	rootDir string

	mu      sync.Mutex
	handles map[string]*bolt.DB
}

// New returns a Store rooted at rootDir, creating the directory if needed.
func New(rootDir string) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, errors.Internal("create cells dir", err)
	}
	return &Store{rootDir: rootDir, handles: make(map[string]*bolt.DB)}, nil
}

func (s *Store) open(cellKey string) (*bolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.handles[cellKey]; ok {
		return db, nil
	}

	cellDir := filepath.Join(s.rootDir, cellKey)
	if err := os.MkdirAll(cellDir, 0o755); err != nil {
		return nil, errors.Internal("create cell dir", err)
	}

	var db *bolt.DB
	openErr := resilience.Retry(context.Background(), resilience.DefaultRetryConfig(), func() error {
		opened, err := bolt.Open(filepath.Join(cellDir, "data.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return err
		}
		db = opened
		return nil
	})
	if openErr != nil {
		return nil, errors.Transient("open cell store", openErr)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketData); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMetadata)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Internal("init cell buckets", err)
	}

	s.handles[cellKey] = db
	return db, nil
}

// Put upserts item_key -> value within cellKey, setting created_at on
// insert and updated_at on every write. It reports whether the item was
// newly created so callers can distinguish a first put from an update.
func (s *Store) Put(cellKey, itemKey, value string) (created bool, err error) {
	start := time.Now()
	defer func() { metrics.RecordCellStoreOp("put", time.Since(start), err) }()

	db, err := s.open(cellKey)
	if err != nil {
		return false, err
	}

	now := time.Now()
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketData)
		row := Row{Key: itemKey, Value: value, CreatedAt: now, UpdatedAt: now}

		if existing := b.Get([]byte(itemKey)); existing != nil {
			var prev Row
			if err := json.Unmarshal(existing, &prev); err == nil {
				row.CreatedAt = prev.CreatedAt
			}
		} else {
			created = true
		}

		encoded, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put([]byte(itemKey), encoded)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// Get returns the row for item_key, or NotFound.
func (s *Store) Get(cellKey, itemKey string) (_ Row, err error) {
	start := time.Now()
	defer func() { metrics.RecordCellStoreOp("get", time.Since(start), err) }()

	db, err := s.open(cellKey)
	if err != nil {
		return Row{}, err
	}

	var row Row
	found := false
	err = db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketData).Get([]byte(itemKey))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return Row{}, errors.Internal("read cell item", err)
	}
	if !found {
		return Row{}, errors.NotFound("cell_item", itemKey)
	}
	return row, nil
}

// Delete removes item_key. It is a no-op, never an error, if the key is
// already absent.
func (s *Store) Delete(cellKey, itemKey string) (err error) {
	start := time.Now()
	defer func() { metrics.RecordCellStoreOp("delete", time.Since(start), err) }()

	db, err := s.open(cellKey)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketData).Delete([]byte(itemKey))
	})
}

// ListKeys returns every item key in cellKey, in unspecified order.
func (s *Store) ListKeys(cellKey string) (_ []string, err error) {
	start := time.Now()
	defer func() { metrics.RecordCellStoreOp("list_keys", time.Since(start), err) }()

	db, err := s.open(cellKey)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketData).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, errors.Internal("list cell keys", err)
	}
	return keys, nil
}

// Scan returns every row in cellKey with its metadata.
func (s *Store) Scan(cellKey string) (_ []Row, err error) {
	start := time.Now()
	defer func() { metrics.RecordCellStoreOp("scan", time.Since(start), err) }()

	db, err := s.open(cellKey)
	if err != nil {
		return nil, err
	}
	var rows []Row
	err = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketData).ForEach(func(_, v []byte) error {
			var row Row
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Internal("scan cell", err)
	}
	return rows, nil
}

// SetMetadata stores an arbitrary per-cell metadata value, e.g. item count
// or last compaction time.
func (s *Store) SetMetadata(cellKey, key, value string) error {
	db, err := s.open(cellKey)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put([]byte(key), []byte(value))
	})
}

// GetMetadata reads a per-cell metadata value, returning "" if absent.
func (s *Store) GetMetadata(cellKey, key string) (string, error) {
	db, err := s.open(cellKey)
	if err != nil {
		return "", err
	}
	var value string
	err = db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMetadata).Get([]byte(key)); v != nil {
			value = string(v)
		}
		return nil
	})
	return value, err
}

// StorageBytes walks the cells root and returns the total on-disk size
// of every per-cell store, for the admin stats surface.
func (s *Store) StorageBytes() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.rootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, errors.Internal("measure cell storage", err)
	}
	return total, nil
}

// DropCell closes and deletes a cell's on-disk store entirely, removing
// the per-cell file rather than leaving residue behind.
func (s *Store) DropCell(cellKey string) error {
	s.mu.Lock()
	db, ok := s.handles[cellKey]
	if ok {
		delete(s.handles, cellKey)
	}
	s.mu.Unlock()

	if ok {
		if err := db.Close(); err != nil {
			return errors.Internal("close cell store", err)
		}
	}
	return os.RemoveAll(filepath.Join(s.rootDir, cellKey))
}

// Close closes every open cell handle. Used on graceful shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, db := range s.handles {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.handles, key)
	}
	return firstErr
}
