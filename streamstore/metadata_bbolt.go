package streamstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var metadataBucket = []byte("metadata")

// BboltMetadataStore persists stream metadata in a single bbolt database
// file, the default PersistentStore metadata backend.
type BboltMetadataStore struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	dir    string
	closed bool
}

// NewBboltMetadataStore opens (creating if absent) a bbolt database under
// dataDir.
func NewBboltMetadataStore(dataDir string) (*BboltMetadataStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "metadata.db")
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create metadata bucket: %w", err)
	}

	return &BboltMetadataStore{db: db, dir: dataDir}, nil
}

func (s *BboltMetadataStore) Put(meta *StreamMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("streamstore: bbolt metadata store is closed")
	}

	data, err := encodeMetadata(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put([]byte(meta.Path), data)
	})
}

func (s *BboltMetadataStore) Get(path string) (*StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("streamstore: bbolt metadata store is closed")
	}

	var meta *StreamMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(metadataBucket).Get([]byte(path))
		if raw == nil {
			return ErrStreamNotFound
		}
		dup := append([]byte(nil), raw...)
		decoded, err := decodeMetadata(dup)
		if err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
		meta = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *BboltMetadataStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("streamstore: bbolt metadata store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		if b.Get([]byte(path)) == nil {
			return ErrStreamNotFound
		}
		return b.Delete([]byte(path))
	})
}

func (s *BboltMetadataStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("streamstore: bbolt metadata store is closed")
	}

	var paths []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).ForEach(func(k, _ []byte) error {
			paths = append(paths, string(k))
			return nil
		})
	})
	return paths, err
}

func (s *BboltMetadataStore) ForEach(fn func(meta *StreamMetadata) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("streamstore: bbolt metadata store is closed")
	}

	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).ForEach(func(_, v []byte) error {
			dup := append([]byte(nil), v...)
			meta, err := decodeMetadata(dup)
			if err != nil {
				return fmt.Errorf("decode metadata: %w", err)
			}
			return fn(meta)
		})
	})
}

func (s *BboltMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
