package streamstore

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

const lmdbDatabaseName = "metadata"

// LMDBMetadataStore is the alternate PersistentStore metadata backend,
// selected with Caddyfile "metadata_backend lmdb" when an embedded
// memory-mapped store is preferred over bbolt's B+tree file.
type LMDBMetadataStore struct {
	env    *lmdb.Env
	dbi    lmdb.DBI
	mu     sync.RWMutex
	dir    string
	closed bool
}

// NewLMDBMetadataStore opens (creating if absent) an LMDB environment under
// dataDir, sized to mapSizeBytes (0 selects a 1GiB default).
func NewLMDBMetadataStore(dataDir string, mapSizeBytes int64) (*LMDBMetadataStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if mapSizeBytes <= 0 {
		mapSizeBytes = 1 << 30
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("create LMDB environment: %w", err)
	}
	if err := env.SetMapSize(mapSizeBytes); err != nil {
		env.Close()
		return nil, fmt.Errorf("set LMDB map size: %w", err)
	}
	if err := env.SetMaxDBs(1); err != nil {
		env.Close()
		return nil, fmt.Errorf("set LMDB max dbs: %w", err)
	}
	if err := env.Open(dataDir, 0, 0o755); err != nil {
		env.Close()
		return nil, fmt.Errorf("open LMDB environment: %w", err)
	}

	var dbi lmdb.DBI
	err = env.Update(func(txn *lmdb.Txn) error {
		var err error
		dbi, err = txn.OpenDBI(lmdbDatabaseName, lmdb.Create)
		return err
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("open metadata database: %w", err)
	}

	return &LMDBMetadataStore{env: env, dbi: dbi, dir: dataDir}, nil
}

func (s *LMDBMetadataStore) Put(meta *StreamMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("streamstore: lmdb metadata store is closed")
	}

	data, err := encodeMetadata(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		return txn.Put(s.dbi, []byte(meta.Path), data, 0)
	})
}

func (s *LMDBMetadataStore) Get(path string) (*StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("streamstore: lmdb metadata store is closed")
	}

	var meta *StreamMetadata
	err := s.env.View(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(path))
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}
		dup := append([]byte(nil), data...)
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

func (s *LMDBMetadataStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("streamstore: lmdb metadata store is closed")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		err := txn.Del(s.dbi, []byte(path), nil)
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		return err
	})
}

func (s *LMDBMetadataStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("streamstore: lmdb metadata store is closed")
	}

	var paths []string
	err := s.env.View(func(txn *lmdb.Txn) error {
		cursor, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer cursor.Close()

		for {
			key, _, err := cursor.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			paths = append(paths, string(append([]byte(nil), key...)))
		}
		return nil
	})
	return paths, err
}

func (s *LMDBMetadataStore) ForEach(fn func(meta *StreamMetadata) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("streamstore: lmdb metadata store is closed")
	}

	return s.env.View(func(txn *lmdb.Txn) error {
		cursor, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer cursor.Close()

		for {
			_, data, err := cursor.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			dup := append([]byte(nil), data...)
			meta, err := decodeMetadata(dup)
			if err != nil {
				return fmt.Errorf("decode metadata: %w", err)
			}
			if err := fn(meta); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LMDBMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.env.Close()
	return nil
}
