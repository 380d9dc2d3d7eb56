package streamstore

import (
	"container/list"
	"os"
	"sync"
)

// filePool is an LRU cache of open *os.File handles, generalized from the
// reader/writer pool pair the in-memory store never needed: PersistentStore
// keeps four pools (writers and readers for segment files, writers and
// readers for index files), all built from this type so eviction accounting
// and close handling live in one place.
type filePool struct {
	mu      sync.Mutex
	maxSize int
	open    func(path string) (*os.File, error)
	files   map[string]*poolEntry
	lru     *list.List
}

type poolEntry struct {
	path    string
	file    *os.File
	element *list.Element
}

const defaultPoolSize = 100

// newFilePool creates a pool that opens files with open() on first access.
func newFilePool(maxSize int, open func(path string) (*os.File, error)) *filePool {
	if maxSize <= 0 {
		maxSize = defaultPoolSize
	}
	return &filePool{
		maxSize: maxSize,
		open:    open,
		files:   make(map[string]*poolEntry),
		lru:     list.New(),
	}
}

func newWriterPool(maxSize int) *filePool {
	return newFilePool(maxSize, func(path string) (*os.File, error) {
		return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	})
}

func newReaderPool(maxSize int) *filePool {
	return newFilePool(maxSize, func(path string) (*os.File, error) {
		return os.Open(path)
	})
}

// Get returns a handle for path, opening and pooling it on first access. The
// caller must not close the returned file.
func (p *filePool) Get(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.files[path]; ok {
		p.lru.MoveToFront(entry.element)
		return entry.file, nil
	}

	file, err := p.open(path)
	if err != nil {
		return nil, err
	}

	p.evictLocked()

	entry := &poolEntry{path: path, file: file}
	entry.element = p.lru.PushFront(entry)
	p.files[path] = entry
	return file, nil
}

// Remove closes and evicts path's handle, if open.
func (p *filePool) Remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.files[path]
	if !ok {
		return nil
	}
	p.lru.Remove(entry.element)
	delete(p.files, path)
	return entry.file.Close()
}

// Close closes every handle in the pool.
func (p *filePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for path, entry := range p.files {
		if err := entry.file.Close(); err != nil {
			lastErr = err
		}
		delete(p.files, path)
	}
	p.lru.Init()
	return lastErr
}

// evictLocked evicts the least-recently-used handle if the pool is full.
// Must be called with p.mu held.
func (p *filePool) evictLocked() {
	if len(p.files) < p.maxSize {
		return
	}
	elem := p.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*poolEntry)
	p.lru.Remove(elem)
	delete(p.files, entry.path)
	entry.file.Close()
}
