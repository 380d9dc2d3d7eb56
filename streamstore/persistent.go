package streamstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/durastream/durastream/notify"
	"github.com/durastream/durastream/offset"
)

// PersistentStore is the on-disk Store implementation: stream metadata lives
// in a pluggable MetadataStore (bbolt or LMDB), message bodies live in a
// per-stream segment file pair (segment.go) accessed through pooled file
// handles (filepool.go), and long-poll waiters live in the same in-process
// notify.Registry the in-memory store uses — persistence only changes where
// bytes live, never how waiters are woken.
type PersistentStore struct {
	mu       sync.RWMutex
	baseDir  string
	metadata MetadataStore
	writers  *filePool
	readers  *filePool
	idxW     *filePool
	idxR     *filePool
	waiters  *notify.Registry

	producerLocksMu sync.Mutex
	producerLocks   map[string]*sync.Mutex

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// PersistentStoreOptions configures pool sizing; zero values take the
// package defaults.
type PersistentStoreOptions struct {
	WriterPoolSize int
	ReaderPoolSize int
}

// NewPersistentStore wires a MetadataStore (NewBboltMetadataStore or
// NewLMDBMetadataStore) to a segment-file message log rooted at baseDir.
func NewPersistentStore(baseDir string, metadata MetadataStore, opts PersistentStoreOptions) (*PersistentStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &PersistentStore{
		baseDir:       baseDir,
		metadata:      metadata,
		writers:       newWriterPool(opts.WriterPoolSize),
		readers:       newReaderPool(opts.ReaderPoolSize),
		idxW:          newWriterPool(opts.WriterPoolSize),
		idxR:          newReaderPool(opts.ReaderPoolSize),
		waiters:       notify.NewRegistry(),
		producerLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *PersistentStore) producerLock(path, producerId string) *sync.Mutex {
	key := path + "\x00" + producerId
	s.producerLocksMu.Lock()
	defer s.producerLocksMu.Unlock()
	l, ok := s.producerLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.producerLocks[key] = l
	}
	return l
}

func (s *PersistentStore) streamDir(path string) string {
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(s.baseDir, hex.EncodeToString(sum[:]))
}

func (s *PersistentStore) segmentPaths(path string) (data, index string) {
	dir := s.streamDir(path)
	return filepath.Join(dir, SegmentFileName), filepath.Join(dir, IndexFileName)
}

func (s *PersistentStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()

	existing, err := s.metadata.Get(path)
	if err != nil && !errors.Is(err, ErrStreamNotFound) {
		return nil, false, err
	}
	if err == nil {
		if existing.IsExpired(now) {
			s.deleteLocked(path)
		} else if existing.ConfigMatches(opts) {
			return existing, false, nil
		} else {
			return nil, false, ErrConfigMismatch
		}
	}

	dir := s.streamDir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, err
	}

	meta := &StreamMetadata{
		Path:        path,
		ContentType: NormalizeContentType(opts.ContentType),
		TTLSeconds:  opts.TTLSeconds,
		ExpiresAt:   opts.ExpiresAt,
		CreatedAt:   now,
	}

	if len(opts.InitialData) > 0 {
		newOffset, err := s.commitAppend(path, meta, opts.InitialData, true)
		if err != nil {
			return nil, false, err
		}
		meta.CurrentOffset = newOffset
	}

	if err := s.metadata.Put(meta); err != nil {
		return nil, false, err
	}
	return meta, true, nil
}

func (s *PersistentStore) Get(path string) (*StreamMetadata, error) {
	s.mu.RLock()
	meta, err := s.metadata.Get(path)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if meta.IsExpired(time.Now().UTC()) {
		s.mu.Lock()
		s.deleteLocked(path)
		s.mu.Unlock()
		return nil, ErrStreamNotFound
	}
	return meta, nil
}

func (s *PersistentStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.metadata.Get(path); err != nil {
		return err
	}
	return s.deleteLocked(path)
}

// deleteLocked must be called with s.mu held.
func (s *PersistentStore) deleteLocked(path string) error {
	dataPath, indexPath := s.segmentPaths(path)
	s.writers.Remove(dataPath)
	s.readers.Remove(dataPath)
	s.idxW.Remove(indexPath)
	s.idxR.Remove(indexPath)
	os.RemoveAll(s.streamDir(path))

	err := s.metadata.Delete(path)
	s.waiters.CancelPath(path)
	return err
}

// commitAppend writes data to path's segment as one or more messages
// (splitting a JSON array per splitJSONAppend) and returns the new total
// byte length. It does not touch metadata; callers update meta.CurrentOffset
// themselves once all bookkeeping succeeds.
func (s *PersistentStore) commitAppend(path string, meta *StreamMetadata, data []byte, allowEmptyArray bool) (offset.Offset, error) {
	dataPath, indexPath := s.segmentPaths(path)

	var chunks [][]byte
	if IsJSON(meta.ContentType) {
		split, err := splitJSONAppend(data, allowEmptyArray)
		if err != nil {
			return offset.Offset{}, err
		}
		chunks = split
	} else {
		if len(data) == 0 {
			return offset.Offset{}, ErrEmptyBody
		}
		chunks = [][]byte{data}
	}
	if len(chunks) == 0 {
		return meta.CurrentOffset, nil
	}

	dataFile, err := s.writers.Get(dataPath)
	if err != nil {
		return offset.Offset{}, err
	}
	indexFile, err := s.idxW.Get(indexPath)
	if err != nil {
		return offset.Offset{}, err
	}

	writer, err := newSegmentWriter(dataFile, indexFile)
	if err != nil {
		return offset.Offset{}, err
	}

	var total uint64
	for _, chunk := range chunks {
		total, err = writer.WriteMessage(chunk)
		if err != nil {
			return offset.Offset{}, err
		}
	}
	if err := writer.Sync(); err != nil {
		return offset.Offset{}, err
	}

	return offset.Offset{ReadSeq: meta.CurrentOffset.ReadSeq, ByteOffset: total}, nil
}

func (s *PersistentStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if opts.Producer != nil {
		lock := s.producerLock(path, opts.Producer.Id)
		lock.Lock()
		defer lock.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	meta, err := s.metadata.Get(path)
	if err != nil {
		return AppendResult{}, err
	}
	if meta.IsExpired(now) {
		s.deleteLocked(path)
		return AppendResult{}, ErrStreamNotFound
	}

	if opts.ContentType != "" && meta.ContentType != "" && !ContentTypesMatch(meta.ContentType, opts.ContentType) {
		return AppendResult{}, ErrContentTypeMismatch
	}

	if meta.Closed {
		if opts.Producer != nil && meta.ClosedBy != nil &&
			meta.ClosedBy.ProducerId == opts.Producer.Id &&
			meta.ClosedBy.Epoch == opts.Producer.Epoch &&
			meta.ClosedBy.Seq == opts.Producer.Seq {
			return AppendResult{
				Offset:         meta.CurrentOffset,
				ProducerResult: ProducerOutcomeDuplicate,
				ProducerEpoch:  meta.ClosedBy.Epoch,
				ProducerSeq:    meta.ClosedBy.Seq,
				StreamClosed:   true,
			}, nil
		}
		return AppendResult{}, ErrStreamClosed
	}

	if meta.Producers != nil {
		for id, state := range meta.Producers {
			if state.expired(now) {
				delete(meta.Producers, id)
			}
		}
	}

	outcome := ProducerOutcomeNone
	var producerEpoch, producerSeq int64
	if opts.Producer != nil {
		producerEpoch = opts.Producer.Epoch
		producerSeq = opts.Producer.Seq

		if meta.Producers == nil {
			meta.Producers = make(map[string]*ProducerState)
		}
		existing, hasState := meta.Producers[opts.Producer.Id]

		switch {
		case !hasState:
			if opts.Producer.Seq != 0 {
				return AppendResult{}, &ProducerGapError{Expected: 0, Received: opts.Producer.Seq}
			}
			outcome = ProducerOutcomeAccepted
		case opts.Producer.Epoch < existing.Epoch:
			return AppendResult{}, &StaleEpochError{Current: existing.Epoch}
		case opts.Producer.Epoch > existing.Epoch:
			if opts.Producer.Seq != 0 {
				return AppendResult{}, ErrInvalidEpochSeq
			}
			outcome = ProducerOutcomeAccepted
		case opts.Producer.Seq <= existing.LastSeq:
			return AppendResult{
				Offset:         meta.CurrentOffset,
				ProducerResult: ProducerOutcomeDuplicate,
				ProducerEpoch:  existing.Epoch,
				ProducerSeq:    existing.LastSeq,
			}, nil
		case opts.Producer.Seq == existing.LastSeq+1:
			outcome = ProducerOutcomeAccepted
		default:
			return AppendResult{}, &ProducerGapError{Expected: existing.LastSeq + 1, Received: opts.Producer.Seq}
		}
	}

	if opts.Seq != "" && meta.LastStreamSeq != "" && opts.Seq <= meta.LastStreamSeq {
		return AppendResult{}, ErrSequenceConflict
	}

	newOffset, err := s.commitAppend(path, meta, data, false)
	if err != nil {
		return AppendResult{}, err
	}

	meta.CurrentOffset = newOffset
	if opts.Seq != "" {
		meta.LastStreamSeq = opts.Seq
	}
	if opts.Producer != nil {
		meta.Producers[opts.Producer.Id] = &ProducerState{Epoch: producerEpoch, LastSeq: producerSeq, LastUpdated: now}
	}
	if opts.Close {
		meta.Closed = true
		if opts.Producer != nil {
			meta.ClosedBy = &ClosedBy{ProducerId: opts.Producer.Id, Epoch: producerEpoch, Seq: producerSeq}
		}
	}

	if err := s.metadata.Put(meta); err != nil {
		return AppendResult{}, err
	}

	s.waiters.Notify(path)
	if opts.Close {
		s.waiters.CancelPath(path)
	}

	return AppendResult{
		Offset:         newOffset,
		ProducerResult: outcome,
		ProducerEpoch:  producerEpoch,
		ProducerSeq:    producerSeq,
		StreamClosed:   meta.Closed,
	}, nil
}

func (s *PersistentStore) Read(path string, at offset.Offset) ([]Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(path, at)
}

// readLocked must be called with s.mu held for reading (or writing).
func (s *PersistentStore) readLocked(path string, at offset.Offset) ([]Message, bool, error) {
	meta, err := s.metadata.Get(path)
	if err != nil {
		return nil, false, err
	}
	if meta.IsExpired(time.Now().UTC()) {
		return nil, false, ErrStreamNotFound
	}

	dataPath, indexPath := s.segmentPaths(path)
	dataFile, err := s.readers.Get(dataPath)
	if errors.Is(err, os.ErrNotExist) {
		// No append has written this stream's segment yet: it is empty.
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	indexFile, err := s.idxR.Get(indexPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	reader := newSegmentReader(dataFile, indexFile)
	messages, err := reader.ReadMessages(at)
	if err != nil {
		return nil, false, err
	}

	upToDate := len(messages) == 0 || at.Equal(meta.CurrentOffset)
	return messages, upToDate, nil
}

func (s *PersistentStore) WaitForMessages(ctx context.Context, path string, at offset.Offset, timeout time.Duration) ([]Message, bool, error) {
	messages, upToDate, err := s.Read(path, at)
	if err != nil {
		return nil, false, err
	}
	if !upToDate {
		return messages, false, nil
	}

	ch := s.waiters.Register(path)
	defer s.waiters.Unregister(path, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		messages, _, err := s.Read(path, at)
		return messages, false, err
	case <-timer.C:
		return nil, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (s *PersistentStore) FormatResponse(path string, messages []Message) ([]byte, error) {
	meta, err := s.Get(path)
	if err != nil {
		return nil, err
	}
	if IsJSON(meta.ContentType) {
		chunks := make([][]byte, len(messages))
		for i, m := range messages {
			chunks[i] = m.Data
		}
		return formatJSONMessages(chunks), nil
	}

	var total int
	for _, m := range messages {
		total += len(m.Data)
	}
	out := make([]byte, 0, total)
	for _, m := range messages {
		out = append(out, m.Data...)
	}
	return out, nil
}

func (s *PersistentStore) GetCurrentOffset(path string) (offset.Offset, error) {
	meta, err := s.Get(path)
	if err != nil {
		return offset.Offset{}, err
	}
	return meta.CurrentOffset, nil
}

func (s *PersistentStore) GetProducerEpoch(path, producerId string) (int64, bool, error) {
	meta, err := s.Get(path)
	if err != nil {
		return 0, false, err
	}
	state, ok := meta.Producers[producerId]
	if !ok {
		return 0, false, nil
	}
	return state.Epoch, true, nil
}

func (s *PersistentStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths, err := s.metadata.List()
	if err != nil {
		return
	}
	for _, p := range paths {
		s.deleteLocked(p)
	}
	s.waiters.CancelAll()
}

func (s *PersistentStore) CancelAllWaits() {
	s.waiters.CancelAll()
}

func (s *PersistentStore) Close() error {
	s.StopExpirySweep()
	s.waiters.CancelAll()
	s.writers.Close()
	s.readers.Close()
	s.idxW.Close()
	s.idxR.Close()
	return s.metadata.Close()
}

// StartExpirySweep launches a background goroutine that periodically deletes
// streams past their TTL/Stream-Expires-At even if no request ever touches
// them again. It is optional: without it, expiry is still enforced lazily on
// every Get/Create/Append/Read (spec §3 invariant (d)), so a sweep only
// reclaims disk space for idle streams sooner. Calling it twice without an
// intervening StopExpirySweep replaces the previous sweep.
func (s *PersistentStore) StartExpirySweep(interval time.Duration) {
	s.StopExpirySweep()
	if interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.sweepCancel = cancel
	s.sweepDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepExpired()
			}
		}
	}()
}

// StopExpirySweep stops a running sweep started by StartExpirySweep; it is a
// no-op if no sweep is running.
func (s *PersistentStore) StopExpirySweep() {
	if s.sweepCancel == nil {
		return
	}
	s.sweepCancel()
	<-s.sweepDone
	s.sweepCancel = nil
	s.sweepDone = nil
}

func (s *PersistentStore) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := s.metadata.List()
	if err != nil {
		return
	}
	now := time.Now()
	for _, p := range paths {
		meta, err := s.metadata.Get(p)
		if err != nil {
			continue
		}
		if meta.IsExpired(now) {
			s.deleteLocked(p)
		}
	}
}
