package streamstore

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/durastream/durastream/notify"
	"github.com/durastream/durastream/offset"
)

// MemoryStore is the in-memory reference implementation of Store. It is the
// primary implementation the protocol engine runs against; PersistentStore
// is an opt-in extension point for on-disk durability.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
	waiters *notify.Registry

	producerLocksMu sync.Mutex
	producerLocks   map[string]*sync.Mutex
}

// memoryStream holds a stream's full message history. JSON streams store
// each element as a distinct chunk already suffixed with ",", matching the
// on-disk internal form other backends use, so FormatResponse is identical
// across implementations.
type memoryStream struct {
	metadata StreamMetadata
	messages []Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:       make(map[string]*memoryStream),
		waiters:       notify.NewRegistry(),
		producerLocks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) producerLock(path, producerId string) *sync.Mutex {
	key := path + "\x00" + producerId
	s.producerLocksMu.Lock()
	defer s.producerLocksMu.Unlock()
	if mu, ok := s.producerLocks[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	s.producerLocks[key] = mu
	return mu
}

func (s *MemoryStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if existing, ok := s.streams[path]; ok {
		if existing.metadata.IsExpired(now) {
			delete(s.streams, path)
		} else if existing.metadata.ConfigMatches(opts) {
			meta := existing.metadata
			return &meta, false, nil
		} else {
			return nil, false, ErrConfigMismatch
		}
	}

	contentType := NormalizeDisplayContentType(opts.ContentType)
	stream := &memoryStream{
		metadata: StreamMetadata{
			Path:        path,
			ContentType: contentType,
			TTLSeconds:  opts.TTLSeconds,
			ExpiresAt:   opts.ExpiresAt,
			CreatedAt:   now,
		},
	}

	if len(opts.InitialData) > 0 {
		newOffset, err := appendData(stream, opts.InitialData, true, now)
		if err != nil {
			return nil, false, err
		}
		stream.metadata.CurrentOffset = newOffset
	}

	s.streams[path] = stream
	meta := stream.metadata
	return &meta, true, nil
}

func (s *MemoryStore) Get(path string) (*StreamMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(path, time.Now())
}

// getLocked returns a copy of live metadata, lazily deleting the stream if
// it has expired (spec §4.3: "expired streams are deleted lazily on
// access"). Caller must hold s.mu for writing.
func (s *MemoryStore) getLocked(path string, now time.Time) (*StreamMetadata, error) {
	stream, ok := s.streams[path]
	if !ok {
		return nil, ErrStreamNotFound
	}
	if stream.metadata.IsExpired(now) {
		delete(s.streams, path)
		return nil, ErrStreamNotFound
	}
	meta := stream.metadata
	return &meta, nil
}

func (s *MemoryStore) Delete(path string) error {
	s.mu.Lock()
	if _, ok := s.streams[path]; !ok {
		s.mu.Unlock()
		return ErrStreamNotFound
	}
	delete(s.streams, path)
	s.mu.Unlock()

	s.waiters.CancelPath(path)
	return nil
}

func (s *MemoryStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if opts.Producer != nil {
		lock := s.producerLock(path, opts.Producer.Id)
		lock.Lock()
		defer lock.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stream, err := s.getLocked(path, now)
	if err != nil {
		return AppendResult{}, err
	}
	realStream := s.streams[path]

	if opts.ContentType != "" && stream.ContentType != "" && !ContentTypesMatch(stream.ContentType, opts.ContentType) {
		return AppendResult{}, ErrContentTypeMismatch
	}

	if stream.Closed {
		// A duplicate close request from the same producer that already
		// closed the stream is idempotent; everything else is rejected.
		if opts.Close && opts.Producer != nil && stream.ClosedBy != nil &&
			stream.ClosedBy.ProducerId == opts.Producer.Id &&
			stream.ClosedBy.Epoch == opts.Producer.Epoch &&
			stream.ClosedBy.Seq == opts.Producer.Seq {
			return AppendResult{
				Offset:         stream.CurrentOffset,
				ProducerResult: ProducerOutcomeDuplicate,
				ProducerEpoch:  opts.Producer.Epoch,
				ProducerSeq:    opts.Producer.Seq,
				StreamClosed:   true,
			}, nil
		}
		return AppendResult{}, ErrStreamClosed
	}

	var producerState *ProducerState
	result := AppendResult{ProducerResult: ProducerOutcomeNone}

	if opts.Producer != nil {
		evictStaleProducers(realStream, now)

		existing := realStream.metadata.Producers[opts.Producer.Id]
		switch {
		case existing == nil:
			if opts.Producer.Seq != 0 {
				return AppendResult{}, &ProducerGapError{Expected: 0, Received: opts.Producer.Seq}
			}
			producerState = &ProducerState{Epoch: opts.Producer.Epoch, LastSeq: 0, LastUpdated: now}
			result.ProducerResult = ProducerOutcomeAccepted

		case opts.Producer.Epoch < existing.Epoch:
			return AppendResult{}, &StaleEpochError{Current: existing.Epoch}

		case opts.Producer.Epoch > existing.Epoch:
			if opts.Producer.Seq != 0 {
				return AppendResult{}, ErrInvalidEpochSeq
			}
			producerState = &ProducerState{Epoch: opts.Producer.Epoch, LastSeq: 0, LastUpdated: now}
			result.ProducerResult = ProducerOutcomeAccepted

		case opts.Producer.Seq <= existing.LastSeq:
			return AppendResult{
				Offset:         realStream.metadata.CurrentOffset,
				ProducerResult: ProducerOutcomeDuplicate,
				ProducerEpoch:  existing.Epoch,
				ProducerSeq:    existing.LastSeq,
			}, nil

		case opts.Producer.Seq == existing.LastSeq+1:
			producerState = &ProducerState{Epoch: opts.Producer.Epoch, LastSeq: opts.Producer.Seq, LastUpdated: now}
			result.ProducerResult = ProducerOutcomeAccepted

		default:
			return AppendResult{}, &ProducerGapError{Expected: existing.LastSeq + 1, Received: opts.Producer.Seq}
		}
	}

	if opts.Seq != "" && realStream.metadata.LastStreamSeq != "" && opts.Seq <= realStream.metadata.LastStreamSeq {
		return AppendResult{}, ErrSequenceConflict
	}

	newOffset, err := appendData(realStream, data, false, now)
	if err != nil {
		return AppendResult{}, err
	}

	realStream.metadata.CurrentOffset = newOffset
	if opts.Seq != "" {
		realStream.metadata.LastStreamSeq = opts.Seq
	}
	if producerState != nil {
		if realStream.metadata.Producers == nil {
			realStream.metadata.Producers = make(map[string]*ProducerState)
		}
		realStream.metadata.Producers[opts.Producer.Id] = producerState
		result.ProducerEpoch = producerState.Epoch
		result.ProducerSeq = producerState.LastSeq
	}
	if opts.Close {
		realStream.metadata.Closed = true
		if opts.Producer != nil {
			realStream.metadata.ClosedBy = &ClosedBy{
				ProducerId: opts.Producer.Id,
				Epoch:      opts.Producer.Epoch,
				Seq:        opts.Producer.Seq,
			}
		}
		result.StreamClosed = true
	}

	result.Offset = newOffset

	s.waiters.Notify(path)
	if opts.Close {
		s.waiters.CancelPath(path)
	}

	return result, nil
}

// evictStaleProducers drops idempotency state for producers inactive past
// ProducerTTL (spec §4.3 step 4, §3 "Producer state lifecycle").
func evictStaleProducers(stream *memoryStream, now time.Time) {
	if stream.metadata.Producers == nil {
		return
	}
	for id, state := range stream.metadata.Producers {
		if state.expired(now) {
			delete(stream.metadata.Producers, id)
		}
	}
}

// appendData runs the content-processing + commit steps of the pipeline
// (spec §4.3 steps 6-7) shared by Create's initial-data path and Append.
func appendData(stream *memoryStream, data []byte, allowEmptyArray bool, now time.Time) (offset.Offset, error) {
	if IsJSON(stream.metadata.ContentType) {
		chunks, err := splitJSONAppend(data, allowEmptyArray)
		if err != nil {
			return offset.Offset{}, err
		}
		current := stream.metadata.CurrentOffset
		for _, chunk := range chunks {
			current = current.Add(uint64(len(chunk)))
			stream.messages = append(stream.messages, Message{Data: chunk, Offset: current, Timestamp: now})
		}
		return current, nil
	}

	if len(data) == 0 {
		return stream.metadata.CurrentOffset, ErrEmptyBody
	}
	newOffset := stream.metadata.CurrentOffset.Add(uint64(len(data)))
	stream.messages = append(stream.messages, Message{Data: data, Offset: newOffset, Timestamp: now})
	return newOffset, nil
}

func (s *MemoryStore) Read(path string, at offset.Offset) ([]Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired(time.Now()) {
		return nil, false, ErrStreamNotFound
	}

	var messages []Message
	for _, m := range stream.messages {
		if at.LessThan(m.Offset) {
			messages = append(messages, m)
		}
	}

	upToDate := at.Equal(stream.metadata.CurrentOffset) || len(messages) == 0
	return messages, upToDate, nil
}

func (s *MemoryStore) WaitForMessages(ctx context.Context, path string, at offset.Offset, timeout time.Duration) ([]Message, bool, error) {
	messages, _, err := s.Read(path, at)
	if err != nil {
		return nil, false, err
	}
	if len(messages) > 0 {
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

func (s *MemoryStore) FormatResponse(path string, messages []Message) ([]byte, error) {
	s.mu.RLock()
	stream, ok := s.streams[path]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrStreamNotFound
	}

	if IsJSON(stream.metadata.ContentType) {
		chunks := make([][]byte, len(messages))
		for i, m := range messages {
			chunks[i] = m.Data
		}
		return formatJSONMessages(chunks), nil
	}

	var buf bytes.Buffer
	for _, m := range messages {
		buf.Write(m.Data)
	}
	return buf.Bytes(), nil
}

func (s *MemoryStore) GetCurrentOffset(path string) (offset.Offset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired(time.Now()) {
		return offset.Offset{}, ErrStreamNotFound
	}
	return stream.metadata.CurrentOffset, nil
}

func (s *MemoryStore) GetProducerEpoch(path, producerId string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired(time.Now()) {
		return 0, false, ErrStreamNotFound
	}
	state, ok := stream.metadata.Producers[producerId]
	if !ok {
		return 0, false, nil
	}
	return state.Epoch, true, nil
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.streams = make(map[string]*memoryStream)
	s.mu.Unlock()
	s.waiters.CancelAll()
}

func (s *MemoryStore) CancelAllWaits() {
	s.waiters.CancelAll()
}

func (s *MemoryStore) Close() error {
	s.CancelAllWaits()
	return nil
}

// NormalizeDisplayContentType returns the content type to store on the
// stream: the caller-supplied value verbatim if present (so e.g. a charset
// parameter round-trips on HEAD/GET), or DefaultContentType if empty.
func NormalizeDisplayContentType(ct string) string {
	if ct == "" {
		return DefaultContentType
	}
	return ct
}
