package streamstore

import (
	"encoding/json"
	"time"

	"github.com/durastream/durastream/offset"
)

// MetadataStore is the pluggable persistence backend for stream metadata
// used by PersistentStore. Both bbolt and LMDB implementations share the
// JSON encoding in this file so switching backends (Caddyfile
// "metadata_backend bbolt|lmdb") never changes what's on the wire.
type MetadataStore interface {
	Put(meta *StreamMetadata) error
	Get(path string) (*StreamMetadata, error)
	Delete(path string) error
	List() ([]string, error)
	ForEach(fn func(meta *StreamMetadata) error) error
	Close() error
}

// serializedMetadata is the on-disk form of StreamMetadata: offsets and
// times are encoded as strings/Unix timestamps so the format doesn't depend
// on any particular Go version's struct layout.
type serializedMetadata struct {
	Path          string                    `json:"path"`
	ContentType   string                    `json:"content_type"`
	CurrentOffset string                    `json:"current_offset"`
	LastStreamSeq string                    `json:"last_stream_seq"`
	TTLSeconds    *int64                    `json:"ttl_seconds,omitempty"`
	ExpiresAt     *int64                    `json:"expires_at,omitempty"`
	CreatedAt     int64                     `json:"created_at"`
	Producers     map[string]*serializedPid `json:"producers,omitempty"`
	Closed        bool                      `json:"closed,omitempty"`
	ClosedBy      *serializedClosedBy       `json:"closed_by,omitempty"`
}

type serializedPid struct {
	Epoch       int64 `json:"epoch"`
	LastSeq     int64 `json:"last_seq"`
	LastUpdated int64 `json:"last_updated"`
}

type serializedClosedBy struct {
	ProducerId string `json:"producer_id"`
	Epoch      int64  `json:"epoch"`
	Seq        int64  `json:"seq"`
}

func encodeMetadata(meta *StreamMetadata) ([]byte, error) {
	sm := serializedMetadata{
		Path:          meta.Path,
		ContentType:   meta.ContentType,
		CurrentOffset: meta.CurrentOffset.String(),
		LastStreamSeq: meta.LastStreamSeq,
		TTLSeconds:    meta.TTLSeconds,
		CreatedAt:     meta.CreatedAt.Unix(),
		Closed:        meta.Closed,
	}
	if meta.ExpiresAt != nil {
		ts := meta.ExpiresAt.Unix()
		sm.ExpiresAt = &ts
	}
	if len(meta.Producers) > 0 {
		sm.Producers = make(map[string]*serializedPid, len(meta.Producers))
		for id, state := range meta.Producers {
			sm.Producers[id] = &serializedPid{
				Epoch:       state.Epoch,
				LastSeq:     state.LastSeq,
				LastUpdated: state.LastUpdated.Unix(),
			}
		}
	}
	if meta.ClosedBy != nil {
		sm.ClosedBy = &serializedClosedBy{
			ProducerId: meta.ClosedBy.ProducerId,
			Epoch:      meta.ClosedBy.Epoch,
			Seq:        meta.ClosedBy.Seq,
		}
	}
	return json.Marshal(sm)
}

func decodeMetadata(data []byte) (*StreamMetadata, error) {
	var sm serializedMetadata
	if err := json.Unmarshal(data, &sm); err != nil {
		return nil, err
	}

	off, err := offset.Parse(sm.CurrentOffset)
	if err != nil {
		return nil, err
	}

	meta := &StreamMetadata{
		Path:          sm.Path,
		ContentType:   sm.ContentType,
		CurrentOffset: off,
		LastStreamSeq: sm.LastStreamSeq,
		TTLSeconds:    sm.TTLSeconds,
		CreatedAt:     time.Unix(sm.CreatedAt, 0).UTC(),
		Closed:        sm.Closed,
	}
	if sm.ExpiresAt != nil {
		t := time.Unix(*sm.ExpiresAt, 0).UTC()
		meta.ExpiresAt = &t
	}
	if len(sm.Producers) > 0 {
		meta.Producers = make(map[string]*ProducerState, len(sm.Producers))
		for id, state := range sm.Producers {
			meta.Producers[id] = &ProducerState{
				Epoch:       state.Epoch,
				LastSeq:     state.LastSeq,
				LastUpdated: time.Unix(state.LastUpdated, 0).UTC(),
			}
		}
	}
	if sm.ClosedBy != nil {
		meta.ClosedBy = &ClosedBy{
			ProducerId: sm.ClosedBy.ProducerId,
			Epoch:      sm.ClosedBy.Epoch,
			Seq:        sm.ClosedBy.Seq,
		}
	}
	return meta, nil
}
