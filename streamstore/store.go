// Package streamstore implements the Durable Streams Stream Store: stream
// lifecycle (create, read, delete, lazy expiry), the append validation
// pipeline (content-type check, idempotent-producer fencing, Stream-Seq
// ordering, JSON framing), and the read/long-poll path.
package streamstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/durastream/durastream/offset"
)

// Sentinel errors surfaced by Store implementations. The protocol engine is
// the sole translator from these to HTTP status codes (spec §7).
var (
	ErrStreamNotFound      = errors.New("streamstore: stream not found")
	ErrConfigMismatch      = errors.New("streamstore: stream exists with different configuration")
	ErrContentTypeMismatch = errors.New("streamstore: content type mismatch")
	ErrSequenceConflict    = errors.New("streamstore: Stream-Seq conflict")
	ErrEmptyBody           = errors.New("streamstore: empty body not allowed")
	ErrEmptyJSONArray      = errors.New("streamstore: empty JSON array not allowed")
	ErrInvalidJSON         = errors.New("streamstore: invalid JSON")
	ErrStreamClosed        = errors.New("streamstore: stream is closed")
	ErrPartialProducer     = errors.New("streamstore: all producer headers must be provided together")

	ErrStaleEpoch      = errors.New("streamstore: producer epoch is stale")
	ErrInvalidEpochSeq = errors.New("streamstore: new epoch must start at sequence 0")
	ErrProducerSeqGap  = errors.New("streamstore: producer sequence gap")
)

// DefaultContentType is assumed when a stream is created without one.
const DefaultContentType = "application/octet-stream"

// ProducerTTL is how long a producer's idempotency state survives without an
// accepted append before it is evicted (spec §3, default 7 days).
const ProducerTTL = 7 * 24 * time.Hour

// ProducerState is the per-(stream, producer) idempotency fence.
type ProducerState struct {
	Epoch       int64
	LastSeq     int64
	LastUpdated time.Time
}

// expired reports whether this producer state should be evicted before the
// next validation (spec §4.3 step 4: "first evict producer states older than
// the producer TTL").
func (p *ProducerState) expired(now time.Time) bool {
	return now.Sub(p.LastUpdated) > ProducerTTL
}

// ClosedBy records which producer closed a stream, for idempotent
// duplicate-close detection (supplemental "stream close" feature, see
// SPEC_FULL.md §4).
type ClosedBy struct {
	ProducerId string
	Epoch      int64
	Seq        int64
}

// Message is a single immutable append result.
type Message struct {
	Data      []byte
	Offset    offset.Offset
	Timestamp time.Time
}

// StreamMetadata is the externally-visible state of a stream (excluding its
// message body, which Store implementations may keep separately).
type StreamMetadata struct {
	Path          string
	ContentType   string
	CurrentOffset offset.Offset
	LastStreamSeq string
	TTLSeconds    *int64
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	Producers     map[string]*ProducerState
	Closed        bool
	ClosedBy      *ClosedBy
}

// IsExpired reports whether the stream should be treated as gone (spec §3,
// invariant (d)).
func (m *StreamMetadata) IsExpired(now time.Time) bool {
	if m.ExpiresAt != nil && !now.Before(*m.ExpiresAt) {
		return true
	}
	if m.TTLSeconds != nil {
		if !now.Before(m.CreatedAt.Add(time.Duration(*m.TTLSeconds) * time.Second)) {
			return true
		}
	}
	return false
}

// NormalizeContentType returns the base media type (before ';', trimmed and
// lowercased), defaulting empty input to DefaultContentType.
func NormalizeContentType(ct string) string {
	if ct == "" {
		ct = DefaultContentType
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// ContentTypesMatch compares two content types per NormalizeContentType.
func ContentTypesMatch(a, b string) bool {
	return NormalizeContentType(a) == NormalizeContentType(b)
}

// IsJSON reports whether ct normalizes to application/json.
func IsJSON(ct string) bool {
	return NormalizeContentType(ct) == "application/json"
}

// ConfigMatches reports whether opts describes the same stream configuration
// as m, for PUT idempotency (spec §4.3: "all three of (content-type,
// ttlSeconds, expiresAt) equal the existing values").
func (m *StreamMetadata) ConfigMatches(opts CreateOptions) bool {
	if !ContentTypesMatch(m.ContentType, opts.ContentType) {
		return false
	}
	if (m.TTLSeconds == nil) != (opts.TTLSeconds == nil) {
		return false
	}
	if m.TTLSeconds != nil && *m.TTLSeconds != *opts.TTLSeconds {
		return false
	}
	if (m.ExpiresAt == nil) != (opts.ExpiresAt == nil) {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.Equal(*opts.ExpiresAt) {
		return false
	}
	return true
}

// CreateOptions configures a PUT (create).
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	InitialData []byte
}

// ProducerTrio is the Producer-Id/Producer-Epoch/Producer-Seq header set.
type ProducerTrio struct {
	Id    string
	Epoch int64
	Seq   int64
}

// AppendOptions configures a POST (append).
type AppendOptions struct {
	ContentType string
	Seq         string // Stream-Seq header value, opaque and lexicographically compared
	Producer    *ProducerTrio
	Close       bool // supplemental: Stream-Closed: true closes the stream after this append
}

// ProducerOutcome classifies how producer validation resolved an append.
type ProducerOutcome int

const (
	// ProducerOutcomeNone means no producer trio was supplied.
	ProducerOutcomeNone ProducerOutcome = iota
	// ProducerOutcomeAccepted means new data was accepted from this producer.
	ProducerOutcomeAccepted
	// ProducerOutcomeDuplicate means the (epoch, seq) pair was already seen;
	// the append is a no-op and the call is not an error (spec §4.3).
	ProducerOutcomeDuplicate
)

// AppendResult describes the outcome of a successful (non-error) Append call.
type AppendResult struct {
	Offset         offset.Offset
	ProducerResult ProducerOutcome
	ProducerEpoch  int64 // echoed for accepted/duplicate producer appends
	ProducerSeq    int64 // echoed for accepted/duplicate producer appends
	StreamClosed   bool
}

// ProducerGapError carries the expected/received sequence numbers for a
// sequence-gap rejection (HTTP 409, Producer-Expected-Seq/Producer-Received-Seq).
type ProducerGapError struct {
	Expected, Received int64
}

func (e *ProducerGapError) Error() string { return "streamstore: producer sequence gap" }
func (e *ProducerGapError) Unwrap() error { return ErrProducerSeqGap }

// StaleEpochError carries the producer's current epoch for a stale-epoch
// rejection (HTTP 403, Producer-Epoch).
type StaleEpochError struct {
	Current int64
}

func (e *StaleEpochError) Error() string { return "streamstore: producer epoch is stale" }
func (e *StaleEpochError) Unwrap() error { return ErrStaleEpoch }

// Store is the Stream Store contract (spec §4.3).
type Store interface {
	Create(path string, opts CreateOptions) (meta *StreamMetadata, created bool, err error)
	Get(path string) (*StreamMetadata, error)
	Delete(path string) error
	Append(path string, data []byte, opts AppendOptions) (AppendResult, error)
	Read(path string, at offset.Offset) (messages []Message, upToDate bool, err error)
	WaitForMessages(ctx context.Context, path string, at offset.Offset, timeout time.Duration) (messages []Message, timedOut bool, err error)
	FormatResponse(path string, messages []Message) ([]byte, error)
	GetCurrentOffset(path string) (offset.Offset, error)
	GetProducerEpoch(path, producerId string) (epoch int64, ok bool, err error)
	Clear()
	CancelAllWaits()
	Close() error
}
