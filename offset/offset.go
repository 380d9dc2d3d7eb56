// Package offset implements the Durable Streams offset codec: an opaque,
// lexicographically ordered position token of the form
// "<read-seq>_<byte-offset>", plus the protocol's "-1" and "now" sentinels.
package offset

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset is a position within a stream. The zero value is the start of an
// empty stream.
type Offset struct {
	ReadSeq    uint64 // reserved for future log rotation / segment generations
	ByteOffset uint64
}

// Zero is the offset of an empty stream, and the value "-1" resolves to.
var Zero = Offset{}

// String renders the canonical 16-digit zero-padded, lexicographically
// sortable form.
func (o Offset) String() string {
	return fmt.Sprintf("%016d_%016d", o.ReadSeq, o.ByteOffset)
}

// IsZero reports whether this is the initial offset.
func (o Offset) IsZero() bool {
	return o.ReadSeq == 0 && o.ByteOffset == 0
}

// Add returns the offset advanced by n bytes within the same read segment.
func (o Offset) Add(n uint64) Offset {
	return Offset{ReadSeq: o.ReadSeq, ByteOffset: o.ByteOffset + n}
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func Compare(a, b Offset) int {
	switch {
	case a.ReadSeq != b.ReadSeq:
		if a.ReadSeq < b.ReadSeq {
			return -1
		}
		return 1
	case a.ByteOffset != b.ByteOffset:
		if a.ByteOffset < b.ByteOffset {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// LessThan reports whether o < other.
func (o Offset) LessThan(other Offset) bool { return Compare(o, other) < 0 }

// Equal reports whether o == other.
func (o Offset) Equal(other Offset) bool { return Compare(o, other) == 0 }

// sentinelNow is the query-string spelling of the "tail" sentinel. It never
// decodes to a concrete Offset on its own — callers must call ResolveNow
// against a known tail offset first.
const sentinelNow = "now"

// IsNow reports whether the raw query value is the "now" sentinel.
func IsNow(raw string) bool {
	return raw == sentinelNow
}

// IsStart reports whether the raw query value is the "-1" sentinel or empty
// (equivalent ways of saying "beginning of stream").
func IsStart(raw string) bool {
	return raw == "" || raw == "-1"
}

// Parse validates and decodes an offset query value. "-1" and "" decode to
// Zero. "now" is rejected here — callers must special-case it via IsNow and
// resolve it against the stream's current tail with ResolveNow, since "now"
// has no meaning outside of a specific stream.
func Parse(raw string) (Offset, error) {
	if IsStart(raw) {
		return Zero, nil
	}
	if IsNow(raw) {
		return Offset{}, fmt.Errorf("offset: %q requires stream context, call ResolveNow", raw)
	}
	if !validFormat(raw) {
		return Offset{}, fmt.Errorf("offset: invalid format %q, want \"-1\", \"now\", or \"digits_digits\"", raw)
	}
	parts := strings.SplitN(raw, "_", 2)
	readSeq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("offset: invalid read-seq: %w", err)
	}
	byteOffset, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("offset: invalid byte-offset: %w", err)
	}
	return Offset{ReadSeq: readSeq, ByteOffset: byteOffset}, nil
}

// ResolveNow decodes a raw offset query value, resolving the "now" sentinel
// to the given tail offset.
func ResolveNow(raw string, tail Offset) (Offset, error) {
	if IsNow(raw) {
		return tail, nil
	}
	return Parse(raw)
}

// validFormat reports whether s is exactly "digits_digits" with no leading
// sign, no extra separators, and the underscore in the interior.
func validFormat(s string) bool {
	underscore := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
			if underscore != -1 {
				return false
			}
			underscore = i
		case c < '0' || c > '9':
			return false
		}
	}
	return underscore > 0 && underscore < len(s)-1
}
