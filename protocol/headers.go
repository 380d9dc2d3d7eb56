package protocol

import (
	"regexp"
	"strconv"
	"time"

	"github.com/durastream/durastream/streamstore"
)

// Header names, per spec §6 ("Request headers" / "Response headers (core)").
const (
	HeaderStreamNextOffset     = "Stream-Next-Offset"
	HeaderStreamUpToDate       = "Stream-Up-To-Date"
	HeaderStreamCursor         = "Stream-Cursor"
	HeaderStreamSeq            = "Stream-Seq"
	HeaderStreamTTL            = "Stream-TTL"
	HeaderStreamExpiresAt      = "Stream-Expires-At"
	HeaderStreamClosed         = "Stream-Closed"
	HeaderProducerId           = "Producer-Id"
	HeaderProducerEpoch        = "Producer-Epoch"
	HeaderProducerSeq          = "Producer-Seq"
	HeaderProducerExpectedSeq  = "Producer-Expected-Seq"
	HeaderProducerReceivedSeq  = "Producer-Received-Seq"
)

// strictDecimal matches a non-negative integer in strict decimal form: no
// leading zeros (except the literal "0"), no sign, no separators (spec §9:
// "integer-only fields reject leading zeros and signs").
var strictDecimal = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)

func parseStrictDecimal(s string) (int64, bool) {
	if !strictDecimal.MatchString(s) {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseTTL validates Stream-TTL: a positive integer number of seconds in
// strict decimal form.
func parseTTL(s string) (int64, error) {
	n, ok := parseStrictDecimal(s)
	if !ok || n <= 0 {
		return 0, errInvalidHeader
	}
	return n, nil
}

// parseExpiresAt validates Stream-Expires-At as an ISO-8601/RFC3339 UTC
// timestamp.
func parseExpiresAt(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errInvalidHeader
	}
	return t, nil
}

// parseProducerTrio validates the Producer-Id/Producer-Epoch/Producer-Seq
// header set: either all three headers are present, or none are (spec
// §4.6). Returns (nil, nil) when none are present.
func parseProducerTrio(id, epoch, seq string) (*streamstore.ProducerTrio, error) {
	present := 0
	if id != "" {
		present++
	}
	if epoch != "" {
		present++
	}
	if seq != "" {
		present++
	}
	if present == 0 {
		return nil, nil
	}
	if present != 3 {
		return nil, errPartialProducerHeaders
	}

	epochN, ok := parseStrictDecimal(epoch)
	if !ok {
		return nil, errInvalidHeader
	}
	seqN, ok := parseStrictDecimal(seq)
	if !ok {
		return nil, errInvalidHeader
	}

	return &streamstore.ProducerTrio{Id: id, Epoch: epochN, Seq: seqN}, nil
}
