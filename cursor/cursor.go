// Package cursor generates the time-bucketed Stream-Cursor values used by
// CDN-fronted long-poll clients to collapse identical in-flight requests
// during the same interval, with random jitter to avoid a thundering herd of
// reconnects when an interval rolls over.
package cursor

import (
	"math/rand"
	"strconv"
	"time"
)

// Epoch is the reference instant interval numbers are counted from.
var Epoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

// IntervalSeconds is the width of one cursor bucket.
const IntervalSeconds = 20

const (
	minJitterSeconds = 1
	maxJitterSeconds = 3600
)

// intervalNumber returns floor((t - Epoch) / IntervalSeconds).
func intervalNumber(t time.Time) int64 {
	return int64(t.Sub(Epoch).Seconds()) / IntervalSeconds
}

// Generate computes the Stream-Cursor value for a response given the
// server's current time and the client's previously-seen cursor, if any.
//
// If clientCursor is empty, or doesn't parse as an integer, or is behind the
// current interval, the current interval number is returned directly. If it
// parses and is at or ahead of the current interval, a uniform-random jitter
// of at least one interval (1-3600 seconds, rounded up to whole intervals) is
// added so that many clients whose cursors tick over in lockstep don't all
// reconnect in the same instant.
func Generate(now time.Time, clientCursor string) string {
	current := intervalNumber(now)

	if clientCursor == "" {
		return strconv.FormatInt(current, 10)
	}

	clientInterval, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil || clientInterval < current {
		return strconv.FormatInt(current, 10)
	}

	jitterSeconds := minJitterSeconds + rand.Intn(maxJitterSeconds-minJitterSeconds+1)
	jitterIntervals := int64(jitterSeconds+IntervalSeconds-1) / IntervalSeconds
	if jitterIntervals < 1 {
		jitterIntervals = 1
	}
	return strconv.FormatInt(clientInterval+jitterIntervals, 10)
}
