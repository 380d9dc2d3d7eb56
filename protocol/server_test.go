package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/durastream/durastream/streamstore"
)

func newTestServer() *Server {
	s := NewServer(streamstore.NewMemoryStore(), nil)
	s.LongPollTimeout = 100 * time.Millisecond
	s.SSEKeepAlive = 100 * time.Millisecond
	return s
}

func doRequest(s *Server, method, path string, headers map[string]string, query string, body string) *httptest.ResponseRecorder {
	target := path
	if query != "" {
		target += "?" + query
	}
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

// Scenario 1: create + read (spec §8).
func TestCreateThenRead(t *testing.T) {
	s := newTestServer()

	rec := doRequest(s, http.MethodPut, "/s", map[string]string{"Content-Type": "application/json"}, "", `[{"a":1}]`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("PUT status = %d, want 201", rec.Code)
	}
	if got := rec.Header().Get(HeaderStreamNextOffset); got != "0000000000000000_0000000000000008" {
		t.Fatalf("Stream-Next-Offset = %q", got)
	}

	rec = doRequest(s, http.MethodGet, "/s", nil, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `[{"a":1}]` {
		t.Fatalf("GET body = %q", rec.Body.String())
	}
	if rec.Header().Get(HeaderStreamUpToDate) != "true" {
		t.Fatalf("Stream-Up-To-Date missing on catch-up read")
	}
}

// Scenario 2: append then catch-up read from a mid-stream offset.
func TestAppendThenCatchUp(t *testing.T) {
	s := newTestServer()
	doRequest(s, http.MethodPut, "/s", map[string]string{"Content-Type": "application/json"}, "", `[{"a":1}]`)

	rec := doRequest(s, http.MethodPost, "/s", map[string]string{"Content-Type": "application/json"}, "", `{"b":2}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("POST status = %d, want 204", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/s", nil, "offset=0000000000000000_0000000000000008", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	if rec.Body.String() != `[{"b":2}]` {
		t.Fatalf("GET body = %q", rec.Body.String())
	}
	if rec.Header().Get(HeaderStreamUpToDate) != "true" {
		t.Fatalf("Stream-Up-To-Date missing on catch-up read from a mid-stream offset")
	}
}

// Scenario 3: long-poll timeout.
func TestLongPollTimesOutWhenCaughtUp(t *testing.T) {
	s := newTestServer()
	doRequest(s, http.MethodPut, "/s", map[string]string{"Content-Type": "text/plain"}, "", "hello")

	start := time.Now()
	rec := doRequest(s, http.MethodGet, "/s", nil, "offset=now&live=long-poll", "")
	elapsed := time.Since(start)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get(HeaderStreamUpToDate) != "true" {
		t.Fatalf("Stream-Up-To-Date missing")
	}
	if rec.Header().Get(HeaderStreamCursor) == "" {
		t.Fatalf("Stream-Cursor missing")
	}
	if elapsed < s.LongPollTimeout {
		t.Fatalf("returned before timeout elapsed: %v", elapsed)
	}
}

// Scenario 4: producer idempotent retry.
func TestProducerIdempotentRetry(t *testing.T) {
	s := newTestServer()
	doRequest(s, http.MethodPut, "/s", map[string]string{"Content-Type": "text/plain"}, "", "")

	headers := map[string]string{
		"Content-Type":   "text/plain",
		HeaderProducerId: "p1", HeaderProducerEpoch: "0", HeaderProducerSeq: "0",
	}
	rec := doRequest(s, http.MethodPost, "/s", headers, "", "X")
	if rec.Code != http.StatusOK {
		t.Fatalf("first accepted append status = %d, want 200", rec.Code)
	}

	rec = doRequest(s, http.MethodPost, "/s", headers, "", "X")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("duplicate status = %d, want 204", rec.Code)
	}
	if rec.Header().Get(HeaderProducerEpoch) != "0" || rec.Header().Get(HeaderProducerSeq) != "0" {
		t.Fatalf("duplicate response headers = %v", rec.Header())
	}

	rec = doRequest(s, http.MethodGet, "/s", nil, "", "")
	if rec.Body.String() != "X" {
		t.Fatalf("stream body = %q, want unchanged", rec.Body.String())
	}
}

// Scenario 5: producer sequence gap.
func TestProducerSequenceGap(t *testing.T) {
	s := newTestServer()
	doRequest(s, http.MethodPut, "/s", map[string]string{"Content-Type": "text/plain"}, "", "")
	doRequest(s, http.MethodPost, "/s", map[string]string{
		"Content-Type": "text/plain", HeaderProducerId: "p1", HeaderProducerEpoch: "0", HeaderProducerSeq: "0",
	}, "", "X")

	rec := doRequest(s, http.MethodPost, "/s", map[string]string{
		"Content-Type": "text/plain", HeaderProducerId: "p1", HeaderProducerEpoch: "0", HeaderProducerSeq: "2",
	}, "", "Y")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if rec.Header().Get(HeaderProducerExpectedSeq) != "1" || rec.Header().Get(HeaderProducerReceivedSeq) != "2" {
		t.Fatalf("headers = %v", rec.Header())
	}
}

// Scenario 6: stale epoch.
func TestProducerStaleEpoch(t *testing.T) {
	s := newTestServer()
	doRequest(s, http.MethodPut, "/s", map[string]string{"Content-Type": "text/plain"}, "", "")
	doRequest(s, http.MethodPost, "/s", map[string]string{
		"Content-Type": "text/plain", HeaderProducerId: "p1", HeaderProducerEpoch: "3", HeaderProducerSeq: "0",
	}, "", "X")

	rec := doRequest(s, http.MethodPost, "/s", map[string]string{
		"Content-Type": "text/plain", HeaderProducerId: "p1", HeaderProducerEpoch: "2", HeaderProducerSeq: "0",
	}, "", "Y")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if rec.Header().Get(HeaderProducerEpoch) != "3" {
		t.Fatalf("Producer-Epoch = %q, want 3", rec.Header().Get(HeaderProducerEpoch))
	}
}

// Scenario 7: SSE control event carries the last emitted offset and upToDate.
func TestSSEEmitsDataThenControl(t *testing.T) {
	s := newTestServer()
	doRequest(s, http.MethodPut, "/s", map[string]string{"Content-Type": "application/json"}, "", `[{"a":1}]`)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/s?offset=-1&live=sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.ServeHTTP(rec, req)
		close(done)
	}()

	// Give the handler time to write its first data+control frames before
	// simulating a client disconnect via context cancellation (httptest has
	// no real streaming client to disconnect).
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SSE handler did not return after context cancellation")
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: data") {
		t.Fatalf("missing data event in: %q", body)
	}
	if !strings.Contains(body, `data:{"a":1}`) {
		t.Fatalf("data frame should strip trailing comma, got: %q", body)
	}
	if !strings.Contains(body, "event: control") {
		t.Fatalf("missing control event in: %q", body)
	}
	if !strings.Contains(body, `"upToDate":true`) {
		t.Fatalf("control event missing upToDate:true in: %q", body)
	}
}

func TestHeadMissingStreamIs404(t *testing.T) {
	s := newTestServer()
	rec := doRequest(s, http.MethodHead, "/nope", nil, "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestOffsetNowCatchUpReturnsCurrentOffsetImmediately(t *testing.T) {
	s := newTestServer()
	doRequest(s, http.MethodPut, "/s", map[string]string{"Content-Type": "text/plain"}, "", "hello")

	rec := doRequest(s, http.MethodGet, "/s", nil, "offset=now", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body = %q, want empty", rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("Cache-Control = %q", rec.Header().Get("Cache-Control"))
	}
}

func TestIfNoneMatchReturns304(t *testing.T) {
	s := newTestServer()
	doRequest(s, http.MethodPut, "/s", map[string]string{"Content-Type": "text/plain"}, "", "hello")

	first := doRequest(s, http.MethodGet, "/s", nil, "offset=now", "")
	etagValue := first.Header().Get("ETag")

	second := doRequest(s, http.MethodGet, "/s", map[string]string{"If-None-Match": etagValue}, "offset=now", "")
	if second.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", second.Code)
	}
}

func TestLiveModeRequiresOffset(t *testing.T) {
	s := newTestServer()
	doRequest(s, http.MethodPut, "/s", map[string]string{"Content-Type": "text/plain"}, "", "hello")

	rec := doRequest(s, http.MethodGet, "/s", nil, "live=long-poll", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAppendWithoutContentTypeIs400(t *testing.T) {
	s := newTestServer()
	doRequest(s, http.MethodPut, "/s", map[string]string{"Content-Type": "text/plain"}, "", "hello")

	rec := doRequest(s, http.MethodPost, "/s", nil, "", "more")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeleteThenGetIs404(t *testing.T) {
	s := newTestServer()
	doRequest(s, http.MethodPut, "/s", map[string]string{"Content-Type": "text/plain"}, "", "hello")

	rec := doRequest(s, http.MethodDelete, "/s", nil, "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/s", nil, "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET after delete status = %d, want 404", rec.Code)
	}
}

func TestCORSHeadersPresentOnEveryResponse(t *testing.T) {
	s := newTestServer()
	rec := doRequest(s, http.MethodOptions, "/s", nil, "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
}
