package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/durastream/durastream/cursor"
	"github.com/durastream/durastream/offset"
	"github.com/durastream/durastream/streamstore"
)

// controlEvent is the JSON payload of the periodic SSE "control" event
// (spec §4.6 scenario 7): it tells the client where it stands without
// carrying any message data.
type controlEvent struct {
	StreamNextOffset string `json:"streamNextOffset"`
	StreamCursor     string `json:"streamCursor"`
	UpToDate         bool   `json:"upToDate"`
	StreamClosed     bool   `json:"streamClosed,omitempty"`
}

// handleSSE streams data/control events until the client disconnects or the
// stream is closed and fully drained.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, path string, meta *streamstore.StreamMetadata, at offset.Offset, clientCursor string) error {
	if !isSSEEligibleContentType(meta.ContentType) {
		return errSSEContentType
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return errSSENotSupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	current := at
	isJSON := streamstore.IsJSON(meta.ContentType)

	for {
		messages, upToDate, err := s.Store.Read(path, current)
		if err != nil {
			return nil // stream deleted mid-stream; client sees a closed connection
		}

		for _, msg := range messages {
			if err := writeSSEData(w, ssePayload(msg.Data, isJSON)); err != nil {
				return nil
			}
			current = msg.Offset
		}
		if len(messages) > 0 {
			flusher.Flush()
		}

		latestMeta, err := s.Store.Get(path)
		if err != nil {
			return nil
		}
		// Read returns every message through the tip, so having emitted
		// them leaves the client caught up unless an append landed since.
		upToDate = upToDate || current.Equal(latestMeta.CurrentOffset)

		if err := writeSSEControl(w, current, clientCursor, upToDate, latestMeta.Closed); err != nil {
			return nil
		}
		flusher.Flush()

		if latestMeta.Closed && upToDate {
			return nil
		}

		if !upToDate {
			continue
		}

		timeout := s.longPollTimeout()
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		s.Store.WaitForMessages(waitCtx, path, current, timeout)
		cancel()

		if ctx.Err() != nil {
			return nil // client disconnected
		}
		// Timeout or new data, either way: loop back and re-read/re-emit
		// the control keep-alive.
	}
}

func isSSEEligibleContentType(ct string) bool {
	normalized := streamstore.NormalizeContentType(ct)
	if normalized == "application/json" {
		return true
	}
	if len(normalized) >= 5 && normalized[:5] == "text/" {
		return true
	}
	return false
}

// ssePayload returns the SSE data-frame payload for a stored message: for
// JSON streams, the message's internal trailing-comma form (spec §4.5) is
// stripped back down to the bare JSON value clients expect to see, matching
// the per-message element that formatResponse would render; for everything
// else the raw bytes are emitted unchanged.
func ssePayload(data []byte, isJSON bool) []byte {
	if isJSON {
		return bytes.TrimSuffix(data, []byte(","))
	}
	return data
}

// writeSSEData emits one "event: data" frame. A payload spanning multiple
// source lines is emitted as one "data:" line per line (spec §4.6 SSE
// grammar), since a single "data:" line embedding a raw newline would not
// round-trip through the SSE wire format.
func writeSSEData(w http.ResponseWriter, payload []byte) error {
	if _, err := fmt.Fprint(w, "event: data\n"); err != nil {
		return err
	}
	lines := bytes.Split(payload, []byte("\n"))
	for _, line := range lines {
		if _, err := fmt.Fprintf(w, "data:%s\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(w, "\n"); err != nil {
		return err
	}
	return nil
}

func writeSSEControl(w http.ResponseWriter, at offset.Offset, clientCursor string, upToDate, closed bool) error {
	evt := controlEvent{
		StreamNextOffset: at.String(),
		StreamCursor:     cursor.Generate(time.Now(), clientCursor),
		UpToDate:         upToDate,
		StreamClosed:     closed,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprint(w, "event: control\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data:%s\n\n", body); err != nil {
		return err
	}
	return nil
}
