package protocol

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/durastream/durastream/streamstore"
)

// httpError is the sole vocabulary the Protocol Engine uses to translate
// Store errors (and its own validation failures) into HTTP responses (spec
// §7: "the Protocol Engine is the sole translator to HTTP").
type httpError struct {
	status  int
	message string
	headers map[string]string
}

func (e *httpError) Error() string { return e.message }

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func newHTTPErrorWithHeaders(status int, message string, headers map[string]string) *httpError {
	return &httpError{status: status, message: message, headers: headers}
}

var (
	errInvalidHeader          = newHTTPError(http.StatusBadRequest, "invalid header value")
	errPartialProducerHeaders = newHTTPError(http.StatusBadRequest, "Producer-Id, Producer-Epoch, and Producer-Seq must all be present or all be absent")
	errInvalidOffset          = newHTTPError(http.StatusBadRequest, "invalid offset")
	errMissingContentType     = newHTTPError(http.StatusBadRequest, "Content-Type header is required")
	errEmptyBody              = newHTTPError(http.StatusBadRequest, "empty body not allowed")
	errMultipleOffsetParams   = newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
	errEmptyOffsetParam       = newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
	errOffsetRequiredForLive  = newHTTPError(http.StatusBadRequest, "offset is required for live mode")
	errTTLAndExpiresAt        = newHTTPError(http.StatusBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	errSSEContentType         = newHTTPError(http.StatusBadRequest, "SSE mode requires an application/json or text/* stream")
	errSSENotSupported        = newHTTPError(http.StatusInternalServerError, "streaming not supported by this response writer")
)

// translateStoreError maps a streamstore error to its HTTP surface (spec §7
// table), preserving the extra headers stale-epoch and sequence-gap carry.
func translateStoreError(err error) *httpError {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	var gapErr *streamstore.ProducerGapError
	if errors.As(err, &gapErr) {
		return newHTTPErrorWithHeaders(http.StatusConflict, "producer sequence gap", map[string]string{
			HeaderProducerExpectedSeq: strconv.FormatInt(gapErr.Expected, 10),
			HeaderProducerReceivedSeq: strconv.FormatInt(gapErr.Received, 10),
		})
	}

	var staleErr *streamstore.StaleEpochError
	if errors.As(err, &staleErr) {
		return newHTTPErrorWithHeaders(http.StatusForbidden, "producer epoch is stale", map[string]string{
			HeaderProducerEpoch: strconv.FormatInt(staleErr.Current, 10),
		})
	}

	switch {
	case errors.Is(err, streamstore.ErrStreamNotFound):
		return newHTTPError(http.StatusNotFound, "stream not found")
	case errors.Is(err, streamstore.ErrConfigMismatch):
		return newHTTPError(http.StatusConflict, "stream exists with different configuration")
	case errors.Is(err, streamstore.ErrContentTypeMismatch):
		return newHTTPError(http.StatusConflict, "content type mismatch")
	case errors.Is(err, streamstore.ErrSequenceConflict):
		return newHTTPError(http.StatusConflict, "Stream-Seq conflict")
	case errors.Is(err, streamstore.ErrStreamClosed):
		return newHTTPError(http.StatusConflict, "stream is closed")
	case errors.Is(err, streamstore.ErrEmptyBody):
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	case errors.Is(err, streamstore.ErrEmptyJSONArray):
		return newHTTPError(http.StatusBadRequest, "empty JSON array not allowed")
	case errors.Is(err, streamstore.ErrInvalidJSON):
		return newHTTPError(http.StatusBadRequest, "invalid JSON")
	case errors.Is(err, streamstore.ErrInvalidEpochSeq):
		return newHTTPError(http.StatusBadRequest, "new epoch must start at sequence 0")
	case errors.Is(err, streamstore.ErrPartialProducer):
		return errPartialProducerHeaders
	default:
		return nil // caller treats nil as an internal error (500)
	}
}
