package protocol

import "net/http"

// applyStandardHeaders sets the headers spec §4.6 requires on every
// response: CORS wide-open (policy itself is out of scope per SPEC_FULL.md
// §5; the headers are ambient HTTP-surface plumbing) plus the standard
// security headers.
func applyStandardHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cross-Origin-Resource-Policy", "cross-origin")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers",
		"Content-Type, If-None-Match, "+
			HeaderStreamSeq+", "+HeaderStreamTTL+", "+HeaderStreamExpiresAt+", "+HeaderStreamClosed+", "+
			HeaderProducerId+", "+HeaderProducerEpoch+", "+HeaderProducerSeq)
	h.Set("Access-Control-Expose-Headers",
		"ETag, Content-Type, Location, "+
			HeaderStreamNextOffset+", "+HeaderStreamUpToDate+", "+HeaderStreamCursor+", "+HeaderStreamTTL+", "+HeaderStreamExpiresAt+", "+HeaderStreamClosed+", "+
			HeaderProducerEpoch+", "+HeaderProducerSeq+", "+HeaderProducerExpectedSeq+", "+HeaderProducerReceivedSeq)
}
