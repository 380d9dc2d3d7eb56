package protocol

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/durastream/durastream/cursor"
	"github.com/durastream/durastream/offset"
	"github.com/durastream/durastream/streamstore"
)

const (
	// DefaultLongPollTimeout is the spec §5 default.
	DefaultLongPollTimeout = 30 * time.Second
)

// Server is the Durable Streams Protocol Engine: a plain net/http.Handler
// that maps methods/paths/headers/query onto a streamstore.Store and owns
// nothing Caddy-specific. The Caddy module in package durastream wraps this
// type; cmd/server runs it directly.
type Server struct {
	Store           streamstore.Store
	Logger          *zap.Logger
	LongPollTimeout time.Duration
	SSEKeepAlive    time.Duration
}

// NewServer constructs a Server with spec-default timeouts; zero-value
// fields on the returned Server may still be overridden before first use.
func NewServer(store streamstore.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Store:           store,
		Logger:          logger,
		LongPollTimeout: DefaultLongPollTimeout,
		SSEKeepAlive:    DefaultLongPollTimeout,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	applyStandardHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	logger := s.Logger.With(zap.String("request_id", requestID), zap.String("method", r.Method), zap.String("path", r.URL.Path))
	logger.Debug("handling request", zap.String("query", r.URL.RawQuery))

	var err error
	switch r.Method {
	case http.MethodPut:
		err = s.handleCreate(w, r, r.URL.Path)
	case http.MethodHead:
		err = s.handleHead(w, r, r.URL.Path)
	case http.MethodGet:
		err = s.handleRead(w, r, r.URL.Path)
	case http.MethodPost:
		err = s.handleAppend(w, r, r.URL.Path)
	case http.MethodDelete:
		err = s.handleDelete(w, r, r.URL.Path)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err != nil {
		s.writeError(w, logger, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	httpErr := translateStoreError(err)
	if httpErr == nil {
		logger.Error("internal error", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	for k, v := range httpErr.headers {
		w.Header().Set(k, v)
	}
	http.Error(w, httpErr.message, httpErr.status)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return errTTLAndExpiresAt
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return err
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := parseExpiresAt(expiresAtStr)
		if err != nil {
			return err
		}
		expiresAt = &t
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}

	meta, created, err := s.Store.Create(path, streamstore.CreateOptions{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		InitialData: body,
	})
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.CurrentOffset.String())

	if created {
		w.Header().Set("Location", requestURL(r))
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := s.Store.Get(path)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.CurrentOffset.String())
	w.Header().Set("Cache-Control", "no-store")
	if meta.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*meta.TTLSeconds, 10))
	}
	if meta.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, meta.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

// parseOffsetQuery implements the offset query validation of spec §4.6:
// multiple values and an explicit empty value are both 400. The live and
// cursor parameters are not examined here.
func parseOffsetQuery(query url.Values) (raw string, provided bool, err error) {
	values, ok := query["offset"]
	if !ok {
		return "", false, nil
	}
	if len(values) > 1 {
		return "", false, errMultipleOffsetParams
	}
	if values[0] == "" {
		return "", false, errEmptyOffsetParam
	}
	return values[0], true, nil
}

func etag(path, requestOffsetRaw string, responseOffset offset.Offset) string {
	encodedPath := base64.StdEncoding.EncodeToString([]byte(path))
	return fmt.Sprintf(`"%s:%s:%s"`, encodedPath, requestOffsetRaw, responseOffset.String())
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := s.Store.Get(path)
	if err != nil {
		return err
	}

	rawOffset, offsetProvided, err := parseOffsetQuery(r.URL.Query())
	if err != nil {
		return err
	}

	requestOffset, err := offset.ResolveNow(rawOffset, meta.CurrentOffset)
	if err != nil {
		return errInvalidOffset
	}

	liveMode := r.URL.Query().Get("live")
	clientCursor := r.URL.Query().Get("cursor")

	if (liveMode == "long-poll" || liveMode == "sse") && !offsetProvided {
		return errOffsetRequiredForLive
	}

	if liveMode == "sse" {
		return s.handleSSE(w, r, path, meta, requestOffset, clientCursor)
	}

	messages, upToDate, err := s.Store.Read(path, requestOffset)
	if err != nil {
		return err
	}

	if liveMode == "long-poll" && upToDate {
		return s.handleLongPoll(w, r, path, meta, requestOffset, rawOffset, clientCursor)
	}

	nextOffset := requestOffset
	if len(messages) > 0 {
		nextOffset = messages[len(messages)-1].Offset
	} else {
		nextOffset = meta.CurrentOffset
	}
	// Read always returns every message through the tip, so a successful
	// catch-up response leaves the client caught up to the current offset
	// regardless of where it started reading from.
	caughtUp := nextOffset.Equal(meta.CurrentOffset)

	requestOffsetForETag := "-1"
	if offsetProvided && !offset.IsStart(rawOffset) {
		requestOffsetForETag = requestOffset.String()
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, nextOffset.String())
	if meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if caughtUp {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	w.Header().Set("ETag", etag(path, requestOffsetForETag, nextOffset))

	if offset.IsNow(rawOffset) {
		w.Header().Set("Cache-Control", "no-store")
	} else if !upToDate && len(messages) > 0 {
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	}

	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" && ifNoneMatch == w.Header().Get("ETag") {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	body, err := s.Store.FormatResponse(path, messages)
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return nil
}

func (s *Server) handleLongPoll(w http.ResponseWriter, r *http.Request, path string, meta *streamstore.StreamMetadata, requestOffset offset.Offset, rawOffset, clientCursor string) error {
	if meta.Closed {
		w.Header().Set("Content-Type", meta.ContentType)
		w.Header().Set(HeaderStreamNextOffset, meta.CurrentOffset.String())
		w.Header().Set(HeaderStreamUpToDate, "true")
		w.Header().Set(HeaderStreamClosed, "true")
		w.Header().Set(HeaderStreamCursor, cursor.Generate(time.Now(), clientCursor))
		w.WriteHeader(http.StatusOK)
		return nil
	}

	timeout := s.longPollTimeout()
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	messages, timedOut, err := s.Store.WaitForMessages(ctx, path, requestOffset, timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			timedOut = true
		} else {
			return err
		}
	}

	responseCursor := cursor.Generate(time.Now(), clientCursor)

	if timedOut || len(messages) == 0 {
		w.Header().Set("Content-Type", meta.ContentType)
		w.Header().Set(HeaderStreamNextOffset, requestOffset.String())
		w.Header().Set(HeaderStreamUpToDate, "true")
		w.Header().Set(HeaderStreamCursor, responseCursor)
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	nextOffset := messages[len(messages)-1].Offset
	currentMeta, err := s.Store.Get(path)
	if err != nil {
		return err
	}
	upToDate := nextOffset.Equal(currentMeta.CurrentOffset)

	requestOffsetForETag := "-1"
	if !offset.IsStart(rawOffset) {
		requestOffsetForETag = requestOffset.String()
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, nextOffset.String())
	w.Header().Set(HeaderStreamCursor, responseCursor)
	if currentMeta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if upToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	w.Header().Set("ETag", etag(path, requestOffsetForETag, nextOffset))

	body, err := s.Store.FormatResponse(path, messages)
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return nil
}

func (s *Server) longPollTimeout() time.Duration {
	if s.LongPollTimeout <= 0 {
		return DefaultLongPollTimeout
	}
	return s.LongPollTimeout
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return errMissingContentType
	}

	producer, err := parseProducerTrio(r.Header.Get(HeaderProducerId), r.Header.Get(HeaderProducerEpoch), r.Header.Get(HeaderProducerSeq))
	if err != nil {
		return err
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if len(body) == 0 {
		return errEmptyBody
	}

	closeStream := r.Header.Get(HeaderStreamClosed) == "true"

	result, err := s.Store.Append(path, body, streamstore.AppendOptions{
		ContentType: contentType,
		Seq:         r.Header.Get(HeaderStreamSeq),
		Producer:    producer,
		Close:       closeStream,
	})
	if err != nil {
		return err
	}

	w.Header().Set(HeaderStreamNextOffset, result.Offset.String())
	if result.StreamClosed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	switch result.ProducerResult {
	case streamstore.ProducerOutcomeNone:
		w.WriteHeader(http.StatusNoContent)
	case streamstore.ProducerOutcomeAccepted:
		w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(result.ProducerEpoch, 10))
		w.Header().Set(HeaderProducerSeq, strconv.FormatInt(result.ProducerSeq, 10))
		w.WriteHeader(http.StatusOK)
	case streamstore.ProducerOutcomeDuplicate:
		w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(result.ProducerEpoch, 10))
		w.Header().Set(HeaderProducerSeq, strconv.FormatInt(result.ProducerSeq, 10))
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	if err := s.Store.Delete(path); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
