// Package durastream wires the Durable Streams Protocol Engine
// (package protocol) into Caddy as an http.handlers module. It owns nothing
// protocol-specific itself: Caddyfile/JSON config in, a streamstore.Store and
// a protocol.Server out.
package durastream

import (
	"fmt"
	"net/http"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durastream/durastream/protocol"
	"github.com/durastream/durastream/streamstore"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the Durable Streams Protocol as a Caddy HTTP handler.
type Handler struct {
	// DataDir is the directory for persisted stream data. If empty, streams
	// live only in memory (lost on restart — fine for tests, dev, or a
	// single ephemeral session).
	DataDir string `json:"data_dir,omitempty"`

	// MetadataBackend selects the persisted metadata store: "bbolt"
	// (default) or "lmdb". Ignored when DataDir is empty.
	MetadataBackend string `json:"metadata_backend,omitempty"`

	// MaxFileHandles is the maximum number of open segment file handles to
	// cache per pool (writer/reader/index-writer/index-reader).
	MaxFileHandles int `json:"max_file_handles,omitempty"`

	// LongPollTimeout bounds how long a long-poll or SSE keep-alive cycle
	// waits before responding with no new data.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEReconnectInterval is parsed and defaulted (60s) but not used by the
	// server; the SSE keep-alive cadence follows LongPollTimeout.
	SSEReconnectInterval caddy.Duration `json:"sse_reconnect_interval,omitempty"`

	// CleanupInterval, if set, starts a background sweep that deletes
	// expired streams from a persistent store proactively. Ignored for the
	// in-memory store and when DataDir is empty.
	CleanupInterval caddy.Duration `json:"cleanup_interval,omitempty"`

	store  streamstore.Store
	server *protocol.Server
	logger *zap.Logger
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.MaxFileHandles == 0 {
		h.MaxFileHandles = 100
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(protocol.DefaultLongPollTimeout)
	}
	if h.SSEReconnectInterval == 0 {
		h.SSEReconnectInterval = caddy.Duration(60 * time.Second)
	}

	if h.DataDir == "" {
		h.store = streamstore.NewMemoryStore()
		h.logger.Info("using in-memory store (no data_dir configured)")
	} else {
		metadataStore, err := h.newMetadataStore()
		if err != nil {
			return fmt.Errorf("failed to initialize metadata store: %w", err)
		}
		persistent, err := streamstore.NewPersistentStore(h.DataDir, metadataStore, streamstore.PersistentStoreOptions{
			WriterPoolSize: h.MaxFileHandles,
			ReaderPoolSize: h.MaxFileHandles,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize persistent store: %w", err)
		}
		if h.CleanupInterval > 0 {
			persistent.StartExpirySweep(time.Duration(h.CleanupInterval))
		}
		h.store = persistent
		h.logger.Info("using persistent store",
			zap.String("data_dir", h.DataDir),
			zap.String("metadata_backend", h.metadataBackendName()))
	}

	h.server = protocol.NewServer(h.store, h.logger)
	h.server.LongPollTimeout = time.Duration(h.LongPollTimeout)
	h.server.SSEKeepAlive = time.Duration(h.LongPollTimeout)

	return nil
}

func (h *Handler) metadataBackendName() string {
	if h.MetadataBackend == "" {
		return "bbolt"
	}
	return h.MetadataBackend
}

func (h *Handler) newMetadataStore() (streamstore.MetadataStore, error) {
	switch h.metadataBackendName() {
	case "bbolt":
		return streamstore.NewBboltMetadataStore(h.DataDir)
	case "lmdb":
		return streamstore.NewLMDBMetadataStore(h.DataDir, 0)
	default:
		return nil, fmt.Errorf("unknown metadata_backend %q (want bbolt or lmdb)", h.MetadataBackend)
	}
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	switch h.MetadataBackend {
	case "", "bbolt", "lmdb":
		return nil
	default:
		return fmt.Errorf("unknown metadata_backend %q (want bbolt or lmdb)", h.MetadataBackend)
	}
}

// Cleanup releases resources.
func (h *Handler) Cleanup() error {
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// ServeHTTP delegates entirely to the protocol engine; durable_streams
// terminates the middleware chain rather than calling next, matching the
// original handler's behavior of owning every path it's mounted under.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	h.server.ServeHTTP(w, r)
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams:
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    metadata_backend bbolt
//	    max_file_handles 100
//	    long_poll_timeout 30s
//	    sse_reconnect_interval 60s
//	    cleanup_interval 5m
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "metadata_backend":
				if !d.Args(&h.MetadataBackend) {
					return d.ArgErr()
				}
			case "max_file_handles":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.MaxFileHandles, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_file_handles: %v", err)
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "sse_reconnect_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.SSEReconnectInterval = caddy.Duration(dur)
			case "cleanup_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.CleanupInterval = caddy.Duration(dur)
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
