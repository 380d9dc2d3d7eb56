// Command server runs the Durable Streams protocol engine as a standalone
// net/http server, for deployments that don't want the Caddy module.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/durastream/durastream/protocol"
	"github.com/durastream/durastream/streamstore"
)

func main() {
	addr := flag.String("addr", envOr("DURASTREAM_ADDR", ":4437"), "listen address")
	dataDir := flag.String("data-dir", envOr("DURASTREAM_DATA_DIR", ""), "directory for persisted stream data (empty = in-memory)")
	metadataBackend := flag.String("metadata-backend", envOr("DURASTREAM_METADATA_BACKEND", "bbolt"), "metadata backend: bbolt or lmdb")
	maxFileHandles := flag.Int("max-file-handles", 100, "max open segment file handles per pool")
	longPollTimeout := flag.Duration("long-poll-timeout", protocol.DefaultLongPollTimeout, "long-poll / SSE keep-alive timeout")
	cleanupInterval := flag.Duration("cleanup-interval", 0, "idle-stream expiry sweep interval (0 disables)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, cleanup, err := buildStore(*dataDir, *metadataBackend, *maxFileHandles, *cleanupInterval)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}
	defer cleanup()

	server := protocol.NewServer(store, logger)
	server.LongPollTimeout = *longPollTimeout
	server.SSEKeepAlive = *longPollTimeout

	logger.Info("listening", zap.String("addr", *addr), zap.String("data_dir", *dataDir))
	if err := http.ListenAndServe(*addr, server); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func buildStore(dataDir, metadataBackend string, maxFileHandles int, cleanupInterval time.Duration) (streamstore.Store, func(), error) {
	if dataDir == "" {
		store := streamstore.NewMemoryStore()
		return store, func() { store.Close() }, nil
	}

	var metadataStore streamstore.MetadataStore
	var err error
	switch metadataBackend {
	case "bbolt", "":
		metadataStore, err = streamstore.NewBboltMetadataStore(dataDir)
	case "lmdb":
		metadataStore, err = streamstore.NewLMDBMetadataStore(dataDir, 0)
	default:
		return nil, nil, fmt.Errorf("unknown metadata backend %q", metadataBackend)
	}
	if err != nil {
		return nil, nil, err
	}

	persistent, err := streamstore.NewPersistentStore(dataDir, metadataStore, streamstore.PersistentStoreOptions{
		WriterPoolSize: maxFileHandles,
		ReaderPoolSize: maxFileHandles,
	})
	if err != nil {
		return nil, nil, err
	}
	if cleanupInterval > 0 {
		persistent.StartExpirySweep(cleanupInterval)
	}
	return persistent, func() { persistent.Close() }, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
