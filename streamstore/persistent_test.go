package streamstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/durastream/durastream/offset"
)

func newTestPersistentStore(t *testing.T) *PersistentStore {
	t.Helper()
	dir := t.TempDir()
	meta, err := NewBboltMetadataStore(dir)
	if err != nil {
		t.Fatalf("NewBboltMetadataStore: %v", err)
	}
	store, err := NewPersistentStore(dir, meta, PersistentStoreOptions{})
	if err != nil {
		t.Fatalf("NewPersistentStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPersistentCreateAndRead(t *testing.T) {
	s := newTestPersistentStore(t)

	meta, created, err := s.Create("/s", CreateOptions{ContentType: "text/plain", InitialData: []byte("hello")})
	if err != nil || !created {
		t.Fatalf("Create() = %v, %v, %v", meta, created, err)
	}
	if meta.CurrentOffset.ByteOffset != 5 {
		t.Fatalf("unexpected offset: %d", meta.CurrentOffset.ByteOffset)
	}

	messages, upToDate, err := s.Read("/s", offset.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if upToDate || len(messages) != 1 || string(messages[0].Data) != "hello" {
		t.Fatalf("Read() = %v, %v", messages, upToDate)
	}
}

func TestPersistentAppendAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	meta, err := NewBboltMetadataStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	store, err := NewPersistentStore(dir, meta, PersistentStoreOptions{})
	if err != nil {
		t.Fatal(err)
	}
	store.Create("/s", CreateOptions{ContentType: "text/plain"})
	store.Append("/s", []byte("one"), AppendOptions{ContentType: "text/plain"})
	store.Close()

	meta2, err := NewBboltMetadataStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	reopened, err := NewPersistentStore(dir, meta2, PersistentStoreOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	result, err := reopened.Append("/s", []byte("two"), AppendOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if result.Offset.ByteOffset != 6 {
		t.Fatalf("unexpected offset after reopen append: %d", result.Offset.ByteOffset)
	}

	messages, _, err := reopened.Read("/s", offset.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 || string(messages[0].Data) != "one" || string(messages[1].Data) != "two" {
		t.Fatalf("unexpected messages after reopen: %v", messages)
	}
}

func TestPersistentProducerFencing(t *testing.T) {
	s := newTestPersistentStore(t)
	s.Create("/s", CreateOptions{ContentType: "text/plain"})

	trio := &ProducerTrio{Id: "p1", Epoch: 0, Seq: 0}
	if _, err := s.Append("/s", []byte("a"), AppendOptions{ContentType: "text/plain", Producer: trio}); err != nil {
		t.Fatal(err)
	}

	dup, err := s.Append("/s", []byte("b"), AppendOptions{ContentType: "text/plain", Producer: trio})
	if err != nil {
		t.Fatalf("duplicate should not error: %v", err)
	}
	if dup.ProducerResult != ProducerOutcomeDuplicate {
		t.Fatalf("expected duplicate, got %v", dup.ProducerResult)
	}

	gap := &ProducerTrio{Id: "p1", Epoch: 0, Seq: 5}
	_, err = s.Append("/s", []byte("c"), AppendOptions{ContentType: "text/plain", Producer: gap})
	var gapErr *ProducerGapError
	if !errors.As(err, &gapErr) {
		t.Fatalf("expected ProducerGapError, got %v", err)
	}
}

func TestPersistentDeleteRemovesSegmentFiles(t *testing.T) {
	s := newTestPersistentStore(t)
	s.Create("/s", CreateOptions{ContentType: "text/plain", InitialData: []byte("x")})

	if err := s.Delete("/s"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("/s"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound after delete, got %v", err)
	}

	_, created, err := s.Create("/s", CreateOptions{ContentType: "text/plain"})
	if err != nil || !created {
		t.Fatalf("recreate after delete failed: %v %v", created, err)
	}
	messages, _, err := s.Read("/s", offset.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 0 {
		t.Fatalf("recreated stream should start empty, got %v", messages)
	}
}

func TestPersistentWaitForMessagesResolvesOnAppend(t *testing.T) {
	s := newTestPersistentStore(t)
	s.Create("/s", CreateOptions{ContentType: "text/plain"})

	done := make(chan []Message, 1)
	go func() {
		messages, timedOut, err := s.WaitForMessages(context.Background(), "/s", offset.Zero, time.Second)
		if err != nil || timedOut {
			t.Errorf("unexpected wait outcome: %v timedOut=%v", err, timedOut)
		}
		done <- messages
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := s.Append("/s", []byte("hi"), AppendOptions{ContentType: "text/plain"}); err != nil {
		t.Fatal(err)
	}

	select {
	case messages := <-done:
		if len(messages) != 1 || string(messages[0].Data) != "hi" {
			t.Fatalf("unexpected messages: %v", messages)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForMessages did not resolve in time")
	}
}
