package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type chunkServer struct {
	mu       sync.Mutex
	received []Metadata
	bodies   []string
	secrets  []string
	status   int
}

func newChunkServer() (*chunkServer, *httptest.Server) {
	cs := &chunkServer{status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, err := ParseMetadata(r.Header)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		cs.received = append(cs.received, meta)
		cs.bodies = append(cs.bodies, string(body))
		cs.secrets = append(cs.secrets, r.Header.Get(HeaderInstanceSecret))
		status := cs.status
		cs.mu.Unlock()
		w.WriteHeader(status)
	}))
	return cs, srv
}

func TestForwardChunk(t *testing.T) {
	ctx := context.Background()
	cs, srv := newChunkServer()
	defer srv.Close()

	f, err := NewForwarder(ForwarderConfig{TargetURL: srv.URL, InstanceSecret: "sec"})
	if err != nil {
		t.Fatalf("NewForwarder failed: %v", err)
	}

	meta := chunkMeta(0, false)
	if err := f.ForwardChunk(ctx, "t1", []byte("payload"), meta); err != nil {
		t.Fatalf("ForwardChunk failed: %v", err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.received) != 1 {
		t.Fatalf("expected 1 chunk received, got %d", len(cs.received))
	}
	if cs.bodies[0] != "payload" {
		t.Errorf("body lost: %q", cs.bodies[0])
	}
	if cs.secrets[0] != "sec" {
		t.Error("instance secret not forwarded")
	}
	if cs.received[0].FileName != meta.FileName || cs.received[0].ChunkIndex != 0 {
		t.Errorf("metadata lost: %+v", cs.received[0])
	}
}

func TestForwardChunkRetryBudget(t *testing.T) {
	ctx := context.Background()
	cs, srv := newChunkServer()
	defer srv.Close()
	cs.status = http.StatusBadGateway

	f, err := NewForwarder(ForwarderConfig{TargetURL: srv.URL, InstanceSecret: "sec", ChunkRetryMax: 2})
	if err != nil {
		t.Fatalf("NewForwarder failed: %v", err)
	}

	meta := chunkMeta(0, false)
	for i := 0; i < 2; i++ {
		if err := f.ForwardChunk(ctx, "t1", []byte("x"), meta); err == nil {
			t.Fatal("expected forward failure")
		}
	}

	// The budget is spent; no further request reaches the server.
	cs.mu.Lock()
	before := len(cs.received)
	cs.mu.Unlock()
	if err := f.ForwardChunk(ctx, "t1", []byte("x"), meta); err == nil {
		t.Fatal("expected budget-exhausted error")
	}
	cs.mu.Lock()
	after := len(cs.received)
	cs.mu.Unlock()
	if after != before {
		t.Error("exhausted chunk still posted")
	}

	// Other chunks of the same task are unaffected.
	cs.status = http.StatusOK
	if err := f.ForwardChunk(ctx, "t1", []byte("x"), chunkMeta(1, false)); err != nil {
		t.Errorf("unrelated chunk blocked: %v", err)
	}

	// Success clears the counter for that chunk.
	f.ClearTask("t1")
	if err := f.ForwardChunk(ctx, "t1", []byte("x"), meta); err != nil {
		t.Errorf("chunk still blocked after ClearTask: %v", err)
	}
}

func TestShouldSkipUsesRemoteWatermark(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(RemoteProgress{LastChunkIndex: 5, UploadedBytes: 500})
	}))
	defer srv.Close()

	f, err := NewForwarder(ForwarderConfig{TargetURL: srv.URL, InstanceSecret: "sec"})
	if err != nil {
		t.Fatalf("NewForwarder failed: %v", err)
	}

	if !f.ShouldSkip(ctx, srv.URL, "t1", 5) {
		t.Error("chunk at the watermark should be skipped")
	}
	if !f.ShouldSkip(ctx, srv.URL, "t1", 3) {
		t.Error("chunk below the watermark should be skipped")
	}
	if f.ShouldSkip(ctx, srv.URL, "t1", 6) {
		t.Error("chunk above the watermark should be sent")
	}
}

func TestShouldSkipSendsOnError(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, err := NewForwarder(ForwarderConfig{TargetURL: srv.URL, InstanceSecret: "sec"})
	if err != nil {
		t.Fatalf("NewForwarder failed: %v", err)
	}
	if f.ShouldSkip(ctx, srv.URL, "t1", 0) {
		t.Error("progress errors must fall back to sending")
	}
}
