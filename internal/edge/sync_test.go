package edge

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trustlab/clarion/internal/sketch"
)

func makeSketches(t *testing.T, n int) []*sketch.EndpointSketch {
	t.Helper()
	out := make([]*sketch.EndpointSketch, n)
	for i := range out {
		s := sketch.NewEndpointSketch(
			"aa:bb:cc:dd:ee:"+string(rune('a'+i%26))+string(rune('a'+i/26%26)),
			"sw-test", sketch.DefaultConfig())
		s.RecordOutbound("10.0.0.1", 443, "tcp", 1000, 2, time.Now(), "https")
		out[i] = s
	}
	return out
}

func TestBinaryBatch_RoundTrip(t *testing.T) {
	batch := makeSketches(t, 5)
	decoded, err := DecodeBinaryBatch(EncodeBinaryBatch(batch))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != 5 {
		t.Fatalf("Expected 5 sketches, got %d", len(decoded))
	}
	for i, s := range decoded {
		if s.EndpointID != batch[i].EndpointID {
			t.Errorf("sketch %d id changed: %s != %s", i, s.EndpointID, batch[i].EndpointID)
		}
		if s.FlowCount != batch[i].FlowCount {
			t.Errorf("sketch %d counters changed", i)
		}
	}
}

func TestBinaryBatch_RejectsTruncatedFrame(t *testing.T) {
	data := EncodeBinaryBatch(makeSketches(t, 3))
	if _, err := DecodeBinaryBatch(data[:len(data)/2]); err == nil {
		t.Error("Expected error for truncated frame")
	}
}

func TestSyncClient_StructuredDelivery(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Switch-ID") != "sw-test" {
			t.Errorf("missing X-Switch-ID header")
		}
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewSyncClient(SyncConfig{
		BackendURL: srv.URL,
		SwitchID:   "sw-test",
		BatchSize:  2,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, nil)

	results := c.SyncAll(context.Background(), makeSketches(t, 5))
	if len(results) != 3 {
		t.Fatalf("Expected 3 batches for 5 sketches at batch size 2, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("batch %s failed: %v", r.BatchID, r.Err)
		}
	}
	if received.Load() != 3 {
		t.Errorf("backend saw %d batches", received.Load())
	}
	if c.RetainedCount() != 0 {
		t.Errorf("Expected no retained sketches, got %d", c.RetainedCount())
	}
}

func TestSyncClient_BinaryGzipDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			t.Error("missing Content-Encoding header")
		}
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("bad gzip payload: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		raw, _ := io.ReadAll(zr)
		decoded, err := DecodeBinaryBatch(raw)
		if err != nil || len(decoded) != 4 {
			t.Errorf("decode failed: %v (%d sketches)", err, len(decoded))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewSyncClient(SyncConfig{
		BackendURL: srv.URL,
		SwitchID:   "sw-test",
		BatchSize:  10,
		Binary:     true,
		Compress:   true,
		RetryDelay: time.Millisecond,
	}, nil)

	results := c.SyncAll(context.Background(), makeSketches(t, 4))
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("binary sync failed: %+v", results)
	}
}

func TestSyncClient_RetriesThenRetains(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewSyncClient(SyncConfig{
		BackendURL: srv.URL,
		SwitchID:   "sw-test",
		BatchSize:  10,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, nil)

	results := c.SyncAll(context.Background(), makeSketches(t, 4))
	if len(results) != 1 {
		t.Fatalf("Expected 1 batch result, got %d", len(results))
	}
	if results[0].Err == nil {
		t.Fatal("Expected failure against a 503 backend")
	}
	if results[0].Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", results[0].Attempts)
	}
	if attempts.Load() != 3 {
		t.Errorf("backend saw %d attempts", attempts.Load())
	}
	if c.RetainedCount() != 4 {
		t.Errorf("Expected 4 retained sketches, got %d", c.RetainedCount())
	}
}

func TestSyncClient_RetainedShipNextCycle(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewSyncClient(SyncConfig{
		BackendURL: srv.URL,
		SwitchID:   "sw-test",
		BatchSize:  10,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	}, nil)

	c.SyncAll(context.Background(), makeSketches(t, 3))
	if c.RetainedCount() != 3 {
		t.Fatalf("Expected 3 retained after failed cycle, got %d", c.RetainedCount())
	}

	fail.Store(false)
	results := c.SyncAll(context.Background(), nil)
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("retained batch did not ship: %+v", results)
	}
	if c.RetainedCount() != 0 {
		t.Errorf("retained not cleared after success: %d", c.RetainedCount())
	}
}

func TestSyncClient_CancelBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel() // cancel as soon as the first batch lands
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewSyncClient(SyncConfig{
		BackendURL: srv.URL,
		SwitchID:   "sw-test",
		BatchSize:  1,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	}, nil)

	results := c.SyncAll(ctx, makeSketches(t, 5))
	if len(results) >= 5 {
		t.Errorf("Expected early stop after cancellation, got %d batches", len(results))
	}
	if c.RetainedCount() == 0 {
		t.Error("Expected unsent sketches to be retained after cancellation")
	}
}

func TestSyncClient_SequenceMonotonic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewSyncClient(SyncConfig{
		BackendURL: srv.URL,
		SwitchID:   "sw-test",
		BatchSize:  1,
		RetryDelay: time.Millisecond,
	}, nil)

	results := c.SyncAll(context.Background(), makeSketches(t, 3))
	var prev uint64
	for _, r := range results {
		if r.Sequence <= prev {
			t.Errorf("sequence not monotonically increasing: %d after %d", r.Sequence, prev)
		}
		prev = r.Sequence
	}
}
