package edge

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/trustlab/clarion/internal/sketch"
	"github.com/trustlab/clarion/internal/telemetry"
	"github.com/trustlab/clarion/pkg/models"
)

// SyncClient ships sketch batches from the switch to the backend.
//
// Batches are independent: a failed batch is retained for the next cycle and
// reported, it never blocks or poisons the others. Retries use a fixed delay
// (no backoff in the core) and every HTTP call carries a deadline. The
// client is cooperatively cancellable between batches.
type SyncClient struct {
	BackendURL string
	SwitchID   string
	BatchSize  int
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
	Compress   bool
	Binary     bool // binary framing vs structured JSON envelope

	httpClient *http.Client
	sequence   atomic.Uint64
	retained   []*sketch.EndpointSketch
	metrics    *telemetry.EdgeMetrics
}

// SyncConfig carries the tunables; zero values fall back to defaults.
type SyncConfig struct {
	BackendURL string
	SwitchID   string
	BatchSize  int
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
	Compress   bool
	Binary     bool
}

// BatchResult reports one batch's outcome. Partial success across a cycle is
// normal and surfaced per batch.
type BatchResult struct {
	BatchID     string
	SketchCount int
	Sequence    uint64
	Attempts    int
	Err         error
}

// NewSyncClient builds a client. Defaults: batch 100, 3 retries, 5 s delay,
// 30 s per-call deadline.
func NewSyncClient(cfg SyncConfig, metrics *telemetry.EdgeMetrics) *SyncClient {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SyncClient{
		BackendURL: cfg.BackendURL,
		SwitchID:   cfg.SwitchID,
		BatchSize:  cfg.BatchSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Timeout:    cfg.Timeout,
		Compress:   cfg.Compress,
		Binary:     cfg.Binary,
		httpClient: &http.Client{},
		metrics:    metrics,
	}
}

// SyncAll ships every sketch in the snapshot plus anything retained from
// earlier failed cycles. Oversized inputs split into BatchSize batches.
func (c *SyncClient) SyncAll(ctx context.Context, sketches []*sketch.EndpointSketch) []BatchResult {
	pending := append(c.retained, sketches...)
	c.retained = nil

	var results []BatchResult
	for start := 0; start < len(pending); start += c.BatchSize {
		select {
		case <-ctx.Done():
			// Everything not yet shipped is retained for the next cycle.
			c.retained = append(c.retained, pending[start:]...)
			c.updateRetainedGauge()
			return results
		default:
		}

		end := start + c.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		res := c.sendBatch(ctx, batch)
		results = append(results, res)

		if res.Err != nil {
			c.retained = append(c.retained, batch...)
			if c.metrics != nil {
				c.metrics.SyncErrors.Inc()
				c.metrics.SyncBatches.WithLabelValues("failed").Inc()
			}
			log.Printf("[Sync] batch %s failed after %d attempts: %v (retaining %d sketches)",
				res.BatchID, res.Attempts, res.Err, len(batch))
		} else if c.metrics != nil {
			c.metrics.SyncBatches.WithLabelValues("ok").Inc()
		}
	}
	c.updateRetainedGauge()
	return results
}

// RetainedCount reports sketches waiting for the next cycle.
func (c *SyncClient) RetainedCount() int { return len(c.retained) }

func (c *SyncClient) updateRetainedGauge() {
	if c.metrics != nil {
		c.metrics.SyncRetained.Set(float64(len(c.retained)))
	}
}

// sendBatch encodes and posts one batch with the fixed-delay retry loop.
func (c *SyncClient) sendBatch(ctx context.Context, batch []*sketch.EndpointSketch) BatchResult {
	res := BatchResult{
		BatchID:     uuid.NewString(),
		SketchCount: len(batch),
		Sequence:    c.sequence.Add(1),
	}

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.SyncDuration.Observe(time.Since(start).Seconds())
		}
	}()

	body, contentType, err := c.encode(batch, res.Sequence)
	if err != nil {
		res.Err = fmt.Errorf("encode batch: %w", err)
		return res
	}

	for attempt := 1; attempt <= c.MaxRetries; attempt++ {
		res.Attempts = attempt

		err = c.post(ctx, body, contentType, len(batch), res.Sequence)
		if err == nil {
			return res
		}

		if attempt < c.MaxRetries {
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				return res
			case <-time.After(c.RetryDelay):
			}
		}
	}
	res.Err = err
	return res
}

func (c *SyncClient) encode(batch []*sketch.EndpointSketch, seq uint64) ([]byte, string, error) {
	if c.Binary {
		payload := EncodeBinaryBatch(batch)
		if c.Compress {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(payload); err != nil {
				return nil, "", err
			}
			if err := zw.Close(); err != nil {
				return nil, "", err
			}
			payload = buf.Bytes()
		}
		return payload, "application/octet-stream", nil
	}

	envelope := models.SyncEnvelope{
		SwitchID:    c.SwitchID,
		Timestamp:   time.Now().Unix(),
		Sequence:    seq,
		SketchCount: len(batch),
		Sketches:    make([]models.SketchSummary, 0, len(batch)),
	}
	for _, s := range batch {
		envelope.Sketches = append(envelope.Sketches, s.Summary())
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, "", err
	}
	return payload, "application/json", nil
}

func (c *SyncClient) post(ctx context.Context, body []byte, contentType string, count int, seq uint64) error {
	callCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.BackendURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Switch-ID", c.SwitchID)
	req.Header.Set("X-Sketch-Count", strconv.Itoa(count))
	req.Header.Set("X-Sequence", strconv.FormatUint(seq, 10))
	if c.Binary && c.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	// Any 2xx acknowledges the batch; the body is irrelevant to the core.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned %d", resp.StatusCode)
	}
	return nil
}

// EncodeBinaryBatch renders the length-prefixed frame: a 4-byte little-endian
// sketch count, then per sketch a 4-byte length prefix and the serialized
// bytes.
func EncodeBinaryBatch(batch []*sketch.EndpointSketch) []byte {
	var buf bytes.Buffer
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(batch)))
	buf.Write(scratch[:])
	for _, s := range batch {
		blob := s.Serialize()
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(blob)))
		buf.Write(scratch[:])
		buf.Write(blob)
	}
	return buf.Bytes()
}

// DecodeBinaryBatch parses EncodeBinaryBatch output (after any gzip layer).
func DecodeBinaryBatch(data []byte) ([]*sketch.EndpointSketch, error) {
	if len(data) < 4 {
		return nil, sketch.ErrInvalidFormat
	}
	count := binary.LittleEndian.Uint32(data[:4])
	off := 4

	sketches := make([]*sketch.EndpointSketch, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(data) {
			return nil, sketch.ErrInvalidFormat
		}
		n := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if n < 0 || off+n > len(data) {
			return nil, sketch.ErrInvalidFormat
		}
		s, err := sketch.DeserializeEndpointSketch(data[off : off+n])
		if err != nil {
			return nil, err
		}
		sketches = append(sketches, s)
		off += n
	}
	return sketches, nil
}
