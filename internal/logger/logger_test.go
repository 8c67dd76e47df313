package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// captureSink records every flushed batch.
type captureSink struct {
	mu      sync.Mutex
	batches [][]Entry
}

func (c *captureSink) WriteBatch(_ context.Context, entries []Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]Entry, len(entries))
	copy(batch, entries)
	c.batches = append(c.batches, batch)
	return nil
}

func (c *captureSink) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func testEntry(model string) Entry {
	return Entry{
		ID:           uuid.New(),
		Model:        model,
		Family:       "openai",
		User:         "u1",
		InputTokens:  10,
		OutputTokens: 5,
		LatencyMs:    120,
		Status:       200,
		CreatedAt:    time.Now(),
	}
}

func TestLogger_CloseDrainsBuffer(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), slog.Default(), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 25
	for i := 0; i < n; i++ {
		l.Log(testEntry("gpt-x"))
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := sink.total(); got != n {
		t.Errorf("flushed %d entries, want %d", got, n)
	}
	if l.DroppedLogs() != 0 {
		t.Errorf("DroppedLogs = %d, want 0", l.DroppedLogs())
	}
}

func TestLogger_FlushesFullBatches(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), slog.Default(), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	for i := 0; i < batchSize; i++ {
		l.Log(testEntry("gpt-x"))
	}

	// The worker flushes as soon as a batch fills, well before the ticker.
	deadline := time.Now().Add(2 * time.Second)
	for sink.total() < batchSize && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.total(); got != batchSize {
		t.Errorf("flushed %d entries, want %d", got, batchSize)
	}
}

func TestSlogSink_WritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	sink := &SlogSink{Log: slog.New(slog.NewJSONHandler(&buf, nil))}

	e := testEntry("claude-x")
	e.Project = "p1"
	e.Org = "o1"

	if err := sink.WriteBatch(context.Background(), []Entry{e}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if record["model"] != "claude-x" || record["project"] != "p1" || record["org"] != "o1" {
		t.Errorf("record = %v", record)
	}
	if record["status"] != float64(200) {
		t.Errorf("status = %v", record["status"])
	}
}

func TestLogger_NilContextRejected(t *testing.T) {
	//nolint:staticcheck // testing the nil-context guard on purpose
	if _, err := New(nil, slog.Default(), nil); err == nil {
		t.Fatal("expected error for nil context")
	}
}
