package logger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// requestLogsDDL bootstraps the request log table. MergeTree ordered by time
// keeps recent-window queries cheap.
const requestLogsDDL = `
CREATE TABLE IF NOT EXISTS request_logs (
    id            UUID,
    model         LowCardinality(String),
    family        LowCardinality(String),
    user          String,
    project       String,
    org           String,
    input_tokens  UInt32,
    output_tokens UInt32,
    latency_ms    UInt32,
    status        UInt16,
    stream        Bool,
    created_at    DateTime64(3, 'UTC')
) ENGINE = MergeTree()
ORDER BY (created_at, model)
TTL toDateTime(created_at) + INTERVAL 90 DAY
`

// ClickHouseSink persists request log batches to a ClickHouse table.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects to ClickHouse and ensures the request_logs
// table exists.
func NewClickHouseSink(ctx context.Context, addr, database, username, password string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	if err := conn.Exec(ctx, requestLogsDDL); err != nil {
		return nil, fmt.Errorf("clickhouse: create request_logs: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

// WriteBatch implements Sink.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, entries []Entry) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_logs")
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}

	for _, e := range entries {
		if err := batch.Append(
			e.ID,
			e.Model,
			e.Family,
			e.User,
			e.Project,
			e.Org,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Stream,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send batch: %w", err)
	}
	return nil
}

// Close releases the connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
