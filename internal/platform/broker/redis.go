// Package broker wraps the Redis Streams primitives the pipeline relies on:
// bounded append, idempotent consumer-group creation, blocking group reads,
// acknowledgement, and reverse range for contract tooling. The underlying
// client is safe for concurrent use and is shared process-wide.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one stream entry: the broker-assigned id plus its field map.
type Entry struct {
	ID     string
	Fields map[string]string
}

type Client struct {
	rdb *redis.Client
}

// New connects to the broker at the given URL (redis://host:port/db).
func New(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse redis url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opt)}, nil
}

// NewFromClient wraps an existing Redis client. Used by tests.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Append adds an entry to the stream, trimming to maxLen with approximate
// semantics (XADD MAXLEN ~). It returns the broker-assigned entry id.
func (c *Client) Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}
	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("broker: xadd %s: %w", stream, err)
	}
	return id, nil
}

// CreateGroup creates a consumer group reading from the beginning of the
// stream, creating the stream if needed. Re-creating an existing group is a
// no-op.
func (c *Client) CreateGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0-0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("broker: xgroup create %s %s: %w", stream, group, err)
	}
	return nil
}

// ReadGroup performs a blocking consumer-group read of new entries (">").
// A block timeout with no data returns an empty slice and no error.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: xreadgroup %s %s: %w", stream, group, err)
	}

	var entries []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			entries = append(entries, toEntry(m))
		}
	}
	return entries, nil
}

// Ack marks an entry as consumed for the group.
func (c *Client) Ack(ctx context.Context, stream, group, id string) error {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("broker: xack %s %s: %w", stream, id, err)
	}
	return nil
}

// RevRange returns the newest count entries of the stream, newest first.
func (c *Client) RevRange(ctx context.Context, stream string, count int64) ([]Entry, error) {
	msgs, err := c.rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: xrevrange %s: %w", stream, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, toEntry(m))
	}
	return entries, nil
}

// Len returns the current stream length.
func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: xlen %s: %w", stream, err)
	}
	return n, nil
}

func toEntry(m redis.XMessage) Entry {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return Entry{ID: m.ID, Fields: fields}
}
