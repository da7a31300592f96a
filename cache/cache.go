// Package cache implements the hot tier: a Redis-backed key-value layer
// holding the live state of open documents between edits.
//
// The cache is deliberately forgiving. When the backing store is
// unavailable every operation degrades to its configured fallback (absent
// for reads, false for writes) so the service keeps running; callers refuse
// edits on documents that cannot be materialized and the next snapshot or
// sync picks the write back up.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"scribe.evalgo.org/common"
	"scribe.evalgo.org/document"
)

const keyPrefix = "doc:"

// connectAttempts bounds startup pings before giving up.
const connectAttempts = 3

// DocumentCache is the shared hot tier keyed by document id. Records are
// stored as JSON with no time-based eviction; the lifecycle controller
// flushes and repopulates the tier at process startup.
type DocumentCache struct {
	client  *redis.Client
	timeout time.Duration
	log     *logrus.Entry
}

// New connects to the hot tier at the given Redis URL. The connection is
// verified with a bounded number of pings; failure to reach the tier at
// startup is an error, failures later degrade per-operation.
func New(url string, opTimeout time.Duration) (*DocumentCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse hot tier URL: %w", err)
	}

	client := redis.NewClient(opts)

	var pingErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		pingErr = client.Ping(ctx).Err()
		cancel()
		if pingErr == nil {
			break
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	if pingErr != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to hot tier: %w", pingErr)
	}

	return &DocumentCache{
		client:  client,
		timeout: opTimeout,
		log:     common.ComponentLogger("cache"),
	}, nil
}

func (c *DocumentCache) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Get returns the cached record for a document, or absent. Backend failures
// read as absent.
func (c *DocumentCache) Get(ctx context.Context, id string) (*document.Record, bool) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.log.WithError(err).WithField("doc", id).Error("hot tier read failed")
		return nil, false
	}

	var rec document.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		c.log.WithError(err).WithField("doc", id).Error("hot tier record corrupt")
		return nil, false
	}
	return &rec, true
}

// Put stores a record under the document's key. Reports whether the write
// reached the tier.
func (c *DocumentCache) Put(ctx context.Context, id string, rec *document.Record) bool {
	data, err := json.Marshal(rec)
	if err != nil {
		c.log.WithError(err).WithField("doc", id).Error("failed to marshal record")
		return false
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	if err := c.client.Set(ctx, keyPrefix+id, data, 0).Err(); err != nil {
		c.log.WithError(err).WithField("doc", id).Error("hot tier write failed")
		return false
	}
	return true
}

// Delete removes a document from the tier.
func (c *DocumentCache) Delete(ctx context.Context, id string) bool {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	if err := c.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		c.log.WithError(err).WithField("doc", id).Error("hot tier delete failed")
		return false
	}
	return true
}

// Update performs a read-modify-write of one record. The mutator runs on
// the freshly read record; the round trip is not atomic across the network,
// so callers must serialize updates to a given id behind the document's
// write lane.
func (c *DocumentCache) Update(ctx context.Context, id string, mutate func(*document.Record)) bool {
	rec, ok := c.Get(ctx, id)
	if !ok {
		return false
	}
	mutate(rec)
	return c.Put(ctx, id, rec)
}

// Flush removes every document key from the tier. Called once at process
// startup: a stale cache surviving a prior crash must not be trusted.
func (c *DocumentCache) Flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout*4)
	defer cancel()

	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("hot tier scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("hot tier flush failed: %w", err)
	}
	c.log.WithField("flushed", len(keys)).Info("hot tier flushed")
	return nil
}

// Close releases the hot tier connection.
func (c *DocumentCache) Close() error {
	return c.client.Close()
}
