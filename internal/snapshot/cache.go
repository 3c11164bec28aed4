package snapshot

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"semaphore/display/internal/metrics"
)

// ErrBuildInProgress means another process holds the build lock and the
// document did not appear within the wait budget.
var ErrBuildInProgress = errors.New("snapshot build in progress")

// DocumentBuilder produces the revision-scoped document for one tenant day.
type DocumentBuilder interface {
	Build(ctx context.Context, tenantID, dayKey string, revision int64) (*Document, error)
}

// Revisions reads the current tenant revision.
type Revisions interface {
	Get(ctx context.Context, tenantID string) (int64, error)
}

type CacheOptions struct {
	TTL          time.Duration
	LockTTL      time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
	OpTimeout    time.Duration
	BuildTimeout time.Duration
	// BuildOnContention lets a waiter build itself once the wait budget is
	// spent instead of failing with ErrBuildInProgress.
	BuildOnContention bool
}

func (o CacheOptions) withDefaults() CacheOptions {
	if o.TTL <= 0 {
		o.TTL = 72 * time.Hour
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 5 * time.Second
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 500 * time.Millisecond
	}
	if o.BuildTimeout <= 0 {
		o.BuildTimeout = 10 * time.Second
	}
	return o
}

// Entry is a cached document together with its stored form.
type Entry struct {
	Document   Document
	Compressed []byte
	Revision   int64
	DayKey     string
	ETag       string
}

var releaseLock = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Cache stores built documents in Redis under (tenant, revision, day). Each
// key is written once; a new revision means a new key, so nothing is ever
// invalidated in place.
type Cache struct {
	redis     *redis.Client
	revisions Revisions
	builder   DocumentBuilder
	opts      CacheOptions
	metrics   *metrics.Counters
	group     singleflight.Group
}

// NewCache builds a cache. redisClient may be nil; every request then builds.
func NewCache(redisClient *redis.Client, revisions Revisions, builder DocumentBuilder, opts CacheOptions, counters *metrics.Counters) *Cache {
	return &Cache{
		redis:     redisClient,
		revisions: revisions,
		builder:   builder,
		opts:      opts.withDefaults(),
		metrics:   counters,
	}
}

// Revision is the tenant's current revision, read the same way GetOrBuild
// reads it.
func (c *Cache) Revision(ctx context.Context, tenantID string) (int64, error) {
	return c.revisions.Get(ctx, tenantID)
}

func (c *Cache) GetOrBuild(ctx context.Context, tenantID, dayKey string) (*Entry, error) {
	revision, err := c.revisions.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return c.GetOrBuildAt(ctx, tenantID, revision, dayKey)
}

// GetOrBuildAt returns the document for an already resolved revision. At most
// one build runs per key across all processes sharing the Redis instance.
func (c *Cache) GetOrBuildAt(ctx context.Context, tenantID string, revision int64, dayKey string) (*Entry, error) {
	key := entryKey(tenantID, revision, dayKey)
	if c.redis == nil {
		return c.buildShared(ctx, key, tenantID, revision, dayKey, false)
	}

	entry, err := c.read(ctx, key, tenantID, revision, dayKey)
	switch {
	case err != nil:
		c.metrics.CacheError()
		log.Printf("snapshot cache read failed for %s: %v", key, err)
		return c.buildShared(ctx, key, tenantID, revision, dayKey, false)
	case entry != nil:
		c.metrics.CacheHit()
		return entry, nil
	}
	c.metrics.CacheMiss()

	return c.shared(ctx, key, func(flightCtx context.Context) (*Entry, error) {
		return c.fill(flightCtx, key, tenantID, revision, dayKey)
	})
}

// shared runs fn once per key in this process. The flight runs detached from
// any one caller; each caller only stops waiting when its own ctx ends. The
// flight stays bounded by OpTimeout, WaitTimeout and BuildTimeout.
func (c *Cache) shared(ctx context.Context, key string, fn func(context.Context) (*Entry, error)) (*Entry, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(flightCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	}
}

func (c *Cache) fill(ctx context.Context, key, tenantID string, revision int64, dayKey string) (*Entry, error) {
	token := uuid.NewString()
	opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	acquired, err := c.redis.SetNX(opCtx, lockKey(key), token, c.opts.LockTTL).Result()
	cancel()
	if err != nil {
		c.metrics.CacheError()
		log.Printf("snapshot build lock failed for %s: %v", key, err)
		return c.build(ctx, key, tenantID, revision, dayKey, true)
	}

	if acquired {
		defer c.release(key, token)
		// The winner before us may have finished between our miss and the lock.
		if entry, err := c.read(ctx, key, tenantID, revision, dayKey); err == nil && entry != nil {
			return entry, nil
		}
		return c.build(ctx, key, tenantID, revision, dayKey, true)
	}

	c.metrics.BuildContended()
	return c.wait(ctx, key, tenantID, revision, dayKey)
}

func (c *Cache) wait(ctx context.Context, key, tenantID string, revision int64, dayKey string) (*Entry, error) {
	deadline := time.NewTimer(c.opts.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if c.opts.BuildOnContention {
				return c.build(ctx, key, tenantID, revision, dayKey, true)
			}
			return nil, ErrBuildInProgress
		case <-ticker.C:
			entry, err := c.read(ctx, key, tenantID, revision, dayKey)
			if err != nil {
				c.metrics.CacheError()
				return c.build(ctx, key, tenantID, revision, dayKey, false)
			}
			if entry != nil {
				return entry, nil
			}
		}
	}
}

func (c *Cache) buildShared(ctx context.Context, key, tenantID string, revision int64, dayKey string, store bool) (*Entry, error) {
	return c.shared(ctx, key, func(flightCtx context.Context) (*Entry, error) {
		return c.build(flightCtx, key, tenantID, revision, dayKey, store)
	})
}

func (c *Cache) build(ctx context.Context, key, tenantID string, revision int64, dayKey string, store bool) (*Entry, error) {
	// Shared by every waiter on the key, so one caller leaving must not
	// cancel the build for the rest.
	buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.BuildTimeout)
	defer cancel()

	doc, err := c.builder.Build(buildCtx, tenantID, dayKey, revision)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	c.metrics.SnapshotBuilt()

	compressed, err := encode(doc)
	if err != nil {
		return nil, err
	}
	if store && c.redis != nil {
		opCtx, cancel := context.WithTimeout(buildCtx, c.opts.OpTimeout)
		if err := c.redis.SetNX(opCtx, key, compressed, c.opts.TTL).Err(); err != nil {
			c.metrics.CacheError()
			log.Printf("snapshot cache write failed for %s: %v", key, err)
		}
		cancel()
	}
	return &Entry{
		Document:   *doc,
		Compressed: compressed,
		Revision:   revision,
		DayKey:     dayKey,
		ETag:       ETag(tenantID, revision, dayKey),
	}, nil
}

// read returns nil, nil on a miss.
func (c *Cache) read(ctx context.Context, key, tenantID string, revision int64, dayKey string) (*Entry, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	raw, err := c.redis.Get(opCtx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Document:   *doc,
		Compressed: raw,
		Revision:   revision,
		DayKey:     dayKey,
		ETag:       ETag(tenantID, revision, dayKey),
	}, nil
}

func (c *Cache) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.OpTimeout)
	defer cancel()
	if err := releaseLock.Run(ctx, c.redis, []string{lockKey(key)}, token).Err(); err != nil {
		log.Printf("snapshot build lock release failed for %s: %v", key, err)
	}
}

func encode(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(doc); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(raw []byte) (*Document, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &doc, nil
}

// ETag identifies a (tenant, revision, day) document. It does not change
// while the cached document stays valid.
func ETag(tenantID string, revision int64, dayKey string) string {
	sum := blake3.Sum256([]byte(tenantID + "|" + strconv.FormatInt(revision, 10) + "|" + dayKey))
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func entryKey(tenantID string, revision int64, dayKey string) string {
	return fmt.Sprintf("display:snap:%s:%d:%s", tenantID, revision, dayKey)
}

func lockKey(key string) string {
	return "display:snap:lock:" + key[len("display:snap:"):]
}
