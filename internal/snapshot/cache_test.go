package snapshot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"semaphore/display/internal/metrics"
	"semaphore/display/internal/schedule"
)

type staticRevisions struct {
	revision atomic.Int64
}

func (r *staticRevisions) Get(context.Context, string) (int64, error) {
	return r.revision.Load(), nil
}

type countingBuilder struct {
	builds atomic.Int64
	delay  time.Duration
	fail   error
}

func (b *countingBuilder) Build(_ context.Context, _ string, dayKey string, revision int64) (*Document, error) {
	b.builds.Add(1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.fail != nil {
		return nil, b.fail
	}
	return &Document{Revision: revision, Meta: Meta{Date: dayKey, Timezone: "UTC"}}, nil
}

func newClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGetOrBuildCachesPerRevision(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	revisions := &staticRevisions{}
	revisions.revision.Store(3)
	builder := &countingBuilder{}
	counters := metrics.New()
	cache := NewCache(newClient(t, mr), revisions, builder, CacheOptions{}, counters)

	first, err := cache.GetOrBuild(ctx, "tenant-a", "2026-03-02")
	require.NoError(t, err)
	second, err := cache.GetOrBuild(ctx, "tenant-a", "2026-03-02")
	require.NoError(t, err)
	require.Equal(t, int64(1), builder.builds.Load())
	require.Equal(t, first.ETag, second.ETag)
	require.Equal(t, int64(3), second.Document.Revision)
	require.True(t, mr.Exists("display:snap:tenant-a:3:2026-03-02"))
	require.False(t, mr.Exists("display:snap:lock:tenant-a:3:2026-03-02"))

	revisions.revision.Store(4)
	third, err := cache.GetOrBuild(ctx, "tenant-a", "2026-03-02")
	require.NoError(t, err)
	require.Equal(t, int64(2), builder.builds.Load())
	require.NotEqual(t, first.ETag, third.ETag)
	require.Equal(t, int64(4), third.Revision)

	snap := counters.Snapshot()
	require.Equal(t, int64(1), snap.CacheHits)
	require.Equal(t, int64(2), snap.CacheMisses)
	require.Equal(t, int64(2), snap.SnapshotBuilds)
}

func TestConcurrentCallersBuildOnce(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	revisions := &staticRevisions{}
	builder := &countingBuilder{delay: 150 * time.Millisecond}

	// Three caches share one Redis, like three service replicas.
	var caches []*Cache
	for i := 0; i < 3; i++ {
		caches = append(caches, NewCache(newClient(t, mr), revisions, builder, CacheOptions{
			WaitTimeout:  2 * time.Second,
			PollInterval: 10 * time.Millisecond,
		}, nil))
	}

	const n = 30
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(cache *Cache) {
			defer wg.Done()
			entry, err := cache.GetOrBuild(ctx, "tenant-a", "2026-03-02")
			if err == nil && entry.DayKey != "2026-03-02" {
				err = errors.New("wrong entry")
			}
			errs <- err
		}(caches[i%len(caches)])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), builder.builds.Load())
}

func TestContendedBuildTimesOut(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("display:snap:lock:tenant-a:0:2026-03-02", "someone-else"))
	builder := &countingBuilder{}
	counters := metrics.New()
	cache := NewCache(newClient(t, mr), &staticRevisions{}, builder, CacheOptions{
		WaitTimeout:  100 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, counters)

	_, err := cache.GetOrBuild(ctx, "tenant-a", "2026-03-02")
	require.ErrorIs(t, err, ErrBuildInProgress)
	require.Zero(t, builder.builds.Load())
	require.Equal(t, int64(1), counters.Snapshot().BuildContention)

	// The foreign lock is left alone.
	holder, err := mr.Get("display:snap:lock:tenant-a:0:2026-03-02")
	require.NoError(t, err)
	require.Equal(t, "someone-else", holder)
}

func TestContendedBuildFallsBackWhenAllowed(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("display:snap:lock:tenant-a:0:2026-03-02", "someone-else"))
	builder := &countingBuilder{}
	cache := NewCache(newClient(t, mr), &staticRevisions{}, builder, CacheOptions{
		WaitTimeout:       50 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		BuildOnContention: true,
	}, nil)

	entry, err := cache.GetOrBuild(ctx, "tenant-a", "2026-03-02")
	require.NoError(t, err)
	require.Equal(t, int64(1), builder.builds.Load())
	require.Equal(t, "2026-03-02", entry.Document.Meta.Date)
}

func TestWaiterPicksUpWinnersEntry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("display:snap:lock:tenant-a:0:2026-03-02", "someone-else"))
	builder := &countingBuilder{}
	cache := NewCache(newClient(t, mr), &staticRevisions{}, builder, CacheOptions{
		WaitTimeout:  time.Second,
		PollInterval: 10 * time.Millisecond,
	}, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		raw, err := encode(&Document{Revision: 0, Meta: Meta{Date: "2026-03-02", Holiday: "from winner"}})
		if err == nil {
			_ = mr.Set("display:snap:tenant-a:0:2026-03-02", string(raw))
		}
	}()

	entry, err := cache.GetOrBuild(ctx, "tenant-a", "2026-03-02")
	require.NoError(t, err)
	require.Equal(t, "from winner", entry.Document.Meta.Holiday)
	require.Zero(t, builder.builds.Load())
}

func TestCacheDegradesWithoutRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := newClient(t, mr)
	builder := &countingBuilder{}
	counters := metrics.New()
	cache := NewCache(client, &staticRevisions{}, builder, CacheOptions{OpTimeout: 50 * time.Millisecond}, counters)
	mr.Close()

	for i := 0; i < 2; i++ {
		entry, err := cache.GetOrBuild(ctx, "tenant-a", "2026-03-02")
		require.NoError(t, err)
		require.NotEmpty(t, entry.Compressed)
	}
	require.Equal(t, int64(2), builder.builds.Load())
	require.Equal(t, int64(2), counters.Snapshot().CacheErrors)

	noRedis := NewCache(nil, &staticRevisions{}, builder, CacheOptions{}, nil)
	_, err := noRedis.GetOrBuild(ctx, "tenant-a", "2026-03-02")
	require.NoError(t, err)
	require.Equal(t, int64(3), builder.builds.Load())
}

func TestBuildFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	builder := &countingBuilder{fail: errors.New("boom")}
	cache := NewCache(newClient(t, mr), &staticRevisions{}, builder, CacheOptions{}, nil)

	_, err := cache.GetOrBuild(ctx, "tenant-a", "2026-03-02")
	require.ErrorIs(t, err, builder.fail)
	require.False(t, mr.Exists("display:snap:tenant-a:0:2026-03-02"))
	require.False(t, mr.Exists("display:snap:lock:tenant-a:0:2026-03-02"))
}

func TestETagDependsOnEveryPart(t *testing.T) {
	base := ETag("tenant-a", 1, "2026-03-02")
	require.Equal(t, base, ETag("tenant-a", 1, "2026-03-02"))
	require.NotEqual(t, base, ETag("tenant-b", 1, "2026-03-02"))
	require.NotEqual(t, base, ETag("tenant-a", 2, "2026-03-02"))
	require.NotEqual(t, base, ETag("tenant-a", 1, "2026-03-03"))
	require.Len(t, base, 34)
}

func TestJoinedCallerSurvivesFirstCallerLeaving(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("display:snap:lock:tenant-a:0:2026-03-02", "someone-else"))
	builder := &countingBuilder{}
	cache := NewCache(newClient(t, mr), &staticRevisions{}, builder, CacheOptions{
		WaitTimeout:  2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}, nil)

	go func() {
		time.Sleep(150 * time.Millisecond)
		raw, err := encode(&Document{Meta: Meta{Date: "2026-03-02", Holiday: "from winner"}})
		if err == nil {
			_ = mr.Set("display:snap:tenant-a:0:2026-03-02", string(raw))
		}
	}()

	leaving, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.GetOrBuild(leaving, "tenant-a", "2026-03-02")
		firstErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	entry, err := cache.GetOrBuild(context.Background(), "tenant-a", "2026-03-02")
	require.NoError(t, err)
	require.Equal(t, "from winner", entry.Document.Meta.Holiday)
	require.ErrorIs(t, <-firstErr, context.DeadlineExceeded)
	require.Zero(t, builder.builds.Load())
}

func TestCachedDocumentKeepsLaterAnnouncements(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	builder := newTestBuilder(schoolDay(), nil, time.Date(2026, 3, 2, 8, 50, 0, 0, time.UTC))
	cache := NewCache(newClient(t, mr), &staticRevisions{}, builder, CacheOptions{}, nil)

	_, err := cache.GetOrBuild(ctx, "tenant-a", "2026-03-02")
	require.NoError(t, err)
	stored, err := cache.GetOrBuild(ctx, "tenant-a", "2026-03-02")
	require.NoError(t, err)

	morning, err := Present(stored.Document, time.Date(2026, 3, 2, 8, 55, 0, 0, time.UTC), schedule.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, morning.Announcements, 1)

	late, err := Present(stored.Document, time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), schedule.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, late.Announcements, 2)
	require.Equal(t, "a2", late.Announcements[1].ID)
}
