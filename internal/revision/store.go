// Package revision keeps the per-tenant display revision: a counter that only
// grows and is bumped after every change that affects what screens show.
//
// The database column is the source of truth. Redis holds a copy for cheap
// reads plus the debounce markers that collapse bursts of writes.
package revision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"semaphore/display/internal/metrics"
)

// Counter is the persisted counter. IncrementRevision must be a single atomic
// increment in the store.
type Counter interface {
	IncrementRevision(ctx context.Context, tenantID string) (int64, error)
	Revision(ctx context.Context, tenantID string) (int64, error)
}

// Listener is told about every completed bump.
type Listener interface {
	RevisionBumped(tenantID string, revision int64)
}

type ListenerFunc func(tenantID string, revision int64)

func (f ListenerFunc) RevisionBumped(tenantID string, revision int64) {
	f(tenantID, revision)
}

type Options struct {
	// Window is the debounce window for BumpDebounced.
	Window      time.Duration
	CacheTTL    time.Duration
	OpTimeout   time.Duration
	BumpTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = 2 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 7 * 24 * time.Hour
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 500 * time.Millisecond
	}
	if o.BumpTimeout <= 0 {
		o.BumpTimeout = 5 * time.Second
	}
	return o
}

// setIfGreater keeps the cached copy monotonic when bumps from several
// processes land out of order.
var setIfGreater = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '-1')
local incoming = tonumber(ARGV[1])
if incoming > current then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 0
`)

type Store struct {
	counter Counter
	redis   *redis.Client
	opts    Options
	metrics *metrics.Counters
	now     func() time.Time

	afterFunc func(time.Duration, func()) *time.Timer

	mu           sync.Mutex
	listeners    []Listener
	observed     map[string]int64
	localWindows map[string]time.Time
	pending      map[string]*time.Timer
	closed       bool
	inflight     sync.WaitGroup
}

// NewStore builds a store. redisClient may be nil, in which case reads go to
// the counter and debounce markers are kept in process.
func NewStore(counter Counter, redisClient *redis.Client, opts Options, counters *metrics.Counters) *Store {
	return &Store{
		counter:      counter,
		redis:        redisClient,
		opts:         opts.withDefaults(),
		metrics:      counters,
		now:          time.Now,
		afterFunc:    time.AfterFunc,
		observed:     map[string]int64{},
		localWindows: map[string]time.Time{},
		pending:      map[string]*time.Timer{},
	}
}

// AddListener registers a bump listener. Call it while wiring, before traffic.
func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Bump increments the tenant revision, refreshes the cached copy and notifies
// listeners.
func (s *Store) Bump(ctx context.Context, tenantID string) (int64, error) {
	revision, err := s.counter.IncrementRevision(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("increment revision: %w", err)
	}
	s.observe(tenantID, revision)
	s.storeCached(ctx, tenantID, revision)
	s.metrics.RevisionBumped()

	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.RevisionBumped(tenantID, revision)
	}
	return revision, nil
}

// BumpDebounced collapses calls for the same tenant inside one window into a
// single bump at the end of the window. Only the caller that creates the
// window marker schedules it; the rest return false.
func (s *Store) BumpDebounced(ctx context.Context, tenantID string) (bool, error) {
	won, err := s.acquireWindow(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if !won {
		s.metrics.DebounceSkipped()
		return false, nil
	}
	s.schedule(tenantID)
	return true, nil
}

func (s *Store) acquireWindow(ctx context.Context, tenantID string) (bool, error) {
	if s.redis != nil {
		opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
		won, err := s.redis.SetNX(opCtx, windowKey(tenantID), "1", s.opts.Window).Result()
		cancel()
		if err == nil {
			return won, nil
		}
		s.metrics.CacheError()
		log.Printf("revision window marker failed for %s, using local marker: %v", tenantID, err)
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if until, ok := s.localWindows[tenantID]; ok && now.Before(until) {
		return false, nil
	}
	s.localWindows[tenantID] = now.Add(s.opts.Window)
	return true, nil
}

func (s *Store) schedule(tenantID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.bumpDetached(tenantID)
		return
	}
	if _, ok := s.pending[tenantID]; ok {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.pending[tenantID] = s.afterFunc(s.opts.Window, func() {
		defer s.inflight.Done()
		s.mu.Lock()
		delete(s.pending, tenantID)
		s.mu.Unlock()
		s.bumpDetached(tenantID)
	})
	s.mu.Unlock()
}

func (s *Store) bumpDetached(tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.BumpTimeout)
	defer cancel()
	if _, err := s.Bump(ctx, tenantID); err != nil {
		log.Printf("debounced revision bump failed for %s: %v", tenantID, err)
	}
}

// Close runs every pending debounced bump now and waits for running ones.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	var due []string
	for tenantID, timer := range s.pending {
		if timer.Stop() {
			due = append(due, tenantID)
			s.inflight.Done()
		}
		delete(s.pending, tenantID)
	}
	s.mu.Unlock()

	for _, tenantID := range due {
		s.bumpDetached(tenantID)
	}
	s.inflight.Wait()
}

// Get returns the current revision. It never returns less than a bump this
// process already completed.
func (s *Store) Get(ctx context.Context, tenantID string) (int64, error) {
	if s.redis != nil {
		opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
		cached, err := s.redis.Get(opCtx, revisionKey(tenantID)).Int64()
		cancel()
		switch {
		case err == nil:
			return s.atLeastObserved(tenantID, cached), nil
		case errors.Is(err, redis.Nil):
		default:
			s.metrics.CacheError()
		}
	}

	revision, err := s.counter.Revision(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("load revision: %w", err)
	}
	s.storeCached(ctx, tenantID, revision)
	return s.atLeastObserved(tenantID, revision), nil
}

func (s *Store) storeCached(ctx context.Context, tenantID string, revision int64) {
	if s.redis == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.OpTimeout)
	defer cancel()
	ttl := strconv.FormatInt(s.opts.CacheTTL.Milliseconds(), 10)
	if err := setIfGreater.Run(opCtx, s.redis, []string{revisionKey(tenantID)}, revision, ttl).Err(); err != nil {
		s.metrics.CacheError()
		log.Printf("revision cache write failed for %s: %v", tenantID, err)
	}
}

func (s *Store) observe(tenantID string, revision int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if revision > s.observed[tenantID] {
		s.observed[tenantID] = revision
	}
}

func (s *Store) atLeastObserved(tenantID string, revision int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if observed := s.observed[tenantID]; observed > revision {
		return observed
	}
	return revision
}

func revisionKey(tenantID string) string {
	return fmt.Sprintf("display:rev:%s", tenantID)
}

func windowKey(tenantID string) string {
	return fmt.Sprintf("display:rev:window:%s", tenantID)
}
