package binding

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

	"semaphore/display/internal/model"
	"semaphore/display/internal/repository"
)

// fakeRepo applies BindDevice as a compare-and-set under one mutex, the way
// the conditional UPDATE behaves in Postgres.
type fakeRepo struct {
	mu       sync.Mutex
	screens  map[string]*model.Screen
	lookups  atomic.Int64
	touches  atomic.Int64
	lostRace func(screen *model.Screen)
}

func newFakeRepo(screens ...model.Screen) *fakeRepo {
	r := &fakeRepo{screens: map[string]*model.Screen{}}
	for i := range screens {
		s := screens[i]
		r.screens[s.ID] = &s
	}
	return r
}

func (r *fakeRepo) ScreenByToken(_ context.Context, token string) (model.Screen, error) {
	r.lookups.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.screens {
		if s.Token == token {
			return *s, nil
		}
	}
	return model.Screen{}, repository.ErrNotFound
}

func (r *fakeRepo) ScreenByID(_ context.Context, id string) (model.Screen, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.screens[id]
	if !ok {
		return model.Screen{}, repository.ErrNotFound
	}
	return *s, nil
}

func (r *fakeRepo) BindDevice(_ context.Context, id, deviceID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.screens[id]
	if r.lostRace != nil {
		r.lostRace(s)
		return false, nil
	}
	if s == nil || !s.IsActive || s.BoundDeviceID != nil {
		return false, nil
	}
	s.BoundDeviceID = &deviceID
	s.BoundAt = &at
	return true, nil
}

func (r *fakeRepo) UnbindScreen(_ context.Context, id string) (model.Screen, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.screens[id]
	if !ok {
		return model.Screen{}, repository.ErrNotFound
	}
	s.BoundDeviceID = nil
	s.BoundAt = nil
	return *s, nil
}

func (r *fakeRepo) TouchScreen(context.Context, string, time.Time) error {
	r.touches.Add(1)
	return nil
}

func (r *fakeRepo) boundTo(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.screens[id].BoundTo()
}

type countingBumper struct {
	mu      sync.Mutex
	tenants []string
}

func (b *countingBumper) Bump(_ context.Context, tenantID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tenants = append(b.tenants, tenantID)
	return int64(len(b.tenants)), nil
}

func screen(id, token string) model.Screen {
	return model.Screen{ID: id, TenantID: "tenant-a", Token: token, IsActive: true, CreatedAt: time.Now()}
}

func TestConcurrentBindersExactlyOneWins(t *testing.T) {
	repo := newFakeRepo(screen("s1", "tok-1"))
	// Two services over one store stand in for two processes.
	services := []*Service{
		NewService(repo, nil, nil, Options{}),
		NewService(repo, nil, nil, Options{}),
	}

	const n = 40
	var wins atomic.Int64
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			device := "device-" + string(rune('A'+i%26)) + string(rune('a'+i/26))
			_, err := services[i%2].Bind(context.Background(), "tok-1", device)
			results[i] = err
			if err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), wins.Load())
	for _, err := range results {
		if err != nil {
			require.ErrorIs(t, err, ErrBound)
		}
	}
	require.NotEmpty(t, repo.boundTo("s1"))
}

func TestBindIsIdempotentForSameDevice(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo(screen("s1", "tok-1"))
	svc := NewService(repo, nil, nil, Options{})

	first, err := svc.Bind(ctx, "tok-1", "device-a")
	require.NoError(t, err)
	require.Equal(t, "device-a", first.BoundTo())

	again, err := svc.Bind(ctx, "tok-1", "device-a")
	require.NoError(t, err)
	require.Equal(t, "device-a", again.BoundTo())

	_, err = svc.Bind(ctx, "tok-1", "device-b")
	require.ErrorIs(t, err, ErrBound)
	require.Equal(t, "device-a", repo.boundTo("s1"))
}

func TestBindSelfRaceSucceeds(t *testing.T) {
	repo := newFakeRepo(screen("s1", "tok-1"))
	repo.lostRace = func(s *model.Screen) {
		device := "device-a"
		s.BoundDeviceID = &device
	}
	svc := NewService(repo, nil, nil, Options{})

	got, err := svc.Bind(context.Background(), "tok-1", "device-a")
	require.NoError(t, err)
	require.Equal(t, "device-a", got.BoundTo())
}

func TestBindRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	inactive := screen("s2", "tok-2")
	inactive.IsActive = false
	svc := NewService(newFakeRepo(screen("s1", "tok-1"), inactive), nil, nil, Options{})

	_, err := svc.Bind(ctx, "", "device-a")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Bind(ctx, "tok-1", "")
	require.ErrorIs(t, err, ErrMissingDevice)
	_, err = svc.Bind(ctx, "nope", "device-a")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Bind(ctx, "tok-2", "device-a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMultiDeviceTenantSkipsBinding(t *testing.T) {
	ctx := context.Background()
	s := screen("s1", "tok-1")
	s.AllowMultiDevice = true
	repo := newFakeRepo(s)
	svc := NewService(repo, nil, nil, Options{})

	for _, device := range []string{"device-a", "device-b"} {
		_, err := svc.Bind(ctx, "tok-1", device)
		require.NoError(t, err)
	}
	require.Empty(t, repo.boundTo("s1"))
}

func TestResolveUsesTokenCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := newFakeRepo(screen("s1", "tok-1"))
	svc := NewService(repo, client, nil, Options{})

	for i := 0; i < 3; i++ {
		got, err := svc.Resolve(ctx, "tok-1")
		require.NoError(t, err)
		require.Equal(t, "s1", got.ID)
	}
	require.Equal(t, int64(1), repo.lookups.Load())
	require.True(t, mr.Exists(tokenKey("tok-1")))
	require.NotContains(t, tokenKey("tok-1"), "tok-1")

	_, err := svc.Resolve(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnbindEvictsAndBumps(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := newFakeRepo(screen("s1", "tok-1"))
	bumper := &countingBumper{}
	svc := NewService(repo, client, bumper, Options{})

	_, err := svc.Bind(ctx, "tok-1", "device-a")
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, "tok-1")
	require.NoError(t, err)
	require.True(t, mr.Exists(tokenKey("tok-1")))

	unbound, err := svc.Unbind(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, unbound.BoundTo())
	require.False(t, mr.Exists(tokenKey("tok-1")))
	require.Equal(t, []string{"tenant-a"}, bumper.tenants)

	_, err = svc.Bind(ctx, "tok-1", "device-b")
	require.NoError(t, err)
	require.Equal(t, "device-b", repo.boundTo("s1"))

	_, err = svc.Unbind(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCheckDevice(t *testing.T) {
	s := screen("s1", "tok-1")
	require.NoError(t, CheckDevice(s, "device-a"))

	device := "device-a"
	s.BoundDeviceID = &device
	require.NoError(t, CheckDevice(s, "device-a"))
	require.NoError(t, CheckDevice(s, ""))
	require.ErrorIs(t, CheckDevice(s, "device-b"), ErrBound)

	s.AllowMultiDevice = true
	require.NoError(t, CheckDevice(s, "device-b"))
}

func TestTouchIsThrottled(t *testing.T) {
	repo := newFakeRepo(screen("s1", "tok-1"))
	svc := NewService(repo, nil, nil, Options{TouchEvery: time.Minute})
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	s := screen("s1", "tok-1")
	svc.Touch(context.Background(), s)
	svc.Touch(context.Background(), s)
	require.Equal(t, int64(1), repo.touches.Load())

	now = now.Add(2 * time.Minute)
	svc.Touch(context.Background(), s)
	require.Equal(t, int64(2), repo.touches.Load())

	recent := now.Add(-10 * time.Second)
	other := screen("s2", "tok-2")
	other.LastSeenAt = &recent
	svc.Touch(context.Background(), other)
	require.Equal(t, int64(2), repo.touches.Load())
}

func TestBindStoreErrorIsWrapped(t *testing.T) {
	repo := &erroringRepo{fakeRepo: newFakeRepo(screen("s1", "tok-1")), err: errors.New("db down")}
	svc := NewService(repo, nil, nil, Options{})

	_, err := svc.Bind(context.Background(), "tok-1", "device-a")
	require.ErrorIs(t, err, repo.err)
	require.NotErrorIs(t, err, ErrBound)
}

type erroringRepo struct {
	*fakeRepo
	err error
}

func (r *erroringRepo) BindDevice(context.Context, string, string, time.Time) (bool, error) {
	return false, r.err
}
