// Package binding ties a screen token to a single physical device.
package binding

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"

	"semaphore/display/internal/model"
	"semaphore/display/internal/repository"
)

var (
	// ErrNotFound covers unknown, empty and inactive tokens alike.
	ErrNotFound      = errors.New("screen not found")
	ErrBound         = errors.New("screen bound to another device")
	ErrMissingDevice = errors.New("missing device id")
)

type Repository interface {
	ScreenByToken(ctx context.Context, token string) (model.Screen, error)
	ScreenByID(ctx context.Context, screenID string) (model.Screen, error)
	BindDevice(ctx context.Context, screenID, deviceID string, at time.Time) (bool, error)
	UnbindScreen(ctx context.Context, screenID string) (model.Screen, error)
	TouchScreen(ctx context.Context, screenID string, at time.Time) error
}

// Bumper bumps a tenant revision. Satisfied by *revision.Store.
type Bumper interface {
	Bump(ctx context.Context, tenantID string) (int64, error)
}

type Options struct {
	CacheTTL   time.Duration
	TouchEvery time.Duration
	OpTimeout  time.Duration
}

type Service struct {
	repo   Repository
	redis  *redis.Client
	bumper Bumper
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	touched map[string]time.Time
}

func NewService(repo Repository, redisClient *redis.Client, bumper Bumper, opts Options) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if opts.TouchEvery <= 0 {
		opts.TouchEvery = time.Minute
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 500 * time.Millisecond
	}
	return &Service{
		repo:    repo,
		redis:   redisClient,
		bumper:  bumper,
		opts:    opts,
		now:     time.Now,
		touched: map[string]time.Time{},
	}
}

// Resolve looks a token up through the short-lived token cache.
func (s *Service) Resolve(ctx context.Context, token string) (model.Screen, error) {
	if token == "" {
		return model.Screen{}, ErrNotFound
	}
	if screen, ok := s.cached(ctx, token); ok {
		if !screen.IsActive {
			return model.Screen{}, ErrNotFound
		}
		return screen, nil
	}

	screen, err := s.lookup(ctx, token)
	if err != nil {
		return model.Screen{}, err
	}
	s.cache(ctx, screen)
	if !screen.IsActive {
		return model.Screen{}, ErrNotFound
	}
	return screen, nil
}

// CheckDevice reports whether deviceID may use the screen as last seen,
// without writing anything.
func CheckDevice(screen model.Screen, deviceID string) error {
	if screen.AllowMultiDevice {
		return nil
	}
	if bound := screen.BoundTo(); bound != "" && deviceID != "" && bound != deviceID {
		return ErrBound
	}
	return nil
}

// Bind attaches deviceID to the screen behind token. The first device to
// reach an unbound screen wins; everyone else gets ErrBound until an admin
// unbinds it.
func (s *Service) Bind(ctx context.Context, token, deviceID string) (model.Screen, error) {
	if token == "" {
		return model.Screen{}, ErrNotFound
	}
	if deviceID == "" {
		return model.Screen{}, ErrMissingDevice
	}

	screen, err := s.lookup(ctx, token)
	if err != nil {
		return model.Screen{}, err
	}
	if !screen.IsActive {
		return model.Screen{}, ErrNotFound
	}
	if screen.AllowMultiDevice {
		return screen, nil
	}
	switch bound := screen.BoundTo(); {
	case bound == deviceID:
		return screen, nil
	case bound != "":
		return model.Screen{}, ErrBound
	}

	at := s.now().UTC()
	won, err := s.repo.BindDevice(ctx, screen.ID, deviceID, at)
	if err != nil {
		return model.Screen{}, fmt.Errorf("bind device: %w", err)
	}
	if won {
		screen.BoundDeviceID = &deviceID
		screen.BoundAt = &at
		screen.LastSeenAt = &at
		s.evict(ctx, token)
		return screen, nil
	}

	// Lost the race. The winner may still be this same device on another
	// connection.
	current, err := s.repo.ScreenByID(ctx, screen.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Screen{}, ErrNotFound
		}
		return model.Screen{}, fmt.Errorf("reload screen: %w", err)
	}
	if !current.IsActive {
		return model.Screen{}, ErrNotFound
	}
	if current.BoundTo() == deviceID {
		return current, nil
	}
	return model.Screen{}, ErrBound
}

// Unbind clears the binding unconditionally and bumps the tenant revision so
// connected terminals refetch.
func (s *Service) Unbind(ctx context.Context, screenID string) (model.Screen, error) {
	screen, err := s.repo.UnbindScreen(ctx, screenID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Screen{}, ErrNotFound
		}
		return model.Screen{}, fmt.Errorf("unbind screen: %w", err)
	}
	s.evict(ctx, screen.Token)
	if s.bumper != nil {
		if _, err := s.bumper.Bump(ctx, screen.TenantID); err != nil {
			log.Printf("revision bump after unbind of %s failed: %v", screenID, err)
		}
	}
	return screen, nil
}

// Touch records that the screen was seen, at most once per TouchEvery.
func (s *Service) Touch(ctx context.Context, screen model.Screen) {
	now := s.now().UTC()
	if screen.LastSeenAt != nil && now.Sub(*screen.LastSeenAt) < s.opts.TouchEvery {
		return
	}
	s.mu.Lock()
	if last, ok := s.touched[screen.ID]; ok && now.Sub(last) < s.opts.TouchEvery {
		s.mu.Unlock()
		return
	}
	s.touched[screen.ID] = now
	s.mu.Unlock()

	if err := s.repo.TouchScreen(ctx, screen.ID, now); err != nil {
		log.Printf("touch screen %s failed: %v", screen.ID, err)
	}
}

// Screen loads a screen by id straight from the store.
func (s *Service) Screen(ctx context.Context, screenID string) (model.Screen, error) {
	screen, err := s.repo.ScreenByID(ctx, screenID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Screen{}, ErrNotFound
		}
		return model.Screen{}, fmt.Errorf("load screen: %w", err)
	}
	return screen, nil
}

// Evict drops cached lookups for the given tokens.
func (s *Service) Evict(ctx context.Context, tokens ...string) {
	for _, token := range tokens {
		s.evict(ctx, token)
	}
}

func (s *Service) lookup(ctx context.Context, token string) (model.Screen, error) {
	screen, err := s.repo.ScreenByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Screen{}, ErrNotFound
		}
		return model.Screen{}, fmt.Errorf("load screen: %w", err)
	}
	return screen, nil
}

func (s *Service) cached(ctx context.Context, token string) (model.Screen, bool) {
	if s.redis == nil {
		return model.Screen{}, false
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	raw, err := s.redis.Get(opCtx, tokenKey(token)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("screen cache read failed: %v", err)
		}
		return model.Screen{}, false
	}
	var screen model.Screen
	if err := json.Unmarshal(raw, &screen); err != nil || screen.Token != token {
		return model.Screen{}, false
	}
	return screen, true
}

func (s *Service) cache(ctx context.Context, screen model.Screen) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(screen)
	if err != nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	if err := s.redis.Set(opCtx, tokenKey(screen.Token), raw, s.opts.CacheTTL).Err(); err != nil {
		log.Printf("screen cache write failed: %v", err)
	}
}

func (s *Service) evict(ctx context.Context, token string) {
	if s.redis == nil || token == "" {
		return
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.OpTimeout)
	defer cancel()
	if err := s.redis.Del(opCtx, tokenKey(token)).Err(); err != nil {
		log.Printf("screen cache evict failed: %v", err)
	}
}

// tokenKey keeps raw tokens out of Redis key names.
func tokenKey(token string) string {
	sum := blake3.Sum256([]byte(token))
	return "display:screen:" + hex.EncodeToString(sum[:])
}
