package http

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"semaphore/display/internal/auth"
	"semaphore/display/internal/binding"
	"semaphore/display/internal/config"
	"semaphore/display/internal/metrics"
	"semaphore/display/internal/model"
	"semaphore/display/internal/quota"
	"semaphore/display/internal/ratelimit"
	"semaphore/display/internal/schedule"
	"semaphore/display/internal/snapshot"
)

type Screens interface {
	Resolve(ctx context.Context, token string) (model.Screen, error)
	Bind(ctx context.Context, token, deviceID string) (model.Screen, error)
	Screen(ctx context.Context, screenID string) (model.Screen, error)
	Unbind(ctx context.Context, screenID string) (model.Screen, error)
	Touch(ctx context.Context, screen model.Screen)
}

type Snapshots interface {
	Revision(ctx context.Context, tenantID string) (int64, error)
	GetOrBuildAt(ctx context.Context, tenantID string, revision int64, dayKey string) (*snapshot.Entry, error)
}

type Bumper interface {
	Bump(ctx context.Context, tenantID string) (int64, error)
}

type QuotaEnforcer interface {
	Enforce(ctx context.Context, tenantID string) (quota.Result, error)
}

type Limiter interface {
	Allow(ctx context.Context, endpoint, subject string) (bool, time.Duration)
}

// Deps are the components the HTTP layer serves.
type Deps struct {
	Screens   Screens
	Snapshots Snapshots
	Revisions Bumper
	Quota     QuotaEnforcer
	Limiter   Limiter
	Metrics   *metrics.Counters
	Realtime  http.Handler
	Gatherer  prometheus.Gatherer
	// DayKey maps a tenant timezone and instant to the tenant-local day.
	DayKey func(timezone string, t time.Time) string
}

type Server struct {
	cfg          config.Config
	deps         Deps
	jwtPublicKey *rsa.PublicKey
	schedule     schedule.Options
	now          func() time.Time
}

func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	publicKey, err := auth.ParseRSAPublicKey(cfg.JWTPublicKey)
	if err != nil {
		return nil, err
	}
	if deps.DayKey == nil {
		deps.DayKey = func(_ string, t time.Time) string { return t.UTC().Format(snapshot.DayKeyLayout) }
	}
	return &Server{
		cfg:          cfg,
		deps:         deps,
		jwtPublicKey: publicKey,
		schedule: schedule.Options{
			WindowPadding: cfg.WindowPadding,
			MaxIdlePoll:   cfg.MaxIdlePoll,
		},
		now: time.Now,
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/status/{token}", s.handleStatus)
	r.Get("/snapshot/{token}", s.handleSnapshot)
	if s.deps.Realtime != nil {
		r.Handle("/ws/display", s.deps.Realtime)
		r.Handle("/ws/display/", s.deps.Realtime)
	}

	r.With(s.authMiddleware).Post("/admin/screens/{screenId}/unbind", s.handleUnbindScreen)
	r.With(s.authMiddleware).Post("/admin/tenants/{tenantId}/quota/enforce", s.handleEnforceQuota)
	r.With(s.authMiddleware).Post("/admin/tenants/{tenantId}/revision/bump", s.handleBumpRevision)
	r.With(s.authMiddleware).Get("/admin/metrics/realtime", s.handleRealtimeMetrics)

	return r
}

// Terminal endpoints

type statusResponse struct {
	Status         string `json:"status"`
	CurrentVersion int64  `json:"current_version"`
	FetchRequired  bool   `json:"fetch_required"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	token := chi.URLParam(r, "token")
	deviceID := r.URL.Query().Get("dk")

	screen, err := s.deps.Screens.Resolve(r.Context(), token)
	if err != nil {
		writeBindingError(w, err)
		return
	}
	if err := binding.CheckDevice(screen, deviceID); err != nil {
		writeBindingError(w, err)
		return
	}
	if !s.allow(w, r, "status", screen.ID) {
		return
	}

	revision, err := s.deps.Snapshots.Revision(r.Context(), screen.TenantID)
	if err != nil {
		log.Printf("status revision lookup for tenant %s failed: %v", screen.TenantID, err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.Header().Set("X-Display-Revision", strconv.FormatInt(revision, 10))

	if v := r.URL.Query().Get("v"); v != "" {
		if client, err := strconv.ParseInt(v, 10, 64); err == nil && client == revision {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:         "outdated",
		CurrentVersion: revision,
		FetchRequired:  true,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	ctx := r.Context()
	token := chi.URLParam(r, "token")
	deviceID := r.URL.Query().Get("dk")

	screen, err := s.deps.Screens.Resolve(ctx, token)
	if err != nil {
		writeBindingError(w, err)
		return
	}
	if deviceID == "" {
		writeBindingError(w, binding.ErrMissingDevice)
		return
	}
	if err := binding.CheckDevice(screen, deviceID); err != nil {
		writeBindingError(w, err)
		return
	}
	if !s.allow(w, r, "snapshot", screen.ID) {
		return
	}
	// Only a screen not yet bound to this device needs the store round trip.
	if !screen.AllowMultiDevice && screen.BoundTo() != deviceID {
		if screen, err = s.deps.Screens.Bind(ctx, token, deviceID); err != nil {
			writeBindingError(w, err)
			return
		}
	}
	s.deps.Screens.Touch(ctx, screen)

	now := s.now()
	dayKey := s.deps.DayKey(screen.TenantTimezone, now)
	revision, err := s.deps.Snapshots.Revision(ctx, screen.TenantID)
	if err != nil {
		log.Printf("snapshot revision lookup for tenant %s failed: %v", screen.TenantID, err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	etag := snapshot.ETag(screen.TenantID, revision, dayKey)
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Display-Revision", strconv.FormatInt(revision, 10))
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	entry, err := s.deps.Snapshots.GetOrBuildAt(ctx, screen.TenantID, revision, dayKey)
	if err != nil {
		if errors.Is(err, snapshot.ErrBuildInProgress) {
			w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(s.cfg.BuildRetryAfter)))
			writeError(w, http.StatusServiceUnavailable, "build_in_progress")
			return
		}
		log.Printf("snapshot for tenant %s day %s failed: %v", screen.TenantID, dayKey, err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	doc, err := snapshot.Present(entry.Document, now, s.schedule)
	if err != nil {
		log.Printf("snapshot present for tenant %s failed: %v", screen.TenantID, err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if acceptsGzip(r) {
		writeGzipJSON(w, http.StatusOK, doc)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, endpoint, screenID string) bool {
	if s.deps.Limiter == nil {
		return true
	}
	ok, wait := s.deps.Limiter.Allow(r.Context(), endpoint, screenID)
	if ok {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(wait)))
	writeError(w, http.StatusTooManyRequests, "rate_limited")
	return false
}

// Admin endpoints

func (s *Server) handleUnbindScreen(w http.ResponseWriter, r *http.Request) {
	screenID := chi.URLParam(r, "screenId")
	if _, err := uuid.Parse(screenID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_screen_id")
		return
	}
	screen, err := s.deps.Screens.Screen(r.Context(), screenID)
	if err != nil {
		if errors.Is(err, binding.ErrNotFound) {
			writeError(w, http.StatusNotFound, "screen_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !claimsFromContext(r.Context()).CanManageTenant(screen.TenantID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	screen, err = s.deps.Screens.Unbind(r.Context(), screenID)
	if err != nil {
		if errors.Is(err, binding.ErrNotFound) {
			writeError(w, http.StatusNotFound, "screen_not_found")
			return
		}
		log.Printf("unbind screen %s failed: %v", screenID, err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"screen_id": screen.ID,
		"tenant_id": screen.TenantID,
		"bound":     false,
	})
}

func (s *Server) handleEnforceQuota(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenantParam(w, r)
	if !ok {
		return
	}
	result, err := s.deps.Quota.Enforce(r.Context(), tenantID)
	if err != nil {
		log.Printf("quota enforce for tenant %s failed: %v", tenantID, err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBumpRevision(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenantParam(w, r)
	if !ok {
		return
	}
	revision, err := s.deps.Revisions.Bump(r.Context(), tenantID)
	if err != nil {
		log.Printf("revision bump for tenant %s failed: %v", tenantID, err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"revision":  revision,
	})
}

func (s *Server) handleRealtimeMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("reset") == "1" {
		writeJSON(w, http.StatusOK, s.deps.Metrics.Reset())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Metrics.Snapshot())
}

func (s *Server) tenantParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := chi.URLParam(r, "tenantId")
	if _, err := uuid.Parse(tenantID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_tenant_id")
		return "", false
	}
	if !claimsFromContext(r.Context()).CanManageTenant(tenantID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return "", false
	}
	return tenantID, true
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.jwtPublicKey, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		if !claims.IsAdminOrDev() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// Helpers

func writeBindingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, binding.ErrMissingDevice):
		writeError(w, http.StatusBadRequest, "missing_device")
	case errors.Is(err, binding.ErrNotFound):
		writeError(w, http.StatusUnauthorized, "invalid_token")
	case errors.Is(err, binding.ErrBound):
		writeError(w, http.StatusForbidden, "device_conflict")
	default:
		log.Printf("screen lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(strings.SplitN(part, ";", 2)[0]) == "gzip" {
			return true
		}
	}
	return false
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeGzipJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")
	w.WriteHeader(status)
	zw := gzip.NewWriter(w)
	_ = json.NewEncoder(zw).Encode(payload)
	_ = zw.Close()
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
