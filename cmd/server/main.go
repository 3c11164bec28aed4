package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"semaphore/display/internal/binding"
	"semaphore/display/internal/clients"
	"semaphore/display/internal/config"
	"semaphore/display/internal/db"
	displaygrpc "semaphore/display/internal/grpc"
	internalhttp "semaphore/display/internal/http"
	"semaphore/display/internal/invalidation"
	"semaphore/display/internal/jobs"
	"semaphore/display/internal/metrics"
	"semaphore/display/internal/quota"
	"semaphore/display/internal/ratelimit"
	"semaphore/display/internal/realtime"
	"semaphore/display/internal/repository"
	"semaphore/display/internal/revision"
	"semaphore/display/internal/schedule"
	"semaphore/display/internal/snapshot"
)

func main() {
	configFile := pflag.String("config", "", "YAML file with fallback configuration values")
	migrate := pflag.Bool("migrate", false, "apply the database schema before serving")
	pflag.Parse()
	if *configFile != "" {
		if err := os.Setenv("DISPLAY_CONFIG_FILE", *configFile); err != nil {
			log.Fatalf("config flag: %v", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()
	if *migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
	}
	store := repository.NewStore(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("redis ping failed, starting degraded: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
	} else {
		log.Printf("REDIS_ADDR not set, running single-process")
	}

	counters := metrics.New()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := counters.Register(registry); err != nil {
		log.Fatalf("metrics register failed: %v", err)
	}

	revisions := revision.NewStore(store, redisClient, revision.Options{
		Window:    cfg.RevisionDebounce,
		CacheTTL:  cfg.RevisionCacheTTL,
		OpTimeout: cfg.CacheOpTimeout,
	}, counters)
	defer revisions.Close()

	scheduleOpts := schedule.Options{WindowPadding: cfg.WindowPadding, MaxIdlePoll: cfg.MaxIdlePoll}
	defaultTZ, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		log.Printf("default timezone %q invalid, using UTC: %v", cfg.DefaultTimezone, err)
		defaultTZ = time.UTC
	}
	var extras snapshot.Extras = snapshot.NoExtras{}
	if cfg.ExtrasEnabled {
		extras = store
	}
	builder := snapshot.NewBuilder(store, extras, scheduleOpts, defaultTZ)
	cache := snapshot.NewCache(redisClient, revisions, builder, snapshot.CacheOptions{
		TTL:               cfg.SnapshotTTL,
		LockTTL:           cfg.BuildLockTTL,
		WaitTimeout:       cfg.BuildWaitTimeout,
		OpTimeout:         cfg.CacheOpTimeout,
		BuildOnContention: cfg.BuildOnContention,
	}, counters)

	screens := binding.NewService(store, redisClient, revisions, binding.Options{
		CacheTTL:   cfg.ScreenCacheTTL,
		TouchEvery: cfg.ScreenTouchEvery,
		OpTimeout:  cfg.CacheOpTimeout,
	})

	var limits quota.LimitSource = quota.StoredLimits{Store: store}
	if cfg.BillingGRPCAddr != "" {
		billing, err := clients.NewBilling(ctx, cfg.BillingGRPCAddr, cfg.ServiceAuthToken, cfg.GRPCDialTimeout)
		if err != nil {
			log.Fatalf("billing grpc dial failed: %v", err)
		}
		defer billing.Close()
		limits = billing
	}
	enforcer := quota.NewEnforcer(store, limits, screens, revisions)

	limiter := ratelimit.New(redisClient, map[string]ratelimit.Rule{
		"snapshot": {Limit: cfg.SnapshotRateLimit, Window: cfg.RateLimitWindow},
		"status":   {Limit: cfg.StatusRateLimit, Window: cfg.RateLimitWindow},
	}, cfg.CacheOpTimeout, counters)

	hub := realtime.NewHub(counters)
	defer hub.Close()
	relay := realtime.NewRelay(redisClient, hub, cfg.CacheOpTimeout)
	revisions.AddListener(relay)
	go runRelay(ctx, relay)
	wsHandler := realtime.NewHandler(screens, hub, counters, realtime.HandlerOptions{
		HandshakeTimeout: cfg.WSHandshakeTimeout,
		PingInterval:     cfg.WSPingInterval,
	})

	hooks := invalidation.NewHooks(invalidation.DefaultTable(), revisions)

	server, err := internalhttp.NewServer(cfg, internalhttp.Deps{
		Screens:   screens,
		Snapshots: cache,
		Revisions: revisions,
		Quota:     enforcer,
		Limiter:   limiter,
		Metrics:   counters,
		Realtime:  wsHandler,
		Gatherer:  registry,
		DayKey:    builder.DayKey,
	})
	if err != nil {
		log.Fatalf("server init failed: %v", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serviceAuthInterceptor, err := displaygrpc.NewServiceAuthUnaryInterceptor(cfg.ServiceAuthToken)
	if err != nil {
		log.Fatalf("grpc service auth init failed: %v", err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(serviceAuthInterceptor))
	displaygrpc.RegisterRevisionServiceServer(grpcServer, displaygrpc.NewRevisionServer(hooks, revisions))
	jobs.StartQuotaReconcileJob(ctx, cfg, store, enforcer)

	go func() {
		log.Printf("display http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	go func() {
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen error: %v", err)
		}
		log.Printf("display grpc listening on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(listener); err != nil {
			log.Fatalf("grpc server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	grpcServer.GracefulStop()
}

// runRelay keeps the pub/sub subscription alive across Redis outages.
func runRelay(ctx context.Context, relay *realtime.Relay) {
	for {
		err := relay.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("revision relay stopped: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}
