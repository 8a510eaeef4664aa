package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qline/internal/cache"
	"qline/internal/config"
	"qline/internal/httpapi"
	"qline/internal/realtime"
	"qline/internal/service"
	"qline/internal/store"
	"qline/internal/store/memory"
	"qline/internal/store/postgres"
	"qline/internal/telemetry"

	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("qline")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ticketStore, closeStore := buildStore(cfg)
	defer closeStore()

	c := cache.New(buildCacheStore(cfg))
	svc := service.New(ticketStore, c, service.Options{
		AverageServiceMinutes: float64(cfg.AverageServiceMinutes),
	})

	hub := realtime.NewHub()
	dispatcher := realtime.NewDispatcher(ticketStore, hub, cfg.DispatchInterval, cfg.DispatchBatchSize)

	handler := httpapi.NewHandler(svc)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		TenantPerMinute: cfg.TenantRateLimitPerMinute,
		TenantBurst:     cfg.TenantRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/", handler.Routes())
	sockjsHandler := sockjs.NewHandler("/realtime", sockjs.DefaultOptions,
		realtime.SessionHandler(hub, tenantAuth, statusFunc(svc)))
	mux.Handle("/realtime/", sockjsHandler)

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "qline")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	go dispatcher.Run(runCtx)

	go svc.RunNoShowSweeper(runCtx, cfg.NoShowGrace, cfg.NoShowInterval, cfg.NoShowBatchSize, func(count int) {
		log.Printf("auto no-show processed %d tickets", count)
	})

	go func() {
		log.Printf("qline listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	stopWorkers()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// buildStore returns the postgres store when DB_DSN is set, otherwise an
// in-memory store for local development.
func buildStore(cfg config.Config) (store.TicketStore, func()) {
	if cfg.DatabaseURL == "" {
		log.Printf("DB_DSN not set, using in-memory store")
		s := memory.NewStore()
		s.SetNoShowReturnToQueue(cfg.NoShowReturnToQueue)
		return s, func() {}
	}
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	return postgres.NewStore(pool, postgres.Options{
		NoShowReturnToQueue: cfg.NoShowReturnToQueue,
	}), pool.Close
}

func buildCacheStore(cfg config.Config) cache.Store {
	if cfg.RedisAddr == "" {
		return cache.NewMemory()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return cache.NewRedis(client)
}

// tenantAuth scopes a live-channel connection to a tenant. The header is
// trusted here; an edge proxy terminates auth in front of this service.
func tenantAuth(r *http.Request) (string, error) {
	if r == nil {
		return "", nil
	}
	if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" {
		return tenant, nil
	}
	return r.URL.Query().Get("tenant_id"), nil
}

func statusFunc(svc *service.QueueService) realtime.StatusFunc {
	return func(ctx context.Context, tenantID, queueID string) (realtime.QueueMetricsPayload, error) {
		status, err := svc.GetQueueStatus(ctx, tenantID, queueID)
		if err != nil {
			return realtime.QueueMetricsPayload{}, err
		}
		return realtime.QueueMetricsPayload{
			QueueID:             status.QueueID,
			QueueName:           status.QueueName,
			WaitingCount:        status.WaitingCount,
			NextTicketNumber:    status.NextTicketNumber,
			ActiveSessions:      status.ActiveSessions,
			EstimatedWaitMinute: status.EstimatedWaitMinutes,
		}, nil
	}
}
