package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mosh-tickets/sponsor-relay/internal/config"
	"github.com/mosh-tickets/sponsor-relay/internal/healthcheck"
	"github.com/mosh-tickets/sponsor-relay/internal/keysource"
	"github.com/mosh-tickets/sponsor-relay/internal/ledger"
	"github.com/mosh-tickets/sponsor-relay/internal/policy"
	"github.com/mosh-tickets/sponsor-relay/internal/relay"
	"github.com/mosh-tickets/sponsor-relay/internal/sponsor"
)

const (
	healthInterval = 30 * time.Second
	pruneInterval  = time.Minute
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Sponsor key + ledger ──────────────────────────────────────────────────
	key, err := keysource.Load(cfg.Sponsor)
	if err != nil {
		log.Fatal("sponsor key load failed", zap.Error(err))
	}
	chainClient, err := ledger.Dial(cfg)
	if err != nil {
		log.Fatal("ledger dial failed", zap.Error(err))
	}
	defer chainClient.Close()

	// ── Executor (single writer for the sponsor nonce) ────────────────────────
	exec := sponsor.NewExecutor(chainClient.Backend(), key.Private, chainClient.ChainID(), cfg.Sponsor.ConfirmTimeout(), log)
	go exec.Run(ctx)

	// ── Policy ────────────────────────────────────────────────────────────────
	pol, err := policy.New(cfg.Policy, chainClient, rdb, log)
	if err != nil {
		log.Fatal("policy init failed", zap.Error(err))
	}

	// ── Health ────────────────────────────────────────────────────────────────
	minBalance, _ := config.ParseWei(cfg.Sponsor.MinBalanceWei)
	checker := healthcheck.NewChecker(exec, minBalance, chainClient.EventManager().Address)
	monitor := healthcheck.NewMonitor(checker, healthInterval, log)
	go monitor.Run(ctx)

	var grpcSrv *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			log.Fatal("gRPC listen failed", zap.Error(err))
		}
		grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, monitor.Server())
		go func() {
			log.Info("gRPC health server starting", zap.Int("port", cfg.Server.GRPCPort))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error("gRPC server error", zap.Error(err))
			}
		}()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	limiter := relay.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	go runPruner(ctx, limiter, pruneInterval)

	handler := relay.NewHandler(chainClient, pol, exec, checker, relay.Options{
		RoleGasLimit:    cfg.Sponsor.RoleGasLimit,
		DefaultGasLimit: cfg.Sponsor.DefaultGasLimit,
		GasLimits:       cfg.Sponsor.GasLimits,
	}, log)

	router, err := newRouter(handler, limiter, cfg.Server.CORSOrigins, cfg.Server.TrustedProxies, log)
	if err != nil {
		log.Fatal("router init failed", zap.Error(err))
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("sponsor", exec.Address().Hex()),
			zap.Strings("sponsored_functions", pol.AllowedFunctions()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	// Drain in-flight requests before stopping the executor they wait on.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	cancel()
	log.Info("shutdown complete")
}

// newRouter builds the gin engine: recovery, request IDs, access log and CORS
// on everything, rate limiting on sponsored writes only. Forwarded-for headers
// are honoured only from trustedProxies; with none, the socket peer is the
// client IP the rate limiter keys on.
func newRouter(h *relay.Handler, limiter *relay.RateLimiter, origins, trustedProxies []string, log *zap.Logger) (*gin.Engine, error) {
	r := gin.New()
	if len(trustedProxies) == 0 {
		trustedProxies = nil
	}
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery(), relay.RequestID(), relay.AccessLog(log), relay.CORS(origins))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	h.Register(&r.RouterGroup, limiter.Middleware())
	return r, nil
}

// runPruner drops idle per-IP limiters until ctx is cancelled.
func runPruner(ctx context.Context, limiter *relay.RateLimiter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			limiter.Prune()
		case <-ctx.Done():
			return
		}
	}
}
