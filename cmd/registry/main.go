package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/veriregistry/internal/identity"
	"github.com/jmerrifield20/veriregistry/internal/registry"
	"github.com/jmerrifield20/veriregistry/internal/registry/handler"
	"github.com/jmerrifield20/veriregistry/internal/registry/model"
	"github.com/jmerrifield20/veriregistry/internal/registry/repository"
	"github.com/jmerrifield20/veriregistry/internal/registry/service"
	"github.com/jmerrifield20/veriregistry/internal/snapshot"
	"github.com/jmerrifield20/veriregistry/internal/trustledger"
	"github.com/jmerrifield20/veriregistry/pkg/merkle"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("registry exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("registry")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("registry.port", 8080)
	viper.SetDefault("registry.grpc_port", 9090)
	viper.SetDefault("registry.hash_algorithm", merkle.AlgSHA3)
	viper.SetDefault("registry.proof_cache_size", 4096)
	viper.SetDefault("registry.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("registry.rate_limit_rps", 20)
	viper.SetDefault("registry.snapshot_interval", "1m")
	viper.SetDefault("registry.audit_sample", 16)
	viper.SetDefault("registry.expiry_sweep_interval", "1m")
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.connect_retries", 5)
	viper.SetDefault("auth.token_secret", "")
	viper.SetDefault("auth.token_issuer", "veriregistry")
	viper.SetDefault("auth.token_ttl", "1h")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Hasher ───────────────────────────────────────────────────────────────
	hasher, err := merkle.NewHasher(viper.GetString("registry.hash_algorithm"))
	if err != nil {
		return fmt.Errorf("hash algorithm: %w", err)
	}

	reg := service.NewRegistry(
		registry.WithHasher[model.Permission](hasher),
		registry.WithLogger[model.Permission](logger.Named("registry")),
		registry.WithProofCache[model.Permission](viper.GetInt("registry.proof_cache_size")),
		registry.WithRebuildHook[model.Permission](handler.RecordRebuild),
	)

	// ── Persistence (optional) ───────────────────────────────────────────────
	var (
		ledger trustledger.Ledger = trustledger.New()
		repo   *repository.PermissionRepository
	)
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := connectDB(dbURL, uint64(viper.GetInt("database.connect_retries")), logger)
		if err != nil {
			return err
		}
		defer db.Close()
		ledger = trustledger.NewPostgresLedger(db, logger)
		repo = repository.NewPermissionRepository(db)
	} else {
		logger.Warn("database.url not set: running in memory mode, state is lost on restart")
	}
	ledger = meteredLedger{ledger}

	startCtx := context.Background()
	if err := ledger.Verify(startCtx); err != nil {
		logger.Warn("trust ledger integrity check FAILED", zap.Error(err))
	} else {
		n, _ := ledger.Len(startCtx)
		root, _ := ledger.Root(startCtx)
		logger.Info("trust ledger verified",
			zap.Int("entries", n),
			zap.String("root", root),
		)
	}

	// ── Service ──────────────────────────────────────────────────────────────
	var svc *service.PermissionService
	if repo != nil {
		svc = service.NewPermissionService(reg, repo, ledger, logger)
		n, err := svc.LoadFromRepository(startCtx)
		if err != nil {
			return fmt.Errorf("load registry: %w", err)
		}
		if latest, err := repo.LatestSnapshot(startCtx); err == nil && latest.RootHash != svc.Root() {
			logger.Warn("restored root differs from last snapshot",
				zap.String("snapshot_root", latest.RootHash),
				zap.String("restored_root", svc.Root()),
			)
		}
		logger.Info("registry restored", zap.Int("entries", n), zap.String("root", svc.Root()))
	} else {
		svc = service.NewPermissionService(reg, nil, ledger, logger)
	}

	// ── Operator tokens ──────────────────────────────────────────────────────
	var tokens *identity.TokenIssuer
	if secret := viper.GetString("auth.token_secret"); secret != "" {
		tokens, err = identity.NewTokenIssuer([]byte(secret),
			viper.GetString("auth.token_issuer"),
			viper.GetDuration("auth.token_ttl"),
		)
		if err != nil {
			return fmt.Errorf("token issuer: %w", err)
		}
	} else {
		logger.Warn("auth.token_secret not set: mutating routes are unauthenticated; do not use in production")
	}

	permHandler := handler.NewPermissionHandler(svc, tokens, logger)
	proofHandler := handler.NewProofHandler(svc, logger)
	ledgerHandler := handler.NewLedgerHandler(ledger, logger)

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS
	corsOrigins := viper.GetStringSlice("registry.cors_origins")
	corsConfig := cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// Per-IP rate limiting
	rps := viper.GetInt("registry.rate_limit_rps")
	if rps > 0 {
		router.Use(handler.RateLimiter(bgCtx, rps, rps*2))
	}

	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "root": svc.Root()})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	permHandler.Register(v1)
	proofHandler.Register(v1)
	ledgerHandler.Register(v1)

	// stop is closed on shutdown so every background loop observes it.
	stop := make(chan os.Signal)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// ── Background: expire due grants ────────────────────────────────────────
	sweepEvery := viper.GetDuration("registry.expiry_sweep_interval")
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	go func() {
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), sweepEvery)
				n, err := svc.ExpireDue(ctx, now.UTC())
				if err != nil {
					logger.Warn("expiry sweep error", zap.Error(err))
				} else if n > 0 {
					logger.Info("expired grants", zap.Int("count", n))
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()

	// ── Background: snapshots + proof self-audit ─────────────────────────────
	var recorder snapshot.Recorder
	if repo != nil {
		recorder = repo
	}
	snapper := snapshot.New(reg, recorder, snapshot.Config{
		Interval:    viper.GetDuration("registry.snapshot_interval"),
		AuditSample: viper.GetInt("registry.audit_sample"),
	}, logger.Named("snapshot"))
	snapper.SetMetricsRecord(handler.RecordAudit)
	snapper.SetGauge(handler.SetEntriesGauge)
	go snapper.Start(stop)

	// ── gRPC health ──────────────────────────────────────────────────────────
	grpcPort := viper.GetInt("registry.grpc_port")
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("registry gRPC health listening", zap.Int("port", grpcPort))
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("gRPC serve error", zap.Error(err))
		}
	}()

	httpPort := viper.GetInt("registry.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("registry HTTP listening",
			zap.Int("port", httpPort),
			zap.String("algorithm", hasher.Name()),
			zap.String("root", svc.Root()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down registry...")
	close(stop)
	healthSrv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcSrv.GracefulStop()

	if err := svc.Flush(ctx); err != nil {
		logger.Error("final flush failed", zap.Error(err))
	}

	logger.Info("registry stopped", zap.String("root", svc.Root()))
	return nil
}

// connectDB opens a pool and pings it, retrying with exponential backoff
// while Postgres comes up.
func connectDB(url string, retries uint64, logger *zap.Logger) (*pgxpool.Pool, error) {
	ctx := context.Background()
	db, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	b, err := retry.NewExponential(500 * time.Millisecond)
	if err != nil {
		db.Close()
		return nil, err
	}
	err = retry.Do(ctx, retry.WithMaxRetries(retries, b), func(ctx context.Context) error {
		if err := db.Ping(ctx); err != nil {
			logger.Warn("postgres not ready", zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to postgres")
	return db, nil
}

// meteredLedger counts successful appends.
type meteredLedger struct {
	trustledger.Ledger
}

func (m meteredLedger) Append(ctx context.Context, entryKey, action, actor string, payload any) (*trustledger.Entry, error) {
	e, err := m.Ledger.Append(ctx, entryKey, action, actor, payload)
	if err == nil {
		handler.RecordLedgerAppend()
	}
	return e, err
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
