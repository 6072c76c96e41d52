package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"quel-generation-server/modules/common/auth"
	"quel-generation-server/modules/common/config"
	"quel-generation-server/modules/common/database"
	"quel-generation-server/modules/common/lock"
	"quel-generation-server/modules/common/logger"
	"quel-generation-server/modules/common/metrics"
	redisClient "quel-generation-server/modules/common/redis"
	"quel-generation-server/modules/common/storage"
	"quel-generation-server/modules/credit"
	"quel-generation-server/modules/generation"
	"quel-generation-server/modules/prediction"
	"quel-generation-server/modules/worker"
)

// CORS 미들웨어
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Internal-Api-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// 헬스 체크 엔드포인트 (DB ping 포함)
func healthCheck(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		status := "healthy"
		code := http.StatusOK
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "quel-generation-server",
		})
	}
}

// newSupabase - supabase 설정이 없으면 nil
func newSupabase(cfg *config.Config) (*supabase.Client, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, nil
	}
	return supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, nil)
}

// newResolver - AUTH_MODE 에 따른 토큰 검증기
func newResolver(cfg *config.Config, sb *supabase.Client) (auth.Resolver, error) {
	switch cfg.AuthMode {
	case "jwt":
		return auth.NewJWTResolver(cfg.JWTSecret), nil
	case "supabase":
		if sb == nil {
			return nil, errors.New("supabase client is not configured")
		}
		return auth.NewSupabaseResolver(sb, 5*time.Minute), nil
	default:
		return nil, errors.New("unknown AUTH_MODE " + cfg.AuthMode)
	}
}

// newProvider - PREDICTION_PROVIDER 에 따른 예측 서비스, wait 는 shutdown 시 호출
func newProvider(cfg *config.Config, sb *supabase.Client, zl *zap.Logger) (prediction.Provider, func(), error) {
	switch cfg.PredictionProvider {
	case "gemini":
		if sb == nil {
			return nil, nil, errors.New("supabase storage is required for gemini outputs")
		}
		uploader := storage.NewClient(sb, cfg.SupabaseStorageBucket, zl)
		provider := prediction.NewGeminiProvider(cfg.GeminiAPIKeys, cfg.GeminiModel, uploader, zl)
		return provider, provider.Wait, nil
	case "replicate":
		provider := prediction.NewReplicateProvider(cfg.ReplicateAPIURL, cfg.ReplicateAPIToken, cfg.ReplicateModelVersion, zl)
		return provider, func() {}, nil
	default:
		return nil, nil, errors.New("unknown PREDICTION_PROVIDER " + cfg.PredictionProvider)
	}
}

func main() {
	// 환경변수 로드
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	zl := logger.New(cfg)
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg, zl)
	if err != nil {
		zl.Fatal("❌ Failed to connect database", zap.Error(err))
	}

	sb, err := newSupabase(cfg)
	if err != nil {
		zl.Fatal("❌ Failed to create Supabase client", zap.Error(err))
	}

	resolver, err := newResolver(cfg, sb)
	if err != nil {
		zl.Fatal("❌ Failed to create auth resolver", zap.Error(err))
	}

	provider, waitProvider, err := newProvider(cfg, sb, zl)
	if err != nil {
		zl.Fatal("❌ Failed to create prediction provider", zap.Error(err))
	}

	// Redis 가 없으면 단일 인스턴스 락, resume 큐 비활성
	var (
		rdb         *goredis.Client
		queue       generation.Enqueuer
		resumeQueue *worker.Queue
	)
	var locker lock.Locker = lock.NewMemoryLocker()
	m := metrics.Default()
	if cfg.RedisEnabled {
		rdb, err = redisClient.Connect(cfg, zl)
		if err != nil {
			zl.Fatal("❌ Failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, zl)
		resumeQueue = worker.NewQueue(rdb, zl, m)
		queue = resumeQueue
	} else {
		zl.Warn("⚠️ Redis disabled: in-memory batch lock, resume queue off")
	}

	ledger := credit.NewGormLedger(db, zl)
	coordinator := generation.NewCoordinator(
		generation.NewGormStore(db),
		credit.NewSettlement(ledger, zl, m),
		prediction.NewSubmitter(provider, zl),
		prediction.NewPoller(provider, cfg.PollInterval, cfg.PollMaxAttempts, zl),
		locker,
		generation.Options{
			UnitCost:        int64(cfg.ImagePerPrice),
			SubBatchSize:    cfg.SubBatchSize,
			MaxBatchUnits:   cfg.MaxBatchUnits,
			HandlerDeadline: cfg.HandlerDeadline,
			PendingExpiry:   cfg.PendingExpiry,
		},
		zl,
		m,
	)

	// 라우터 설정
	r := mux.NewRouter()
	r.Use(enableCORS)

	r.HandleFunc("/", healthCheck(db)).Methods("GET")
	r.HandleFunc("/health", healthCheck(db)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware(resolver, zl))

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(auth.ServiceKeyMiddleware(cfg.InternalAPIKey))

	credit.NewHandler(ledger, zl).RegisterRoutes(api, internal)
	generation.NewHandler(coordinator, queue, zl).RegisterRoutes(api)

	// Redis Queue Worker 시작 (백그라운드)
	workerDone := make(chan struct{})
	if rdb != nil {
		worker.NewEnqueueHandler(resumeQueue, zl).RegisterRoutes(internal)
		w := worker.NewWorker(rdb, coordinator, 2, zl)
		go func() {
			w.Start(ctx)
			close(workerDone)
		}()
	} else {
		close(workerDone)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// 배치 요청은 HandlerDeadline 까지 걸릴 수 있음
		WriteTimeout: cfg.HandlerDeadline + 30*time.Second,
	}

	go func() {
		zl.Info("🚀 Quel Generation Server starting", zap.String("port", cfg.Port))
		zl.Info("❤️ Health check", zap.String("url", "http://localhost:"+cfg.Port+"/health"))
		zl.Info("📊 Metrics", zap.String("url", "http://localhost:"+cfg.Port+"/metrics"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("🛑 Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HandlerDeadline+30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("❌ Server shutdown failed", zap.Error(err))
	}

	<-workerDone
	waitProvider()

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	zl.Info("👋 Server stopped")
}
