package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 구조체 - 모든 환경변수를 담음
type Config struct {
	// 서버
	Port        string
	Environment string

	// 로깅
	LogLevel    string
	LogFilePath string

	// 데이터베이스
	DBDriver      string
	DatabaseURL   string
	DBAutoMigrate bool

	// Redis
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisUsername string
	RedisPassword string
	RedisUseTLS   bool

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// 인증
	AuthMode       string
	JWTSecret      string
	InternalAPIKey string

	// 예측 서비스
	PredictionProvider    string
	ReplicateAPIURL       string
	ReplicateAPIToken     string
	ReplicateModelVersion string
	GeminiAPIKeys         []string
	GeminiModel           string

	// Credit
	ImagePerPrice int

	// 생성 파이프라인
	SubBatchSize    int
	PollInterval    time.Duration
	PollMaxAttempts int
	HandlerDeadline time.Duration
	PendingExpiry   time.Duration
	MaxBatchUnits   int
}

var globalConfig *Config

// LoadConfig - 환경변수 로드 후 검증 (.env 는 있으면 사용)
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  .env file not found, using environment variables")
	}

	globalConfig = &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("GO_ENV", "development"),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFilePath: getEnv("LOG_FILE_PATH", "generation.log"),

		DBDriver:      strings.ToLower(getEnv("DB_DRIVER", "postgres")),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		DBAutoMigrate: getEnvAsBool("DB_AUTO_MIGRATE", false),

		RedisEnabled:  getEnvAsBool("REDIS_ENABLED", true),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisUsername: getEnv("REDIS_USERNAME", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisUseTLS:   getEnvAsBool("REDIS_USE_TLS", true),

		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "attachments"),

		AuthMode:       strings.ToLower(getEnv("AUTH_MODE", "supabase")),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		InternalAPIKey: getEnv("INTERNAL_API_KEY", ""),

		PredictionProvider:    strings.ToLower(getEnv("PREDICTION_PROVIDER", "replicate")),
		ReplicateAPIURL:       getEnv("REPLICATE_API_URL", "https://api.replicate.com/v1"),
		ReplicateAPIToken:     getEnv("REPLICATE_API_TOKEN", ""),
		ReplicateModelVersion: getEnv("REPLICATE_MODEL_VERSION", ""),
		GeminiAPIKeys:         splitList(getEnv("GEMINI_API_KEY", "")),
		GeminiModel:           getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),

		// 유닛당 차감 크레딧 (기본 2)
		ImagePerPrice: getEnvAsInt("IMAGE_PER_PRICE", 2),

		SubBatchSize:    getEnvAsInt("SUB_BATCH_SIZE", 5),
		PollInterval:    time.Duration(getEnvAsInt("POLL_INTERVAL_MS", 5000)) * time.Millisecond,
		PollMaxAttempts: getEnvAsInt("POLL_MAX_ATTEMPTS", 60),
		HandlerDeadline: time.Duration(getEnvAsInt("HANDLER_DEADLINE_SECONDS", 300)) * time.Second,
		PendingExpiry:   time.Duration(getEnvAsInt("PENDING_EXPIRY_MINUTES", 60)) * time.Minute,
		MaxBatchUnits:   getEnvAsInt("MAX_BATCH_UNITS", 60),
	}

	if err := globalConfig.validate(); err != nil {
		return nil, err
	}

	log.Println("✅ Configuration loaded successfully")
	log.Printf("   Env: %s, DB: %s", globalConfig.Environment, globalConfig.DBDriver)
	log.Printf("   Redis: %s (enabled: %v, TLS: %v)", globalConfig.GetRedisAddr(), globalConfig.RedisEnabled, globalConfig.RedisUseTLS)
	log.Printf("   Supabase: %s", globalConfig.SupabaseURL)
	log.Printf("   Prediction: %s, Auth: %s", globalConfig.PredictionProvider, globalConfig.AuthMode)
	log.Printf("   Credit: %d per unit", globalConfig.ImagePerPrice)
	log.Printf("   Sub-batch: %d, deadline: %s", globalConfig.SubBatchSize, globalConfig.HandlerDeadline)

	return globalConfig, nil
}

// GetConfig - 로드된 설정 반환, LoadConfig 먼저 호출 필요
func GetConfig() *Config {
	if globalConfig == nil {
		log.Fatal("❌ Config not loaded. Call LoadConfig() first.")
	}
	return globalConfig
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisEnabled && c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required when REDIS_ENABLED")
	}

	switch c.AuthMode {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required for AUTH_MODE=supabase")
		}
	case "jwt":
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required for AUTH_MODE=jwt")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be supabase or jwt, got %q", c.AuthMode)
	}

	switch c.PredictionProvider {
	case "replicate":
		if c.ReplicateAPIToken == "" {
			return fmt.Errorf("REPLICATE_API_TOKEN is required")
		}
	case "gemini":
		if len(c.GeminiAPIKeys) == 0 {
			return fmt.Errorf("GEMINI_API_KEY is required")
		}
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required to store gemini outputs")
		}
	default:
		return fmt.Errorf("PREDICTION_PROVIDER must be replicate or gemini, got %q", c.PredictionProvider)
	}

	if c.ImagePerPrice <= 0 {
		return fmt.Errorf("IMAGE_PER_PRICE must be positive")
	}
	if c.SubBatchSize <= 0 {
		return fmt.Errorf("SUB_BATCH_SIZE must be positive")
	}
	if c.PollMaxAttempts <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS and POLL_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// IsProduction - GO_ENV=production 여부
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// GetRedisAddr - Redis 주소 (host:port)
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if parsed, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return parsed
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if parsed, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return parsed
	}
	return defaultValue
}

// splitList - 콤마 구분 값 파싱, 빈 값 제외 (GEMINI_API_KEY=key1,key2)
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
