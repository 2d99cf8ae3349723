package config

import "time"

// Execution backends understood by the API.
const (
	BackendBuilder = "builder"
	BackendRedis   = "redis"
)

// Database drivers understood by the API.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment            string
	Addr                   string
	LogLevel               string
	DatabaseDriver         string
	DatabaseURL            string
	JWTSecret              string
	EncryptionKey          string
	TokenTTL               time.Duration
	ExecutionBackend       string
	BuilderURL             string
	BuilderAuthToken       string
	BuilderTimeout         time.Duration
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	WorkerStreams          []string
	StopChannel            string
	LogBuffer              int
	RateLimitRedisAddr     string
	RateLimitRedisPass     string
	RateLimitRedisDB       int
	ServerConcurrentBuilds int
	QueueReconcileInterval time.Duration
	DeploymentTimeout      time.Duration
	DefaultPageSize        int
	MaxPageSize            int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:            GetString("APP_ENV", "development"),
		Addr:                   GetString("API_ADDR", ":4000"),
		LogLevel:               GetString("LOG_LEVEL", "info"),
		DatabaseDriver:         GetString("DATABASE_DRIVER", DriverPostgres),
		DatabaseURL:            GetString("DATABASE_URL", "postgres://saturn:saturn@db:5432/saturn?sslmode=disable"),
		JWTSecret:              GetString("JWT_SECRET", "supersecuresecret"),
		EncryptionKey:          GetString("ENCRYPTION_KEY", "supersecuresecret"),
		TokenTTL:               time.Duration(GetInt("API_TOKEN_TTL_DAYS", 365)) * 24 * time.Hour,
		ExecutionBackend:       GetString("EXECUTION_BACKEND", BackendBuilder),
		BuilderURL:             GetString("BUILDER_URL", "http://builder:5000"),
		BuilderAuthToken:       GetString("BUILDER_AUTH_TOKEN", ""),
		BuilderTimeout:         time.Duration(GetInt("BUILDER_TIMEOUT_SECONDS", 30)) * time.Second,
		RedisAddr:              GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword:          GetString("REDIS_PASSWORD", ""),
		RedisDB:                GetInt("REDIS_DB", 0),
		WorkerStreams:          GetList("WORKER_STREAMS", []string{"saturn:deployments"}),
		StopChannel:            GetString("STOP_CHANNEL", "saturn:deployments:stop"),
		LogBuffer:              GetInt("WS_LOG_BUFFER", 100),
		RateLimitRedisAddr:     GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:     GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:       GetInt("RATE_LIMIT_REDIS_DB", 0),
		ServerConcurrentBuilds: GetInt("SERVER_CONCURRENT_BUILDS", 0),
		QueueReconcileInterval: time.Duration(GetInt("QUEUE_RECONCILE_SECONDS", 30)) * time.Second,
		DeploymentTimeout:      time.Duration(GetInt("DEPLOYMENT_TIMEOUT_SECONDS", 3600)) * time.Second,
		DefaultPageSize:        GetInt("DEPLOYMENTS_PAGE_SIZE", 10),
		MaxPageSize:            GetInt("DEPLOYMENTS_MAX_PAGE_SIZE", 100),
	}
}
