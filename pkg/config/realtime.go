package config

import "time"

// RealtimeConfig holds runtime configuration for the realtime notification service.
type RealtimeConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	NotifyChannel      string
	MigrateOnStart     bool
	LogLevel           string
	JWTSecret          string
	RequireSession     bool
	AllowedOrigins     []string
	ListenerStartTTL   time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	RecoveryInterval   time.Duration
	HeartbeatInterval  time.Duration
	SweepInterval      time.Duration
	WriteTimeout       time.Duration
	ClientPollInterval time.Duration
	ClientFallback     time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadRealtimeConfig constructs a RealtimeConfig from environment variables.
func LoadRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("REALTIME_ADDR", ":4100"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://andi:andi@db:5432/andi?sslmode=disable"),
		NotifyChannel:      GetString("PG_NOTIFY_CHANNEL", "andi_realtime"),
		MigrateOnStart:     GetBool("DB_MIGRATE_ON_START", false),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		RequireSession:     GetBool("WS_REQUIRE_SESSION", false),
		AllowedOrigins:     GetList("WS_ALLOWED_ORIGINS", []string{"*"}),
		ListenerStartTTL:   time.Duration(GetInt("LISTENER_START_TIMEOUT_SECONDS", 10)) * time.Second,
		BackoffBase:        time.Duration(GetInt("LISTENER_BACKOFF_BASE_MS", 1000)) * time.Millisecond,
		BackoffMax:         time.Duration(GetInt("LISTENER_BACKOFF_MAX_SECONDS", 30)) * time.Second,
		RecoveryInterval:   time.Duration(GetInt("REALTIME_RECOVERY_SECONDS", 60)) * time.Second,
		HeartbeatInterval:  time.Duration(GetInt("WS_HEARTBEAT_SECONDS", 30)) * time.Second,
		SweepInterval:      time.Duration(GetInt("WS_SWEEP_SECONDS", 300)) * time.Second,
		WriteTimeout:       time.Duration(GetInt("WS_WRITE_TIMEOUT_SECONDS", 10)) * time.Second,
		ClientPollInterval: time.Duration(GetInt("CLIENT_POLL_INTERVAL_MS", 5000)) * time.Millisecond,
		ClientFallback:     time.Duration(GetInt("CLIENT_FALLBACK_DELAY_MS", 15000)) * time.Millisecond,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
