package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json | pretty

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Persistence. DatabaseURL wins over SQLitePath; with neither, messages live in memory.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	DBBootstrap bool
	SQLitePath  string

	// If true:
	// - /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool

	MaxConcurrentUsers int
	// EnforceGroups makes joinGroup and POST /group-messages reject groups missing from the store.
	EnforceGroups bool

	WSOriginRequired   bool
	WSAllowedOrigins   []string
	WSDevInsecure      bool
	WSWriteTimeout     time.Duration
	WSReadIdleTimeout  time.Duration
	WSSendQueueSize    int
	WSHeartbeatEvery   time.Duration
	WSHeartbeatTimeout time.Duration
	WSRateLimitEvents  int
	WSRateLimitWindow  time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("RELAY_HTTP_ADDR", "0.0.0.0:3000"),
		LogLevel:  EnvString("RELAY_LOG_LEVEL", "info"),
		LogFormat: EnvString("RELAY_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("RELAY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("RELAY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("RELAY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("RELAY_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("RELAY_DB_SCHEMA", "relay"),
		DBBootstrap: EnvBool("RELAY_DB_BOOTSTRAP", false),
		SQLitePath:  EnvString("RELAY_SQLITE_PATH", ""),

		ReadinessRequireDB: EnvBool("RELAY_READINESS_REQUIRE_DB", false),

		MaxConcurrentUsers: EnvInt("RELAY_MAX_CONCURRENT_USERS", 50),
		EnforceGroups:      EnvBool("RELAY_ENFORCE_GROUPS", false),

		WSOriginRequired:   EnvBool("RELAY_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:   EnvCSV("RELAY_WS_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		WSDevInsecure:      EnvBool("RELAY_WS_DEV_INSECURE", false),
		WSWriteTimeout:     EnvDuration("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:  EnvDuration("RELAY_WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSSendQueueSize:    EnvInt("RELAY_WS_SEND_QUEUE", 256),
		WSHeartbeatEvery:   EnvDuration("RELAY_WS_HEARTBEAT_EVERY", 25*time.Second),
		WSHeartbeatTimeout: EnvDuration("RELAY_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateLimitEvents:  EnvInt("RELAY_WS_RATE_EVENTS", 120),
		WSRateLimitWindow:  EnvDuration("RELAY_WS_RATE_WINDOW", 10*time.Second),

		CORSAllowedOrigins:   EnvCSV("RELAY_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("RELAY_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("RELAY_CORS_MAX_AGE_SECONDS", 600),
	}
}
