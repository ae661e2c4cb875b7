package app

import (
	"time"

	"beacon/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json (default) or console
	LogColor  bool

	// Optional rotated file sink; stdout is always written.
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	RedisURL    string
	PresenceTTL time.Duration

	NotifyMode         string // http | fcm | log
	NotifyURL          string
	NotifyTimeout      time.Duration
	NotifyMaxAttempts  int
	FCMCredentialsFile string
	FCMTopicPrefix     string

	AlertTTL          time.Duration
	AlertWriteTimeout time.Duration
	AlertMaxAttempts  int
	AlertBackoffStep  time.Duration
	UpdateLimit       time.Duration
	ExpirySchedule    string

	// Appends "(code: ...)" to store errors shown to the device.
	DebugErrors bool

	WS realtime.Options
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	ws := realtime.DefaultOptions()
	ws.DevInsecure = EnvBool("BEACON_WS_DEV_INSECURE", ws.DevInsecure)
	ws.OriginRequired = EnvBool("BEACON_WS_ORIGIN_REQUIRED", ws.OriginRequired)
	ws.AllowedOrigins = EnvCSV("BEACON_WS_ALLOWED_ORIGINS", ws.AllowedOrigins)
	ws.WriteTimeout = EnvDuration("BEACON_WS_WRITE_TIMEOUT", ws.WriteTimeout)
	ws.ReadIdleTimeout = EnvDuration("BEACON_WS_READ_IDLE_TIMEOUT", ws.ReadIdleTimeout)
	ws.SendQueueSize = EnvInt("BEACON_WS_SEND_QUEUE_SIZE", ws.SendQueueSize)
	ws.HeartbeatInterval = EnvDuration("BEACON_WS_HEARTBEAT_INTERVAL", ws.HeartbeatInterval)
	ws.HeartbeatTimeout = EnvDuration("BEACON_WS_HEARTBEAT_TIMEOUT", ws.HeartbeatTimeout)
	ws.RateEvents = EnvInt("BEACON_WS_RATE_EVENTS", ws.RateEvents)
	ws.RateWindow = EnvDuration("BEACON_WS_RATE_WINDOW", ws.RateWindow)

	return Config{
		HTTPAddr:  EnvString("BEACON_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("BEACON_LOG_LEVEL", "info"),
		LogFormat: EnvString("BEACON_LOG_FORMAT", "json"),
		LogColor:  EnvBool("BEACON_LOG_COLOR", true),

		LogFile:       EnvString("BEACON_LOG_FILE", ""),
		LogMaxSizeMB:  EnvInt("BEACON_LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: EnvInt("BEACON_LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: EnvInt("BEACON_LOG_MAX_AGE_DAYS", 14),

		ReadHeaderTimeout: EnvDuration("BEACON_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("BEACON_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("BEACON_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("BEACON_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("BEACON_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("BEACON_SHUTDOWN_TIMEOUT", 10*time.Second),

		CORSAllowedOrigins:   EnvCSV("BEACON_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("BEACON_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("BEACON_CORS_MAX_AGE_SECONDS", 600),

		DatabaseURL:   EnvString("BEACON_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("BEACON_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("BEACON_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("BEACON_DB_SCHEMA", "beacon"),
		DBAutoMigrate: EnvBool("BEACON_DB_AUTO_MIGRATE", true),

		ReadinessRequireDB: EnvBool("BEACON_READINESS_REQUIRE_DB", false),

		RedisURL:    EnvString("BEACON_REDIS_URL", ""),
		PresenceTTL: EnvDuration("BEACON_PRESENCE_TTL", 7*24*time.Hour),

		NotifyMode:         EnvString("BEACON_NOTIFY_MODE", "log"),
		NotifyURL:          EnvString("BEACON_NOTIFY_URL", ""),
		NotifyTimeout:      EnvDuration("BEACON_NOTIFY_TIMEOUT", 10*time.Second),
		NotifyMaxAttempts:  EnvInt("BEACON_NOTIFY_MAX_ATTEMPTS", 3),
		FCMCredentialsFile: EnvString("BEACON_FCM_CREDENTIALS_FILE", ""),
		FCMTopicPrefix:     EnvString("BEACON_FCM_TOPIC_PREFIX", "sos"),

		AlertTTL:          EnvDuration("BEACON_ALERT_TTL", 2*time.Hour),
		AlertWriteTimeout: EnvDuration("BEACON_ALERT_WRITE_TIMEOUT", 15*time.Second),
		AlertMaxAttempts:  EnvInt("BEACON_ALERT_MAX_ATTEMPTS", 3),
		AlertBackoffStep:  EnvDuration("BEACON_ALERT_BACKOFF_STEP", time.Second),
		UpdateLimit:       EnvDuration("BEACON_UPDATE_TIMEOUT", 10*time.Second),
		ExpirySchedule:    EnvString("BEACON_EXPIRY_SCHEDULE", "@every 1m"),

		DebugErrors: EnvBool("BEACON_DEBUG_ERRORS", false),

		WS: ws,
	}
}
