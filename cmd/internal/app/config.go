package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	SessionsDir       string
	CredentialsKeyHex string

	BridgeURL   string
	BridgeToken string

	WebhookURL     string
	WebhookTimeout time.Duration
	WebhookSecret  string

	SendTimeout          time.Duration
	SendRate             float64
	SendBurst            int
	LookupTimeout        time.Duration
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	WatchdogInterval     time.Duration
	WatchdogLow          time.Duration
	WatchdogHigh         time.Duration

	ReloadOnStart     bool
	ReloadConcurrency int

	APIToken string

	WSAllowedOrigins []string
	WSOriginRequired bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("WAGATE_HTTP_ADDR", "0.0.0.0:3000"),
		LogLevel:  EnvString("WAGATE_LOG_LEVEL", "info"),
		LogFormat: EnvString("WAGATE_LOG_FORMAT", "json"),

		// WriteTimeout covers a send with fallback: two attempts of SendTimeout.
		ReadHeaderTimeout: EnvDuration("WAGATE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("WAGATE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("WAGATE_HTTP_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       EnvDuration("WAGATE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("WAGATE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("WAGATE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("WAGATE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("WAGATE_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("WAGATE_DB_SCHEMA", "public"),

		ReadinessRequireDB: EnvBool("WAGATE_READINESS_REQUIRE_DB", false),

		SessionsDir:       EnvString("WAGATE_SESSIONS_DIR", "./whatsapp-sessions"),
		CredentialsKeyHex: EnvString("WAGATE_CREDENTIALS_KEY_HEX", ""),

		BridgeURL:   EnvString("WAGATE_BRIDGE_URL", "ws://127.0.0.1:8090"),
		BridgeToken: EnvString("WAGATE_BRIDGE_TOKEN", ""),

		WebhookURL:     EnvString("WAGATE_WEBHOOK_URL", "http://localhost:5678/webhook/whatsapp-mensaje"),
		WebhookTimeout: EnvDuration("WAGATE_WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookSecret:  EnvString("WAGATE_WEBHOOK_SECRET", ""),

		SendTimeout:          EnvDuration("WAGATE_SEND_TIMEOUT", 10*time.Second),
		SendRate:             EnvFloat("WAGATE_SEND_RATE", 5),
		SendBurst:            EnvInt("WAGATE_SEND_BURST", 10),
		LookupTimeout:        EnvDuration("WAGATE_LOOKUP_TIMEOUT", 5*time.Second),
		ReconnectDelay:       EnvDuration("WAGATE_RECONNECT_DELAY", 5*time.Second),
		ReconnectMaxDelay:    EnvDuration("WAGATE_RECONNECT_MAX_DELAY", 60*time.Second),
		ReconnectMaxAttempts: EnvInt("WAGATE_RECONNECT_MAX_ATTEMPTS", 5),
		WatchdogInterval:     EnvDuration("WAGATE_WATCHDOG_INTERVAL", 30*time.Second),
		WatchdogLow:          EnvDuration("WAGATE_WATCHDOG_LOW", 60*time.Second),
		WatchdogHigh:         EnvDuration("WAGATE_WATCHDOG_HIGH", 5*time.Minute),

		ReloadOnStart:     EnvBool("WAGATE_RELOAD_ON_START", true),
		ReloadConcurrency: EnvInt("WAGATE_RELOAD_CONCURRENCY", 4),

		APIToken: EnvString("WAGATE_API_TOKEN", ""),

		WSAllowedOrigins: EnvCSV("WAGATE_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		WSOriginRequired: EnvBool("WAGATE_WS_ORIGIN_REQUIRED", true),
	}
}
