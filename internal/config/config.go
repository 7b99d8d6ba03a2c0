package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string
	SkipAuth       bool
	OIDCIssuer     string

	// Store
	DatabaseDriver string
	DatabaseURL    string

	// Scheduler
	QueueCheckInterval    time.Duration
	SchedulerCycleTimeout time.Duration
	SchedulerEmbedded     bool
	StatsWindow           time.Duration
	StatsBroadcast        time.Duration
	ServiceLevelTarget    int
	ServiceLevelSeconds   int

	// Automated handler and telephony
	AIAgentName           string
	LiveKitURL            string
	LiveKitAPIKey         string
	LiveKitAPISecret      string
	SIPOutboundTrunkID    string
	TransferPickupTimeout time.Duration

	// Events
	AMQPURL      string
	AMQPExchange string

	// Call archive
	DynamoMode       string
	DynamoEndpoint   string
	DynamoRegion     string
	DynamoCallsTable string

	// Alerts
	QueueAlertLength      int
	QueueAlertWaitSeconds int

	// WebSocket
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

// ConfigurationError reports a setting the process cannot start without
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:               getEnv("PORT", "8080"),
		AllowedOrigins:     strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "console"),
		SkipAuth:           getEnv("SKIP_AUTH", "false") == "true",
		OIDCIssuer:         os.Getenv("OIDC_ISSUER"),
		DatabaseDriver:     strings.ToLower(getEnv("DATABASE_DRIVER", DriverSQLite)),
		DatabaseURL:        getEnv("DATABASE_URL", "callrouter.db"),
		SchedulerEmbedded:  getEnv("SCHEDULER_EMBEDDED", "true") == "true",
		AIAgentName:        os.Getenv("AI_AGENT_NAME"),
		LiveKitURL:         os.Getenv("LIVEKIT_URL"),
		LiveKitAPIKey:      os.Getenv("LIVEKIT_API_KEY"),
		LiveKitAPISecret:   os.Getenv("LIVEKIT_API_SECRET"),
		SIPOutboundTrunkID: os.Getenv("SIP_OUTBOUND_TRUNK_ID"),
		AMQPURL:            os.Getenv("AMQP_URL"),
		AMQPExchange:       getEnv("AMQP_EXCHANGE", "callrouter.events"),
		DynamoMode:         getEnv("DYNAMO_MODE", "none"),
		DynamoEndpoint:     getEnv("DYNAMO_ENDPOINT", "http://localhost:8000"),
		DynamoRegion:       getEnv("DYNAMO_REGION", "eu-central-1"),
		DynamoCallsTable:   getEnv("DYNAMO_CALL_RECORDS_TABLE", "callrouter-call-records"),
	}

	durations := []struct {
		key  string
		def  string
		unit time.Duration
		dst  *time.Duration
	}{
		{"QUEUE_CHECK_INTERVAL", "2", time.Second, &config.QueueCheckInterval},
		{"SCHEDULER_CYCLE_TIMEOUT", "30", time.Second, &config.SchedulerCycleTimeout},
		{"STATS_WINDOW_MINUTES", "60", time.Minute, &config.StatsWindow},
		{"STATS_BROADCAST_INTERVAL", "5", time.Second, &config.StatsBroadcast},
		{"TRANSFER_PICKUP_TIMEOUT", "30", time.Second, &config.TransferPickupTimeout},
		{"WS_READ_TIMEOUT", "60", time.Second, &config.WSReadTimeout},
		{"WS_WRITE_TIMEOUT", "10", time.Second, &config.WSWriteTimeout},
	}
	for _, d := range durations {
		n, err := strconv.Atoi(getEnv(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive, got %d", d.key, n)
		}
		*d.dst = time.Duration(n) * d.unit
	}

	alertLength, err := strconv.Atoi(getEnv("QUEUE_ALERT_LENGTH", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_ALERT_LENGTH: %w", err)
	}
	config.QueueAlertLength = alertLength

	alertWait, err := strconv.Atoi(getEnv("QUEUE_ALERT_WAIT_SECONDS", "120"))
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_ALERT_WAIT_SECONDS: %w", err)
	}
	config.QueueAlertWaitSeconds = alertWait

	slTarget, err := strconv.Atoi(getEnv("SERVICE_LEVEL_TARGET", "80"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVICE_LEVEL_TARGET: %w", err)
	}
	config.ServiceLevelTarget = slTarget

	slSeconds, err := strconv.Atoi(getEnv("SERVICE_LEVEL_SECONDS", "20"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVICE_LEVEL_SECONDS: %w", err)
	}
	config.ServiceLevelSeconds = slSeconds

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 512

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

// Validate checks the settings the router cannot run without.
// The scheduler refuses to start without a registered automated handler.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return &ConfigurationError{Key: "DATABASE_DRIVER", Reason: fmt.Sprintf("unsupported driver %q", c.DatabaseDriver)}
	}
	if c.DatabaseURL == "" {
		return &ConfigurationError{Key: "DATABASE_URL", Reason: "required"}
	}
	if strings.TrimSpace(c.AIAgentName) == "" {
		return &ConfigurationError{Key: "AI_AGENT_NAME", Reason: "no automated handler registered"}
	}
	return c.ValidateTelephony()
}

// ValidateTelephony checks the media plane credentials
func (c *Config) ValidateTelephony() error {
	if c.LiveKitURL == "" {
		return &ConfigurationError{Key: "LIVEKIT_URL", Reason: "required"}
	}
	if c.LiveKitAPIKey == "" || c.LiveKitAPISecret == "" {
		return &ConfigurationError{Key: "LIVEKIT_API_KEY", Reason: "api key and secret are required"}
	}
	if c.SIPOutboundTrunkID == "" {
		return &ConfigurationError{Key: "SIP_OUTBOUND_TRUNK_ID", Reason: "required for transfers"}
	}
	return nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
