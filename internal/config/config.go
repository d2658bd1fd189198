package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               string
	DatabaseURL        string
	StoreDriver        string
	SeedDemo           bool
	Timezone           string
	DefaultMaxQuota    int
	PharmacyLocation   string
	StrictTransitions  bool
	StrictFulfillment  bool
	LowStockInterval   time.Duration
	ReorderMultiplier  int
	RedisAddress       string
	RedisPassword      string
	RedisChannel       string
	RateLimitPerMinute int
	RateLimitBurst     int
	NotifyProvider     string
	NotifyWebhookURL   string
	NotifyWebhookToken string
	SMTPHost           string
	SMTPPort           int
	SMTPUser           string
	SMTPPassword       string
	NotifyEmailFrom    string
	NotifyEmailTo      string
	SnowflakeNode      int64
	LogLevel           string
	OTLPEndpoint       string
	OTLPInsecure       bool
	TraceSampleRatio   float64
}

// Load reads the environment, after applying a .env file when one exists.
func Load() Config {
	_ = godotenv.Load()

	databaseURL := os.Getenv("DB_DSN")
	driver := os.Getenv("STORE_DRIVER")
	if driver == "" {
		driver = "memory"
		if databaseURL != "" {
			driver = "postgres"
		}
	}

	return Config{
		Port:               readString("PORT", "8080"),
		DatabaseURL:        databaseURL,
		StoreDriver:        driver,
		SeedDemo:           readBool("SEED_DEMO", false),
		Timezone:           readString("TIMEZONE", "Asia/Jakarta"),
		DefaultMaxQuota:    readInt("DEFAULT_MAX_QUOTA", 30),
		PharmacyLocation:   readString("PHARMACY_LOCATION_NAME", "Apotek Utama"),
		StrictTransitions:  readBool("STRICT_TICKET_TRANSITIONS", false),
		StrictFulfillment:  readBool("STRICT_FULFILLMENT", false),
		LowStockInterval:   readDurationSeconds("LOW_STOCK_SCAN_INTERVAL_SECONDS", 300),
		ReorderMultiplier:  readInt("LOW_STOCK_REORDER_MULTIPLIER", 2),
		RedisAddress:       os.Getenv("REDIS_ADDRESS"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisChannel:       readString("REDIS_CHANNEL", "simrs:events"),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		NotifyProvider:     readString("NOTIFY_PROVIDER", "log"),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookToken: os.Getenv("NOTIFY_WEBHOOK_TOKEN"),
		SMTPHost:           os.Getenv("SMTP_HOST"),
		SMTPPort:           readInt("SMTP_PORT", 587),
		SMTPUser:           os.Getenv("SMTP_USER"),
		SMTPPassword:       os.Getenv("SMTP_PASSWORD"),
		NotifyEmailFrom:    os.Getenv("NOTIFY_EMAIL_FROM"),
		NotifyEmailTo:      readString("NOTIFY_EMAIL_TO", "apotek"),
		SnowflakeNode:      int64(readInt("SNOWFLAKE_NODE", 1)),
		LogLevel:           readString("LOG_LEVEL", "info"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:       readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio:   readFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
	}
}

// Location resolves Timezone, falling back to UTC when the zone is unknown.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func readString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}
