// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Logger   LoggerConfig
	Headers  HeaderStoreConfig
	Items    ItemsStoreConfig
	Business BusinessConfig
	Kafka    KafkaConfig
	Sweeper  SweeperConfig
}

type ServerConfig struct {
	AppEnv          string
	HTTPPort        int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type LoggerConfig struct {
	Level             string
	Encoding          string
	DisableCaller     bool
	DisableStacktrace bool
}

// HeaderStoreConfig selects the primary store: sqlite, postgres or memory.
type HeaderStoreConfig struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

// ItemsStoreConfig selects the items store driver: sqlite3, mysql or pgx.
type ItemsStoreConfig struct {
	Driver string
	DSN    string
}

type BusinessConfig struct {
	Timezone      string
	DirectoryFile string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// SweeperConfig drives the orphaned items sweeper.
type SweeperConfig struct {
	Enabled  bool
	Interval time.Duration
}

// IsDevelopment reports whether the service runs in a development env.
func (c *Config) IsDevelopment() bool {
	return c.Server.AppEnv == "development" || c.Server.AppEnv == "dev"
}

// Location resolves the business time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Business.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", c.Business.Timezone, err)
	}
	return loc, nil
}

// Load reads an optional .env file and then the environment.
func Load() *Config {
	_ = godotenv.Load()
	return LoadEnv()
}

// LoadEnv reads the environment only.
func LoadEnv() *Config {
	return &Config{
		Server: ServerConfig{
			AppEnv:          getEnv("APP_ENV", "development"),
			HTTPPort:        getEnvInt("HTTP_PORT", 8080),
			AllowedOrigins:  getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			ShutdownTimeout: time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Logger: LoggerConfig{
			Level:             getEnv("LOG_LEVEL", "info"),
			Encoding:          getEnv("LOG_ENCODING", "json"),
			DisableCaller:     getEnvBool("LOG_DISABLE_CALLER", false),
			DisableStacktrace: getEnvBool("LOG_DISABLE_STACKTRACE", true),
		},
		Headers: HeaderStoreConfig{
			Driver:      getEnv("HEADER_STORE", "sqlite"),
			SQLitePath:  getEnv("SQLITE_PATH", "./documents.db"),
			PostgresDSN: getEnv("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=documents port=5432 sslmode=disable"),
		},
		Items: ItemsStoreConfig{
			Driver: getEnv("ITEMS_DRIVER", "sqlite3"),
			DSN:    getEnv("ITEMS_DSN", "./document_items.db"),
		},
		Business: BusinessConfig{
			Timezone:      getEnv("BUSINESS_TIMEZONE", "Asia/Kolkata"),
			DirectoryFile: getEnv("DIRECTORY_FILE", ""),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvSlice("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC_NOTIFICATIONS", "documents.notifications"),
		},
		Sweeper: SweeperConfig{
			Enabled:  getEnvBool("ORPHAN_SWEEP_ENABLED", true),
			Interval: time.Duration(getEnvInt("ORPHAN_SWEEP_INTERVAL_MINUTES", 60)) * time.Minute,
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return fallback
}
