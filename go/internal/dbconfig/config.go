package dbconfig

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds Postgres settings for the session registry.
type Config struct {
	Enabled        bool
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	SSLMode        string
	MaxOpenConns   int
	ConnectTimeout time.Duration
}

// NewConfigFromEnv reads DATABASE_ENABLED and the DB_* variables (with defaults).
func NewConfigFromEnv() Config {
	enabled, _ := strconv.ParseBool(getEnv("DATABASE_ENABLED", "false"))
	return Config{
		Enabled:        enabled,
		Host:           getEnv("DB_HOST", "localhost"),
		Port:           getInt("DB_PORT", 5432),
		User:           getEnv("DB_USER", "postgres"),
		Password:       getEnv("DB_PASSWORD", "postgres"),
		Database:       getEnv("DB_NAME", "classroom"),
		SSLMode:        getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:   getInt("DB_MAX_CONNS", 8),
		ConnectTimeout: time.Duration(getInt("DB_CONNECT_TIMEOUT_SECONDS", 5)) * time.Second,
	}
}

// DSN returns the Postgres connection URL. Both lib/pq and pgx accept it.
func (c Config) DSN() string {
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
