package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Port                string
	Host                string // base URL used to mint IRIs
	TLSCert             string
	TLSKey              string
	PageSize            int
	DeliveryWorkers     int
	DeliveryMaxAttempts int
	DatabaseURL         string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:                getEnv("PORT", "8000"),
		Host:                getEnv("HOST", "http://localhost:8000"),
		TLSCert:             os.Getenv("TLS_CERT"),
		TLSKey:              os.Getenv("TLS_KEY"),
		PageSize:            parseInt(os.Getenv("PAGE_SIZE"), 20),
		DeliveryWorkers:     parseInt(os.Getenv("DELIVERY_WORKERS"), 4),
		DeliveryMaxAttempts: parseInt(os.Getenv("DELIVERY_MAX_ATTEMPTS"), 8),
		DatabaseURL:         getEnv("DATABASE_URL", "onepagepub.db"),
	}
}

// URL returns the parsed base URL as a *url.URL.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.Host)
	return u
}

// BaseURL constructs an absolute URL from a path.
func (c *Config) BaseURL(path string) string {
	return strings.TrimRight(c.Host, "/") + path
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
