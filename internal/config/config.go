package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath    string
	OutputDir string
	LogLevel  string
	LogFormat string

	RegistryURL       string
	RegistryDB        string
	RegistryUser      string
	RegistryPassword  string
	RegistryTimeoutMs int

	SyncLocation       string
	SyncSupplier       string
	SyncAltSupplier    string
	SyncRouteID        int
	SyncWarehouseID    int
	SyncCreateChunk    int
	AvailabilityPolicy string

	RetryMaxAttempts int
	RetryBaseMs      int

	PortalBaseURL     string
	PortalUser        string
	PortalPassword    string
	PortalTimeoutMs   int
	PortalDelayMs     int
	ProbeWorkers      int
	ProbeEmptyRetries int
	CrawlHeadless     bool
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:    getEnv("DB_PATH", filepath.Join(cwd, "data", "partsync.db")),
		OutputDir: getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		RegistryURL:       getEnv("REGISTRY_URL", ""),
		RegistryDB:        getEnv("REGISTRY_DB", ""),
		RegistryUser:      getEnv("REGISTRY_USER", ""),
		RegistryPassword:  getEnv("REGISTRY_PASSWORD", ""),
		RegistryTimeoutMs: getEnvInt("REGISTRY_TIMEOUT_MS", 30000),

		SyncLocation:       getEnv("SYNC_LOCATION", ""),
		SyncSupplier:       getEnv("SYNC_SUPPLIER", ""),
		SyncAltSupplier:    getEnv("SYNC_ALT_SUPPLIER", ""),
		SyncRouteID:        getEnvInt("SYNC_ROUTE_ID", 0),
		SyncWarehouseID:    getEnvInt("SYNC_WAREHOUSE_ID", 0),
		SyncCreateChunk:    getEnvInt("SYNC_CREATE_CHUNK", 100),
		AvailabilityPolicy: getEnv("AVAILABILITY_POLICY", ""),

		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 5),
		RetryBaseMs:      getEnvInt("RETRY_BASE_MS", 500),

		PortalBaseURL:     getEnv("PORTAL_BASE_URL", ""),
		PortalUser:        getEnv("PORTAL_USER", ""),
		PortalPassword:    getEnv("PORTAL_PASSWORD", ""),
		PortalTimeoutMs:   getEnvInt("PORTAL_TIMEOUT_MS", 30000),
		PortalDelayMs:     getEnvInt("PORTAL_DELAY_MS", 500),
		ProbeWorkers:      getEnvInt("PROBE_WORKERS", 3),
		ProbeEmptyRetries: getEnvInt("PROBE_EMPTY_RETRIES", 2),
		CrawlHeadless:     getEnvBool("CRAWL_HEADLESS", true),
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}
