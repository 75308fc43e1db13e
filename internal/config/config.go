// Package config loads the Liveness Control Plane's configuration keys
// from environment variables, applying their documented defaults. It is
// the one place those defaults are defined — every other component
// receives them already resolved via Config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable
type Config struct {
	HTTPAddr string
	TickInterval            time.Duration
	WorkerCount             int
	WarningThreshold        time.Duration
	CriticalThreshold       time.Duration
	HardDeadline            time.Duration
	NominalInterval         time.Duration // default nominal heartbeat interval applied until an agent reports its own
	MarketplaceCheckEnabled bool
	AutoDeclareAbandoned    bool
	RPCEndpoint             string
	FactoryAddress          string
	DBDriver                string
	DBDSN                   string
	MarketplaceEndpoint     string
	MaxRPCConnections       int
	LogLevel                string
	ReportRetentionDays     int // resolved reports older than this are garbage collected daily
}

// Load reads every recognized key from the environment, falling back to
// documented defaults. It returns an error (mapped to exit code 1) if a
// required key is present but malformed.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:                envOrDefault("CP_HTTP_ADDR", ":8080"),
		RPCEndpoint:             envOrDefault("CP_RPC_ENDPOINT", ""),
		FactoryAddress:          envOrDefault("CP_FACTORY_ADDRESS", ""),
		DBDriver:                envOrDefault("CP_DB_DRIVER", "sqlite"),
		DBDSN:                   envOrDefault("CP_REPORT_STORE_URL", "./controlplane.db"),
		MarketplaceEndpoint:     envOrDefault("CP_MARKETPLACE_ENDPOINT", ""),
		LogLevel:                envOrDefault("CP_LOG_LEVEL", "info"),
		NominalInterval:         6 * time.Hour,
	}

	var err error
	if cfg.TickInterval, err = durationMsEnv("CP_TICK_INTERVAL_MS", 60_000); err != nil {
		return nil, err
	}
	if cfg.WorkerCount, err = intEnv("CP_WORKER_COUNT", 16); err != nil {
		return nil, err
	}
	if cfg.WarningThreshold, err = durationHoursEnv("CP_WARNING_THRESHOLD_HOURS", 24); err != nil {
		return nil, err
	}
	if cfg.CriticalThreshold, err = durationHoursEnv("CP_CRITICAL_THRESHOLD_HOURS", 6); err != nil {
		return nil, err
	}
	if cfg.HardDeadline, err = durationDaysEnv("CP_HARD_DEADLINE_DAYS", 7); err != nil {
		return nil, err
	}
	if cfg.MarketplaceCheckEnabled, err = boolEnv("CP_MARKETPLACE_CHECK_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.AutoDeclareAbandoned, err = boolEnv("CP_AUTO_DECLARE_ABANDONED", false); err != nil {
		return nil, err
	}
	if cfg.MaxRPCConnections, err = intEnv("CP_MAX_RPC_CONNECTIONS", 8); err != nil {
		return nil, err
	}
	if cfg.ReportRetentionDays, err = intEnv("CP_REPORT_RETENTION_DAYS", 90); err != nil {
		return nil, err
	}

	if cfg.RPCEndpoint == "" {
		return nil, fmt.Errorf("config: CP_RPC_ENDPOINT is required")
	}
	if cfg.FactoryAddress == "" {
		return nil, fmt.Errorf("config: CP_FACTORY_ADDRESS is required")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func durationMsEnv(key string, defMs int) (time.Duration, error) {
	n, err := intEnv(key, defMs)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func durationHoursEnv(key string, defHours int) (time.Duration, error) {
	n, err := intEnv(key, defHours)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Hour, nil
}

func durationDaysEnv(key string, defDays int) (time.Duration, error) {
	n, err := intEnv(key, defDays)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * 24 * time.Hour, nil
}
