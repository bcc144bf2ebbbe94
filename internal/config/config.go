package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Ledger backends selectable with LEDGER.
const (
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Config holds the server settings.
type Config struct {
	Ledger      string
	DBSource    string
	Port        string
	Env         string
	LogLevel    string
	AutoMigrate bool
	ReportTopN  int
}

func Load() (*Config, error) {
	ledger := getEnv("LEDGER", LedgerPostgres)
	if ledger != LedgerPostgres && ledger != LedgerMemory {
		return nil, fmt.Errorf("LEDGER must be %q or %q, got %q", LedgerPostgres, LedgerMemory, ledger)
	}

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" && ledger == LedgerPostgres {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	autoMigrate, err := strconv.ParseBool(getEnv("AUTO_MIGRATE", "true"))
	if err != nil {
		return nil, fmt.Errorf("AUTO_MIGRATE: %w", err)
	}

	topN, err := strconv.Atoi(getEnv("REPORT_TOP_N", "5"))
	if err != nil || topN <= 0 {
		return nil, fmt.Errorf("REPORT_TOP_N must be a positive integer")
	}

	return &Config{
		Ledger:      ledger,
		DBSource:    dbSource,
		Port:        getEnv("SERVER_PORT", "8080"),
		Env:         getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		AutoMigrate: autoMigrate,
		ReportTopN:  topN,
	}, nil
}

// AgentConfig holds the settings of the offline-first client.
type AgentConfig struct {
	ServerURL     string
	DataPath      string
	DrainSchedule string
	Debounce      time.Duration
	ProbeInterval time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffCap    int
	PolicyFile    string
	MetricsAddr   string
	LogLevel      string
}

// LoadAgent reads the client configuration from JIMPITAN_* variables.
func LoadAgent() (*AgentConfig, error) {
	cfg := &AgentConfig{
		ServerURL:     getEnv("JIMPITAN_SERVER_URL", "http://localhost:8080"),
		DataPath:      getEnv("JIMPITAN_DATA", "jimpitan.db"),
		DrainSchedule: getEnv("JIMPITAN_DRAIN_SCHEDULE", "@every 5m"),
		PolicyFile:    os.Getenv("JIMPITAN_POLICY_FILE"),
		MetricsAddr:   os.Getenv("JIMPITAN_METRICS_ADDR"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"JIMPITAN_DEBOUNCE", "2s", &cfg.Debounce},
		{"JIMPITAN_PROBE_INTERVAL", "30s", &cfg.ProbeInterval},
		{"JIMPITAN_READ_TIMEOUT", "3s", &cfg.ReadTimeout},
		{"JIMPITAN_WRITE_TIMEOUT", "10s", &cfg.WriteTimeout},
		{"JIMPITAN_BACKOFF_BASE", "2s", &cfg.BackoffBase},
		{"JIMPITAN_BACKOFF_MAX", "10m", &cfg.BackoffMax},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dest = v
	}

	backoffCap, err := strconv.Atoi(getEnv("JIMPITAN_BACKOFF_CAP", "8"))
	if err != nil || backoffCap < 0 {
		return nil, fmt.Errorf("JIMPITAN_BACKOFF_CAP must be a non-negative integer")
	}
	cfg.BackoffCap = backoffCap

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("JIMPITAN_SERVER_URL is required")
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultVal
}
