package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("LEDGER", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_MemoryLedger(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("LEDGER", LedgerMemory)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, LedgerMemory, cfg.Ledger)
	assert.Empty(t, cfg.DBSource)

	t.Setenv("LEDGER", "redis")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost/jimpitan")
	t.Setenv("LEDGER", "")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("REPORT_TOP_N", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, LedgerPostgres, cfg.Ledger)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, 5, cfg.ReportTopN)
}

func TestLoad_RejectsBadTopN(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost/jimpitan")
	t.Setenv("REPORT_TOP_N", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadAgent_Overrides(t *testing.T) {
	t.Setenv("JIMPITAN_SERVER_URL", "http://ledger.local")
	t.Setenv("JIMPITAN_DEBOUNCE", "500ms")
	t.Setenv("JIMPITAN_BACKOFF_CAP", "4")

	cfg, err := LoadAgent()
	require.NoError(t, err)
	assert.Equal(t, "http://ledger.local", cfg.ServerURL)
	assert.Equal(t, 500*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 4, cfg.BackoffCap)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	assert.Equal(t, "@every 5m", cfg.DrainSchedule)
}

func TestLoadAgent_BadDuration(t *testing.T) {
	t.Setenv("JIMPITAN_READ_TIMEOUT", "soon")
	_, err := LoadAgent()
	assert.Error(t, err)
}
