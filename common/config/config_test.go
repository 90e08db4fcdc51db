package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "admin-secret")
	t.Setenv("DATABASE_URL", "postgresql://u:p@localhost:5432/causeway")
	t.Setenv("SECRET_KEY", "0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	require.NoError(t, Load())

	assert.Equal(t, "3000", Port)
	assert.False(t, AllowKeyReveal)
	assert.False(t, DebugLogHeaders)
	assert.Equal(t, 90, LogRetentionDays)
	assert.Equal(t, []string{"http://localhost:3000"}, CORSOrigins)
	assert.Equal(t, 60, QuotaSyncIntervalSec)
	assert.Equal(t, 300, CatalogRefreshIntervalSec)
	assert.Equal(t, 3, MaxFailoverAttempts)
}

func TestLoadRequiredKeys(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{name: "missing_admin_token", unset: "ADMIN_TOKEN"},
		{name: "missing_database_url", unset: "DATABASE_URL"},
		{name: "missing_secret_key", unset: "SECRET_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.unset, "")

			err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.unset)
		})
	}
}

func TestLoadRejectsNonPostgresDSN(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DATABASE_URL", "mysql://u:p@localhost:3306/causeway")

	err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestLoadAcceptsBothPostgresSchemes(t *testing.T) {
	for _, dsn := range []string{
		"postgresql://u:p@localhost/db",
		"postgres://u:p@localhost/db",
	} {
		setRequiredEnv(t)
		t.Setenv("DATABASE_URL", dsn)
		require.NoError(t, Load(), dsn)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("ALLOW_KEY_REVEAL", "true")
	t.Setenv("DEBUG_LOG_HEADERS", "1")
	t.Setenv("LOG_RETENTION_DAYS", "14")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("QUOTA_SYNC_INTERVAL_SEC", "10")
	t.Setenv("MAX_FAILOVER_ATTEMPTS", "5")

	require.NoError(t, Load())

	assert.Equal(t, "8080", Port)
	assert.True(t, AllowKeyReveal)
	assert.True(t, DebugLogHeaders)
	assert.Equal(t, 14, LogRetentionDays)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, CORSOrigins)
	// The reconciler never runs more often than once a minute.
	assert.Equal(t, 60, QuotaSyncIntervalSec)
	assert.Equal(t, 5, MaxFailoverAttempts)
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LOG_RETENTION_DAYS", "ninety")

	require.Error(t, Load())
}

func TestLoadOtelRequiresEndpoint(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTEL_EXPORTER_OTLP_ENDPOINT")
}
