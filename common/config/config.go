// Package config holds process-wide configuration resolved from the
// environment. Load must be called once at startup, before any component
// reads these variables; a failed Load means the process must not start.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/Laisky/errors/v2"
)

var (
	// Port is the listen port for the HTTP server.
	Port = "3000"
	// AdminToken guards the admin API. Required.
	AdminToken string
	// DatabaseURL is the postgres DSN. Required, must use a postgres scheme.
	DatabaseURL string
	// SecretKey feeds the AES-256-GCM key used for secrets at rest. Required.
	SecretKey string

	// AllowKeyReveal gates the admin key-reveal endpoint.
	AllowKeyReveal = false
	// DebugLogHeaders enables persisting the sanitized header diff on logs.
	DebugLogHeaders = false
	// LogRetentionDays controls which request logs are eligible for deletion.
	LogRetentionDays = 90
	// CORSOrigins is the allow-list for browser origins.
	CORSOrigins = []string{"http://localhost:3000"}

	// RedisConnString enables the shared keystore cache when non-empty.
	RedisConnString string

	// QuotaSyncIntervalSec is the DB reconciliation period for the quota
	// tracker. Clamped to no less than 60.
	QuotaSyncIntervalSec = 60
	// CatalogRefreshIntervalSec is the price catalog refresh period.
	// Clamped to no less than 60.
	CatalogRefreshIntervalSec = 300
	// MaxFailoverAttempts bounds the total number of upstream attempts per
	// request across all tiers.
	MaxFailoverAttempts = 3
	// RelayTimeoutSec caps the whole outbound exchange; 0 leaves the
	// per-upstream timeout in charge.
	RelayTimeoutSec = 0

	// DebugEnabled switches the process logger to debug level.
	DebugEnabled = false

	// OpenTelemetryEnabled turns on OTLP trace/metric export.
	OpenTelemetryEnabled = false
	// OpenTelemetryEndpoint is the OTLP HTTP endpoint, host:port.
	OpenTelemetryEndpoint string
	// OpenTelemetryServiceName names this service in exported telemetry.
	OpenTelemetryServiceName = "causeway"
	// OpenTelemetryInsecure disables TLS towards the OTLP endpoint.
	OpenTelemetryInsecure = false
	// OpenTelemetryEnvironment tags exported telemetry with a deployment env.
	OpenTelemetryEnvironment string
)

// Load populates the package variables from the environment and validates
// the required ones. It is the single place where a misconfigured process
// is rejected.
func Load() error {
	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return errors.Wrapf(err, "PORT must be numeric, got %q", v)
		}
		Port = v
	}

	AdminToken = os.Getenv("ADMIN_TOKEN")
	if AdminToken == "" {
		return errors.New("ADMIN_TOKEN is required")
	}

	DatabaseURL = os.Getenv("DATABASE_URL")
	if DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if !strings.HasPrefix(DatabaseURL, "postgresql://") && !strings.HasPrefix(DatabaseURL, "postgres://") {
		return errors.Errorf("DATABASE_URL must begin with postgresql:// or postgres://, got scheme %q", schemeOf(DatabaseURL))
	}

	SecretKey = os.Getenv("SECRET_KEY")
	if SecretKey == "" {
		return errors.New("SECRET_KEY is required")
	}

	AllowKeyReveal = envBool("ALLOW_KEY_REVEAL", false)
	DebugLogHeaders = envBool("DEBUG_LOG_HEADERS", false)
	DebugEnabled = envBool("DEBUG", false)

	var err error
	if LogRetentionDays, err = envInt("LOG_RETENTION_DAYS", 90); err != nil {
		return err
	}
	if LogRetentionDays <= 0 {
		return errors.Errorf("LOG_RETENTION_DAYS must be positive, got %d", LogRetentionDays)
	}

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		origins := make([]string, 0, 4)
		for _, origin := range strings.Split(v, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				origins = append(origins, origin)
			}
		}
		if len(origins) == 0 {
			return errors.Errorf("CORS_ORIGINS is set but contains no origins: %q", v)
		}
		CORSOrigins = origins
	}

	RedisConnString = os.Getenv("REDIS_CONN_STRING")

	if QuotaSyncIntervalSec, err = envInt("QUOTA_SYNC_INTERVAL_SEC", 60); err != nil {
		return err
	}
	if QuotaSyncIntervalSec < 60 {
		QuotaSyncIntervalSec = 60
	}
	if CatalogRefreshIntervalSec, err = envInt("CATALOG_REFRESH_INTERVAL_SEC", 300); err != nil {
		return err
	}
	if CatalogRefreshIntervalSec < 60 {
		CatalogRefreshIntervalSec = 60
	}
	if MaxFailoverAttempts, err = envInt("MAX_FAILOVER_ATTEMPTS", 3); err != nil {
		return err
	}
	if MaxFailoverAttempts < 1 {
		return errors.Errorf("MAX_FAILOVER_ATTEMPTS must be at least 1, got %d", MaxFailoverAttempts)
	}
	if RelayTimeoutSec, err = envInt("RELAY_TIMEOUT", 0); err != nil {
		return err
	}

	OpenTelemetryEnabled = envBool("OTEL_ENABLED", false)
	OpenTelemetryEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		OpenTelemetryServiceName = v
	}
	OpenTelemetryInsecure = envBool("OTEL_INSECURE", false)
	OpenTelemetryEnvironment = os.Getenv("OTEL_ENVIRONMENT")
	if OpenTelemetryEnabled && OpenTelemetryEndpoint == "" {
		return errors.New("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED is true")
	}

	return nil
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func schemeOf(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		if i := strings.Index(dsn, "://"); i > 0 {
			return dsn[:i]
		}
		return dsn
	}
	return u.Scheme
}
