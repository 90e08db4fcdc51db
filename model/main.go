// Package model owns persistence: the gorm models, the transactional
// request-log + billing-snapshot writer, and the in-memory keystore and
// upstream caches the hot path reads from.
package model

import (
	"database/sql"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/causewayapi/causeway/common"
	"github.com/causewayapi/causeway/common/config"
	"github.com/causewayapi/causeway/common/logger"
	"github.com/causewayapi/causeway/common/metrics"
)

// DB is the shared database handle, set by InitDB (or directly by tests
// running against sqlite).
var DB *gorm.DB

// InitDB connects to postgres, tunes the pool and runs migrations. The DSN
// scheme is validated at config load; anything else failing here aborts
// startup.
func InitDB() error {
	level := gormlogger.Silent
	if config.DebugEnabled {
		level = gormlogger.Info
	}

	db, err := gorm.Open(postgres.Open(config.DatabaseURL), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return errors.Wrap(err, "open postgres")
	}
	common.UsingPostgreSQL.Store(true)

	if config.OpenTelemetryEnabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return errors.Wrap(err, "attach otel gorm plugin")
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "get sql.DB")
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := registerQueryMetrics(db); err != nil {
		return errors.Wrap(err, "register query metrics callbacks")
	}

	DB = db
	if err := MigrateAll(db); err != nil {
		return err
	}
	logger.Logger.Info("database initialized")
	return nil
}

const queryStartKey = "causeway:query_start"

// registerQueryMetrics hooks every CRUD pipeline so the recorder sees each
// query's latency, table and outcome.
func registerQueryMetrics(db *gorm.DB) error {
	before := func(tx *gorm.DB) {
		tx.InstanceSet(queryStartKey, time.Now())
	}
	after := func(operation string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			v, ok := tx.InstanceGet(queryStartKey)
			if !ok {
				return
			}
			start, ok := v.(time.Time)
			if !ok {
				return
			}
			metrics.GlobalRecorder.RecordDBQuery(start, operation, tx.Statement.Table, tx.Error == nil)
		}
	}

	if err := db.Callback().Create().Before("gorm:create").Register("causeway:metrics_before_create", before); err != nil {
		return err
	}
	if err := db.Callback().Create().After("gorm:create").Register("causeway:metrics_after_create", after("create")); err != nil {
		return err
	}
	if err := db.Callback().Query().Before("gorm:query").Register("causeway:metrics_before_query", before); err != nil {
		return err
	}
	if err := db.Callback().Query().After("gorm:query").Register("causeway:metrics_after_query", after("query")); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("causeway:metrics_before_update", before); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:update").Register("causeway:metrics_after_update", after("update")); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("causeway:metrics_before_delete", before); err != nil {
		return err
	}
	return db.Callback().Delete().After("gorm:delete").Register("causeway:metrics_after_delete", after("delete"))
}

// MigrateAll creates or updates the schema. Exported so tests can migrate an
// in-memory sqlite database the same way production migrates postgres.
func MigrateAll(db *gorm.DB) error {
	err := db.AutoMigrate(
		&ApiKey{},
		&Upstream{},
		&CircuitBreakerState{},
		&RequestLog{},
		&RequestBillingSnapshot{},
		&ModelPrice{},
		&ManualPriceOverride{},
		&CompensationRule{},
	)
	return errors.Wrap(err, "auto migrate")
}

// CloseDB releases the connection pool during shutdown.
func CloseDB() {
	if DB == nil {
		return
	}
	sqlDB, err := DB.DB()
	if err != nil {
		logger.Logger.Warn("get sql.DB for close", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Logger.Warn("close database", zap.Error(err))
	}
}

// PoolStats exposes connection pool gauges for the metrics collector.
func PoolStats() (sql.DBStats, bool) {
	if DB == nil {
		return sql.DBStats{}, false
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return sql.DBStats{}, false
	}
	return sqlDB.Stats(), true
}
