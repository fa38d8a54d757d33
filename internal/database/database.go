// Package database provides database connection management for streamcore.
// It supports SQLite, PostgreSQL, and MySQL through GORM.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/thomasbambino/streamcore/internal/config"
	"github.com/thomasbambino/streamcore/internal/models"
)

// DB wraps a GORM database connection.
type DB struct {
	*gorm.DB
	driver string
}

// New opens a database connection for the configured driver.
func New(cfg config.DatabaseConfig, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newGormLogger(cfg.LogLevel, log),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	maxOpen, maxIdle := poolSize(cfg)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	log.Debug("database connection pool configured",
		slog.String("driver", cfg.Driver),
		slog.Int("max_open_conns", maxOpen),
		slog.Int("max_idle_conns", maxIdle),
	)

	return &DB{DB: db, driver: cfg.Driver}, nil
}

// dialectorFor picks the GORM dialector for the configured driver.
func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.Open(sqliteDSN(cfg.DSN)), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// sqliteDSN appends the PRAGMAs every connection needs. The pure Go
// driver (github.com/glebarez/sqlite -> modernc.org/sqlite) applies
// _pragma DSN parameters per connection, so the whole pool gets them.
func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep +
		"_pragma=busy_timeout(30000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"
}

// poolSize picks connection pool limits for the driver.
//
// SQLite in WAL mode allows concurrent readers but a single writer, so a
// small pool avoids lock contention. Each pooled connection to a :memory:
// DSN would see its own empty database, so in-memory databases share one
// connection. Other drivers take the configured sizes.
func poolSize(cfg config.DatabaseConfig) (maxOpen, maxIdle int) {
	if cfg.Driver != "sqlite" {
		return cfg.MaxOpenConns, cfg.MaxIdleConns
	}
	if strings.Contains(cfg.DSN, ":memory:") {
		return 1, 1
	}
	return 6, 3
}

// Migrate creates or updates the schema for all streamcore models.
func (db *DB) Migrate(ctx context.Context) error {
	err := db.DB.WithContext(ctx).AutoMigrate(
		&models.StreamSession{},
		&models.ViewingHistoryRecord{},
	)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Driver returns the configured driver name.
func (db *DB) Driver() string {
	return db.driver
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.sqlDB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.sqlDB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// PoolStats is a snapshot of connection pool counters, reported by the
// health endpoint.
type PoolStats struct {
	MaxOpen   int     `json:"max_open"`
	Open      int     `json:"open"`
	InUse     int     `json:"in_use"`
	Idle      int     `json:"idle"`
	WaitCount int64   `json:"wait_count"`
	WaitMs    float64 `json:"wait_ms"`
}

// Stats reports the current connection pool counters.
func (db *DB) Stats() (PoolStats, error) {
	sqlDB, err := db.sqlDB()
	if err != nil {
		return PoolStats{}, err
	}

	s := sqlDB.Stats()
	return PoolStats{
		MaxOpen:   s.MaxOpenConnections,
		Open:      s.OpenConnections,
		InUse:     s.InUse,
		Idle:      s.Idle,
		WaitCount: s.WaitCount,
		WaitMs:    float64(s.WaitDuration.Microseconds()) / 1000,
	}, nil
}

func (db *DB) sqlDB() (*sql.DB, error) {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB, nil
}

// gormLogLevel maps config log level strings to GORM logger levels.
func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// slogGormLogger adapts GORM's logger.Interface onto slog.
type slogGormLogger struct {
	logger *slog.Logger
	level  logger.LogLevel
}

func newGormLogger(level string, log *slog.Logger) *slogGormLogger {
	return &slogGormLogger{logger: log, level: gormLogLevel(level)}
}

func (l *slogGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &slogGormLogger{logger: l.logger, level: level}
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, args ...any) {
	l.logAt(ctx, logger.Info, slog.LevelInfo, msg, args)
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.logAt(ctx, logger.Warn, slog.LevelWarn, msg, args)
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, args ...any) {
	l.logAt(ctx, logger.Error, slog.LevelError, msg, args)
}

func (l *slogGormLogger) logAt(ctx context.Context, threshold logger.LogLevel, level slog.Level, msg string, args []any) {
	if l.level < threshold {
		return
	}
	l.logger.Log(ctx, level, fmt.Sprintf(msg, args...))
}

// slowQueryThreshold defines when a query is considered slow.
const slowQueryThreshold = 1 * time.Second

// maxSQLLogLength limits SQL string length in logs.
const maxSQLLogLength = 200

func truncateSQL(sql string) string {
	if len(sql) <= maxSQLLogLength {
		return sql
	}
	return sql[:maxSQLLogLength] + "... (truncated)"
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	isError := err != nil
	isSlow := elapsed > slowQueryThreshold

	// Building the SQL string interpolates every parameter, so skip fc()
	// entirely unless the record will actually be emitted.
	var willLog bool
	switch {
	case isError && l.level >= logger.Error:
		willLog = true
	case isSlow && l.level >= logger.Warn:
		willLog = l.logger.Enabled(ctx, slog.LevelWarn)
	case l.level >= logger.Info:
		willLog = l.logger.Enabled(ctx, slog.LevelDebug)
	}
	if !willLog {
		return
	}

	sqlStr, rows := fc()

	switch {
	case isError:
		l.logger.ErrorContext(ctx, "database error",
			slog.String("sql", truncateSQL(sqlStr)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	case isSlow:
		l.logger.WarnContext(ctx, "slow query",
			slog.String("sql", truncateSQL(sqlStr)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	default:
		l.logger.DebugContext(ctx, "database query",
			slog.String("sql", truncateSQL(sqlStr)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	}
}
