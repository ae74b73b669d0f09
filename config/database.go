package config

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var db *gorm.DB

func GetDB() *gorm.DB {
	return db
}

func init() {
	_ = godotenv.Load()
}

// DSN builds the MySQL DSN from DB_* env vars. DB_HOST may be a Cloud SQL
// unix socket path (/cloudsql/<instance>).
func DSN() string {
	host := os.Getenv("DB_HOST")
	network, address := "tcp", fmt.Sprintf("%s:%s", host, os.Getenv("DB_PORT"))
	if strings.HasPrefix(host, "/cloudsql/") {
		network, address = "unix", host
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?parseTime=true&loc=UTC",
		os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), network, address, os.Getenv("DB_NAME"))
}

// PoolSettings tunes database/sql. Non-positive values keep the driver default.
type PoolSettings struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

func poolFromEnv() PoolSettings {
	return PoolSettings{
		MaxOpen:     intFromEnv("DB_MAX_OPEN_CONNS", 50),
		MaxIdle:     intFromEnv("DB_MAX_IDLE_CONNS", 25),
		MaxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		MaxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
	}
}

func (p PoolSettings) apply(sqlDB *sql.DB) {
	if p.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(p.MaxOpen)
	}
	if p.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(p.MaxIdle)
	}
	if p.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(p.MaxLifetime)
	}
	if p.MaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(p.MaxIdleTime)
	}
}

// connectBackoff grows from 1s to 30s and never gives up on its own; ctx bounds it.
func connectBackoff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.WithContext(bo, ctx)
}

// ConnectDatabase dials MySQL until it answers or ctx ends, then installs the
// handle for GetDB. Call it after the HTTP listener is up.
func ConnectDatabase(ctx context.Context, log *logrus.Logger) (*gorm.DB, error) {
	dsn := DSN()
	attempt := 0
	conn, err := backoff.RetryNotifyWithData(func() (*gorm.DB, error) {
		attempt++
		return OpenDatabase(dsn)
	}, connectBackoff(ctx), func(err error, wait time.Duration) {
		log.WithFields(logrus.Fields{"field": "database", "attempt": attempt, "retry_in": wait.String()}).
			Warn("database not reachable: " + err.Error())
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if sqlDB, err := conn.DB(); err == nil {
		poolFromEnv().apply(sqlDB)
	}
	if err := conn.Use(otelgorm.NewPlugin()); err != nil {
		log.WithFields(logrus.Fields{"field": "database"}).Warn("otelgorm plugin not installed: " + err.Error())
	}
	log.WithFields(logrus.Fields{"field": "database", "attempt": attempt}).Info("connected to database")
	SetDB(conn)
	return conn, nil
}

// SetDB replaces the global DB (integration tests, CLI tools).
func SetDB(d *gorm.DB) {
	db = d
}

// OpenDatabase opens and pings one connection without retrying.
func OpenDatabase(dsn string) (*gorm.DB, error) {
	conn, err := gorm.Open(mysql.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return conn, nil
}

func intFromEnv(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return n
}

// gormConfig routes gorm's slow-query and error log through the service logger.
func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(GetLogger(), logger.Config{
			LogLevel:                  logger.Error,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		}),
		NamingStrategy: schema.NamingStrategy{},
	}
}
