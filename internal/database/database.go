package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/logger"
)

// DB represents the database connection
type DB struct {
	*sql.DB
	config *Config
	log    logger.Logger
	stats  *PoolStats
	mu     sync.RWMutex
	stop   chan struct{}
	once   sync.Once
}

// Config represents database configuration
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpen         int           `yaml:"max_open"`
	MaxIdle         int           `yaml:"max_idle"`
	Timeout         time.Duration `yaml:"timeout"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// DSN overrides the individual connection fields when set
	DSN string `yaml:"dsn"`
}

// ConnectionString returns the lib/pq connection string
func (c *Config) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// applyDefaults fills unset pool settings
func (c *Config) applyDefaults() {
	if c.MaxOpen <= 0 {
		c.MaxOpen = 25 // 默认最大连接数
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 5 // 默认空闲连接数
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second // 默认连接超时
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 15 * time.Minute
	}
}

// PoolStats represents connection pool statistics
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	LastUpdated        time.Time     `json:"last_updated"`
}

// NewConnection opens the pool and pings it with retries
func NewConnection(ctx context.Context, cfg *Config, log logger.Logger) (*DB, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	cfg.applyDefaults()

	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBConnection, "failed to open database", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var pingErr error
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		pingErr = db.PingContext(pingCtx)
		if pingErr == nil {
			break
		}

		log.Warn("Database ping failed", "attempt", i+1, "max_attempts", maxRetries, "error", pingErr)
		if i < maxRetries-1 {
			select {
			case <-time.After(time.Second * time.Duration(i+1)): // 递增延迟
			case <-pingCtx.Done():
			}
		}
	}

	if pingErr != nil {
		db.Close()
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDBConnection,
			"failed to ping database", fmt.Sprintf("%s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.DBName), pingErr)
	}

	log.Info("Database connection established",
		"max_open", cfg.MaxOpen, "max_idle", cfg.MaxIdle, "max_lifetime", cfg.ConnMaxLifetime.String())

	database := &DB{
		DB:     db,
		config: cfg,
		log:    log,
		stats:  &PoolStats{},
		stop:   make(chan struct{}),
	}

	go database.monitorPoolStats()

	return database, nil
}

// Close stops monitoring and closes the pool
func (db *DB) Close() error {
	db.once.Do(func() { close(db.stop) })
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

// GetPoolStats returns current connection pool statistics
func (db *DB) GetPoolStats() PoolStats {
	db.updatePoolStats()
	db.mu.RLock()
	defer db.mu.RUnlock()
	return *db.stats
}

// monitorPoolStats periodically samples pool statistics
func (db *DB) monitorPoolStats() {
	ticker := time.NewTicker(30 * time.Second) // 每30秒更新一次统计信息
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			db.updatePoolStats()
		case <-db.stop:
			return
		}
	}
}

func (db *DB) updatePoolStats() {
	stats := db.DB.Stats()

	db.mu.Lock()
	db.stats.MaxOpenConnections = stats.MaxOpenConnections
	db.stats.OpenConnections = stats.OpenConnections
	db.stats.InUse = stats.InUse
	db.stats.Idle = stats.Idle
	db.stats.WaitCount = stats.WaitCount
	db.stats.WaitDuration = stats.WaitDuration
	db.stats.LastUpdated = time.Now()
	db.mu.Unlock()

	// Log warnings if pool is under pressure
	if stats.WaitCount > 0 {
		db.log.Debug("Database connection pool under pressure",
			"wait_count", stats.WaitCount, "wait_duration", stats.WaitDuration.String(),
			"in_use", stats.InUse, "idle", stats.Idle)
	}
}
