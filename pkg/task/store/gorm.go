// Package store persists task records. GORM over SQLite (single-node
// default) or PostgreSQL (multi-instance deployments) behind one
// codebase.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrTaskNotFound is returned when no record exists for a task id.
var ErrTaskNotFound = errors.New("task not found")

// DatabaseType defines the supported database backends.
type DatabaseType string

const (
	// DatabaseTypeSQLite uses SQLite (single-node, default).
	DatabaseTypeSQLite DatabaseType = "sqlite"

	// DatabaseTypePostgres uses PostgreSQL (HA-capable).
	DatabaseTypePostgres DatabaseType = "postgres"
)

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	// Path is the path to the SQLite database file.
	// Default: $XDG_CONFIG_HOME/relaymesh/tasks.db
	Path string `mapstructure:"path" yaml:"path"`
}

// PostgresConfig contains PostgreSQL-specific configuration.
type PostgresConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Database     string `mapstructure:"database" yaml:"database"`
	User         string `mapstructure:"user" yaml:"user"`
	Password     string `mapstructure:"password" yaml:"password"`
	SSLMode      string `mapstructure:"ssl_mode" yaml:"ssl_mode"` // disable, require, verify-ca, verify-full
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	return dsn
}

// Config contains database configuration.
type Config struct {
	Type     DatabaseType   `mapstructure:"type" yaml:"type"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = DatabaseTypeSQLite
	}

	if c.Type == DatabaseTypeSQLite && c.SQLite.Path == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, _ := os.UserHomeDir()
			configDir = filepath.Join(homeDir, ".config")
		}
		c.SQLite.Path = filepath.Join(configDir, "relaymesh", "tasks.db")
	}

	if c.Type == DatabaseTypePostgres {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
		if c.Postgres.MaxOpenConns == 0 {
			c.Postgres.MaxOpenConns = 25
		}
		if c.Postgres.MaxIdleConns == 0 {
			c.Postgres.MaxIdleConns = 5
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Type {
	case DatabaseTypeSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case DatabaseTypePostgres:
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Type)
	}
	return nil
}

// GORMStore implements the task repository using GORM.
type GORMStore struct {
	db     *gorm.DB
	config *Config
}

// New creates a task store based on the configuration. The schema is
// created via GORM AutoMigrate.
func New(config *Config) (*GORMStore, error) {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch config.Type {
	case DatabaseTypeSQLite:
		if err := os.MkdirAll(filepath.Dir(config.SQLite.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// WAL for concurrent readers, busy_timeout to ride out short
		// writer contention.
		dsn := config.SQLite.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)

	case DatabaseTypePostgres:
		dialector = postgres.Open(config.Postgres.DSN())

	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if config.Type == DatabaseTypePostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxOpenConns(config.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.Postgres.MaxIdleConns)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}

	return &GORMStore{db: db, config: config}, nil
}

// DB returns the underlying GORM database connection.
func (s *GORMStore) DB() *gorm.DB {
	return s.db
}

// Close releases the database connection.
func (s *GORMStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateTask inserts a new task record.
func (s *GORMStore) CreateTask(ctx context.Context, task *TaskRecord) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.Status == "" {
		task.Status = string(StatusQueued)
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *GORMStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	var task TaskRecord
	err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		return nil, convertNotFoundError(fmt.Errorf("get task %s: %w", id, err), err)
	}
	return &task, nil
}

// UpdateStatus transitions a task and records the error message when
// present. Completed tasks get a completion timestamp.
func (s *GORMStore) UpdateStatus(ctx context.Context, id string, status TaskStatus, errMsg string) error {
	updates := map[string]any{
		"status":    string(status),
		"error_msg": errMsg,
	}
	if status == StatusCompleted {
		now := time.Now()
		updates["completed_at"] = &now
	}

	result := s.db.WithContext(ctx).Model(&TaskRecord{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update task %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ClaimTask records the claiming instance and bumps the attempt count.
func (s *GORMStore) ClaimTask(ctx context.Context, id, instanceID string) error {
	result := s.db.WithContext(ctx).Model(&TaskRecord{}).Where("id = ?", id).Updates(map[string]any{
		"claimed_by": instanceID,
		"attempts":   gorm.Expr("attempts + 1"),
	})
	if result.Error != nil {
		return fmt.Errorf("claim task %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ReleaseClaim clears the claim on a task.
func (s *GORMStore) ReleaseClaim(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&TaskRecord{}).
		Where("id = ?", id).Update("claimed_by", "").Error
}

// ListByStatus returns tasks in the given status, oldest first.
func (s *GORMStore) ListByStatus(ctx context.Context, status TaskStatus, limit int) ([]TaskRecord, error) {
	var tasks []TaskRecord
	q := s.db.WithContext(ctx).Where("status = ?", string(status)).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	return tasks, nil
}

// ListClaimedBy returns tasks claimed by an instance, used when
// recovering work from a dead peer.
func (s *GORMStore) ListClaimedBy(ctx context.Context, instanceID string) ([]TaskRecord, error) {
	var tasks []TaskRecord
	err := s.db.WithContext(ctx).
		Where("claimed_by = ? AND status NOT IN ?", instanceID,
			[]string{string(StatusCompleted), string(StatusFailed), string(StatusCancelled)}).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks claimed by %s: %w", instanceID, err)
	}
	return tasks, nil
}

// CountByStatus returns the number of tasks per status.
func (s *GORMStore) CountByStatus(ctx context.Context) (map[TaskStatus]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&TaskRecord{}).
		Select("status, count(*) as count").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	counts := make(map[TaskStatus]int64, len(rows))
	for _, r := range rows {
		counts[TaskStatus(r.Status)] = r.Count
	}
	return counts, nil
}

// convertNotFoundError converts gorm.ErrRecordNotFound to the domain error.
func convertNotFoundError(wrapped, original error) error {
	if errors.Is(original, gorm.ErrRecordNotFound) {
		return ErrTaskNotFound
	}
	return wrapped
}
