package db

import (
	"context"
	_ "embed"
	"fmt"

	"chainvault/internal/config"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

//go:embed migrations/0001_init.sql
var initSQL string

type Store struct {
	DB *gorm.DB
}

func NewStore(cfg config.Config, log logrus.FieldLogger) (*Store, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required for the postgres registry backend")
	}
	gdb, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{
		Logger: gormlogger.New(logWriter{log: log}, gormlogger.Config{
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{DB: gdb}, nil
}

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if s.DB == nil {
		return errDBUnavailable
	}
	return s.DB.WithContext(ctx).Exec(initSQL).Error
}

func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type logWriter struct {
	log logrus.FieldLogger
}

func (w logWriter) Printf(format string, args ...any) {
	if w.log == nil {
		return
	}
	w.log.WithField("component", "gorm").Warnf(format, args...)
}
