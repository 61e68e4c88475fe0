package database

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mycoool/goota/internal/types"
)

var DB *gorm.DB

// DefaultDatabaseConfig returns the default sqlite configuration.
func DefaultDatabaseConfig() *types.DatabaseConfig {
	return &types.DatabaseConfig{
		Type:     "sqlite",
		Database: "goota.db",
	}
}

// InitDatabase opens the database connection.
func InitDatabase(config *types.DatabaseConfig) error {
	var dialector gorm.Dialector

	switch config.Type {
	case "", "sqlite":
		if config.Database == "" {
			config.Database = "goota.db"
		}

		dbDir := filepath.Dir(config.Database)
		if dbDir != "." && dbDir != "" {
			if err := os.MkdirAll(dbDir, 0755); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}
		}

		dialector = sqlite.Open(config.Database)
	default:
		return fmt.Errorf("unsupported database type: %s", config.Type)
	}

	logLevel := logger.Error
	if os.Getenv("DB_DEBUG") == "true" {
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	DB = db
	log.Infof("database connected (type: sqlite, file: %s)", config.Database)

	return nil
}

// GetDB returns the database handle.
func GetDB() *gorm.DB {
	return DB
}

// AutoMigrate migrates all model tables.
func AutoMigrate() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	err := DB.AutoMigrate(
		&AgentState{},
		&UpdateLog{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}

// CloseDB closes the database connection.
func CloseDB() error {
	if DB == nil {
		return nil
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
