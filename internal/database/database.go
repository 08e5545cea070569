package database

import (
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wafportal/backend/internal/models"
)

// Connect opens the SQLite database at dbPath. File databases get WAL mode
// and a busy timeout so background sync loops and API handlers can share it.
func Connect(dbPath string) (*gorm.DB, error) {
	dsn := dbPath
	if !strings.Contains(dsn, ":memory:") && !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	return db, nil
}

// Models lists every table the portal owns.
func Models() []any {
	return []any{
		&models.Domain{},
		&models.SSLCertificate{},
		&models.ModSecRuleSet{},
		&models.ACLRule{},
		&models.NotificationChannel{},
		&models.AlertRule{},
		&models.User{},
		&models.ProxyConfigBlock{},
		&models.Notification{},
		&models.SystemConfig{},
		&models.SlaveNode{},
		&models.SyncLog{},
	}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
