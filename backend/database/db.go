package database

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// schemaVersion is bumped whenever the persisted layout changes; the
// out-of-core migration runner keys off the stored marker
const schemaVersion = 1

// DB wraps the database connection
type DB struct {
	conn *gorm.DB
}

// New creates a new database connection and initializes the schema.
// The DSN selects the backend:
//   - SQLite: a plain file path, e.g. "./data/mediabatch.db"
//   - MySQL:  "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func New(dsn string) (*DB, error) {
	if dsn == "" {
		dsn = "./data/mediabatch.db"
	}

	var dialector gorm.Dialector
	if strings.Contains(dsn, "@tcp(") {
		dialector = mysql.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Conn returns the underlying gorm connection
func (db *DB) Conn() *gorm.DB {
	return db.conn
}

// initSchema creates all necessary tables and stamps the schema version
func (db *DB) initSchema() error {
	err := db.conn.AutoMigrate(
		&TaskModel{},
		&TaskFileModel{},
		&TaskOutputModel{},
		&TaskLogModel{},
		&ConfigModel{},
		&SchemaVersionModel{},
	)
	if err != nil {
		return err
	}

	var marker SchemaVersionModel
	result := db.conn.Order("version desc").Limit(1).Find(&marker)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 || marker.Version < schemaVersion {
		return db.conn.Create(&SchemaVersionModel{
			Version:   schemaVersion,
			AppliedAt: time.Now(),
		}).Error
	}
	return nil
}
