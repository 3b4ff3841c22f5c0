package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB wraps sql.DB and persists tasks and sync operations.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	// Создаем директорию для БД, если её нет
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite допускает одного писателя
	db.SetMaxOpenConns(1)

	// Проверяем соединение
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	// Создаем таблицы
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("database initialized")
	return &DB{DB: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		// Очередь задач
		`CREATE TABLE IF NOT EXISTS tasks (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            type TEXT NOT NULL,
            priority INTEGER NOT NULL,
            status TEXT NOT NULL,
            progress INTEGER NOT NULL DEFAULT 0,
            retry_count INTEGER NOT NULL DEFAULT 0,
            max_retries INTEGER NOT NULL DEFAULT 0,
            next_retry_at DATETIME,
            dependencies TEXT NOT NULL DEFAULT '[]',
            timeout_ns INTEGER NOT NULL DEFAULT 0,
            payload TEXT,
            result TEXT,
            errors TEXT NOT NULL DEFAULT '[]',
            cancel_requested BOOLEAN NOT NULL DEFAULT 0,
            sequence INTEGER NOT NULL,
            version INTEGER NOT NULL,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            started_at DATETIME,
            completed_at DATETIME
        )`,

		// Операции синхронизации
		`CREATE TABLE IF NOT EXISTS sync_operations (
            id TEXT PRIMARY KEY,
            source_id TEXT NOT NULL,
            target_id TEXT NOT NULL,
            sync_type TEXT NOT NULL,
            status TEXT NOT NULL,
            task_id TEXT,
            attempts INTEGER NOT NULL DEFAULT 0,
            applied_count INTEGER NOT NULL DEFAULT 0,
            failed_count INTEGER NOT NULL DEFAULT 0,
            skipped_count INTEGER NOT NULL DEFAULT 0,
            conflict_count INTEGER NOT NULL DEFAULT 0,
            error TEXT,
            created_at DATETIME NOT NULL,
            started_at DATETIME,
            finished_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS sync_outcomes (
            operation_id TEXT NOT NULL,
            seq INTEGER NOT NULL,
            record_id TEXT NOT NULL,
            action TEXT NOT NULL,
            direction TEXT,
            conflict BOOLEAN NOT NULL DEFAULT 0,
            resolution TEXT,
            error TEXT,
            PRIMARY KEY (operation_id, seq),
            FOREIGN KEY (operation_id) REFERENCES sync_operations(id) ON DELETE CASCADE
        )`,

		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_sequence ON tasks(sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_operations_pair ON sync_operations(source_id, target_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_operations_created ON sync_operations(created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}
