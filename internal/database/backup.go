package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"adminops/internal/config"
	"adminops/internal/ticker"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

const backupPrefix = "backup_"

type BackupService struct {
	dbPath string
	config config.BackupConfig
	clock  clock.WithTicker
	logger *zerolog.Logger
}

func NewBackupService(dbPath string, cfg config.BackupConfig, c clock.WithTicker, logger *zerolog.Logger) *BackupService {
	if c == nil {
		c = clock.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	return &BackupService{
		dbPath: dbPath,
		config: cfg,
		clock:  c,
		logger: logger,
	}
}

// Run backs up right away and then on every interval until ctx is done.
func (s *BackupService) Run(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info().Msg("Backup service is disabled")
		return nil
	}

	s.logger.Info().Dur("interval", s.config.Interval).Msg("Backup service started")
	return ticker.New("backup", s.config.Interval, func(_ context.Context, _ time.Time) {
		if _, err := s.PerformBackup(); err != nil {
			s.logger.Error().Err(err).Msg("Scheduled backup failed")
		}
		s.CleanupOldBackups()
	}, s.clock, s.logger).Run(ctx)
}

// PerformBackup writes a consistent copy of the database and returns its path.
func (s *BackupService) PerformBackup() (string, error) {
	if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := s.clock.Now().Format("20060102_150405.000")
	backupPath := filepath.Join(s.config.StoragePath, backupPrefix+timestamp+".db")

	s.logger.Info().Str("path", backupPath).Msg("Performing database backup using VACUUM INTO")

	db, err := sql.Open("sqlite3", s.dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to open source database: %w", err)
	}
	defer db.Close()

	// VACUUM INTO даёт согласованную копию без остановки записи
	_, err = db.Exec(fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(backupPath, "'", "''")))
	if err != nil {
		s.logger.Warn().Err(err).Msg("VACUUM INTO failed, falling back to file copy")
		return backupPath, s.performBackupFallback(backupPath)
	}

	s.logger.Info().Msg("Backup completed successfully")
	return backupPath, nil
}

func (s *BackupService) performBackupFallback(backupPath string) error {
	source, err := os.Open(s.dbPath)
	if err != nil {
		return err
	}
	defer source.Close()

	destination, err := os.Create(backupPath)
	if err != nil {
		return err
	}
	defer destination.Close()

	// io.Copy не атомарен для sqlite: при активной записи копия может быть битой
	if _, err := io.Copy(destination, source); err != nil {
		return err
	}

	s.logger.Info().Msg("Fallback backup completed successfully")
	return nil
}

// CleanupOldBackups removes backups older than the retention period.
func (s *BackupService) CleanupOldBackups() int {
	if s.config.RetentionDays <= 0 {
		return 0
	}

	files, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read backup directory for cleanup")
		return 0
	}

	cutoff := s.clock.Now().AddDate(0, 0, -s.config.RetentionDays)

	removed := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), backupPrefix) {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			s.logger.Info().Str("file", file.Name()).Msg("Deleting old backup")
			if err := os.Remove(filepath.Join(s.config.StoragePath, file.Name())); err != nil {
				s.logger.Warn().Err(err).Str("file", file.Name()).Msg("Failed to delete old backup")
				continue
			}
			removed++
		}
	}
	return removed
}
