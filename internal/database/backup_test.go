package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"adminops/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestBackupService(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "source.db")
	storagePath := filepath.Join(tempDir, "backups")

	logger := zerolog.Nop()
	source, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	require.NoError(t, source.SaveSyncOperation(context.Background(), sampleOperation()))
	require.NoError(t, source.Close())

	cfg := config.BackupConfig{
		Enabled:       true,
		StoragePath:   storagePath,
		RetentionDays: 1,
	}
	s := NewBackupService(dbPath, cfg, clock.RealClock{}, &logger)

	t.Run("PerformBackup", func(t *testing.T) {
		path, err := s.PerformBackup()
		require.NoError(t, err)
		assert.FileExists(t, path)

		files, err := os.ReadDir(storagePath)
		require.NoError(t, err)
		assert.Len(t, files, 1)

		// копия открывается и содержит данные
		backup, err := NewDB(path, &logger)
		require.NoError(t, err)
		defer backup.Close()
		op, err := backup.GetSyncOperation(context.Background(), "op-1")
		require.NoError(t, err)
		assert.Equal(t, "sys-crm", op.SourceID)
	})

	t.Run("CleanupOldBackups", func(t *testing.T) {
		oldFile := filepath.Join(storagePath, "backup_old.db")
		require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))
		oldTime := time.Now().AddDate(0, 0, -2)
		require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))

		// чужие файлы не трогаем
		foreign := filepath.Join(storagePath, "notes.txt")
		require.NoError(t, os.WriteFile(foreign, []byte("keep"), 0o644))
		require.NoError(t, os.Chtimes(foreign, oldTime, oldTime))

		assert.Equal(t, 1, s.CleanupOldBackups())
		assert.NoFileExists(t, oldFile)
		assert.FileExists(t, foreign)
	})
}

func TestBackupService_Disabled(t *testing.T) {
	logger := zerolog.Nop()
	s := NewBackupService("any", config.BackupConfig{Enabled: false}, nil, &logger)

	assert.NoError(t, s.Run(context.Background()))
}

func TestBackupService_RunBacksUpOnStart(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "source.db")
	storagePath := filepath.Join(tempDir, "backups")

	logger := zerolog.Nop()
	source, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	require.NoError(t, source.Close())

	fake := clocktesting.NewFakeClock(time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC))
	s := NewBackupService(dbPath, config.BackupConfig{
		Enabled:     true,
		Interval:    time.Hour,
		StoragePath: storagePath,
	}, fake, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(storagePath, "backup_20240301_030000.000.db"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
