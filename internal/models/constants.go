package models

import "time"

// Built-in task types.
const (
	TaskTypeSystemSync  = "system_sync"
	TaskTypeSystemAlert = "system_alert"
)

const (
	// DefaultMaxRetries число повторов задачи по умолчанию
	DefaultMaxRetries = 3

	// DefaultBaseDelay базовая задержка перед повтором
	DefaultBaseDelay = time.Second

	// DefaultBackoffFactor множитель экспоненциальной задержки
	DefaultBackoffFactor = 2.0

	// DefaultMaxBackoff верхняя граница задержки
	DefaultMaxBackoff = 5 * time.Minute

	// DefaultWorkerCount размер пула воркеров
	DefaultWorkerCount = 4

	// DefaultTaskTimeout таймаут выполнения одной задачи
	DefaultTaskTimeout = 5 * time.Minute

	// DefaultPollInterval интервал опроса очереди простаивающим воркером
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultFailureThreshold подряд неудачных проверок до Unhealthy
	DefaultFailureThreshold = 3

	// DefaultRecoveryThreshold подряд успешных проверок до Healthy
	DefaultRecoveryThreshold = 2

	// DefaultCheckInterval интервал проверки системы без своей частоты
	DefaultCheckInterval = 30 * time.Second

	// DefaultProbeTimeout таймаут одной проверки
	DefaultProbeTimeout = 10 * time.Second

	// DefaultMaxResponseTime порог времени ответа
	DefaultMaxResponseTime = 5 * time.Second

	// DefaultErrorRateWindow размер окна для доли ошибок
	DefaultErrorRateWindow = 10

	// DefaultHealthTick шаг планировщика проверок
	DefaultHealthTick = time.Second

	// DefaultSyncBatchSize размер пакета записи при синхронизации
	DefaultSyncBatchSize = 100

	// DefaultSyncApplyRPS ограничение записей в секунду
	DefaultSyncApplyRPS = 50

	// DefaultSyncFetchTimeout таймаут выборки изменений
	DefaultSyncFetchTimeout = time.Minute

	// DefaultSyncTick шаг планировщика периодических синхронизаций
	DefaultSyncTick = 5 * time.Second

	// DefaultTaskRetention сколько хранить завершённые задачи
	DefaultTaskRetention = 24 * time.Hour

	// DefaultMaintenanceTick шаг обслуживания очереди: метрики и очистка
	DefaultMaintenanceTick = 15 * time.Second
)
