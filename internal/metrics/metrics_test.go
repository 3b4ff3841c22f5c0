package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncEnqueued("system_sync", "normal")
		IncRetry("system_sync")
		WorkerBusy()
		WorkerIdle()
	})
}

func TestObserveTask(t *testing.T) {
	before := testutil.ToFloat64(tasksProcessed.WithLabelValues("metrics_test", "completed"))
	ObserveTask("metrics_test", "completed", 150*time.Millisecond)
	after := testutil.ToFloat64(tasksProcessed.WithLabelValues("metrics_test", "completed"))
	assert.Equal(t, before+1, after)
}

func TestQueueDepthResets(t *testing.T) {
	SetQueueDepth(map[string]int{"pending": 3, "in_progress": 1})
	assert.Equal(t, 3.0, testutil.ToFloat64(queueDepth.WithLabelValues("pending")))

	SetQueueDepth(map[string]int{"in_progress": 2})
	assert.Equal(t, 1, testutil.CollectAndCount(queueDepth))
}

func TestSystemHealthGauge(t *testing.T) {
	SetSystemHealth("crm", "healthy", 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(systemHealthy.WithLabelValues("crm")))

	SetSystemHealth("crm", "unhealthy", 0.5)
	assert.Equal(t, 0.0, testutil.ToFloat64(systemHealthy.WithLabelValues("crm")))
	assert.Equal(t, 0.5, testutil.ToFloat64(systemErrorRate.WithLabelValues("crm")))

	SetSystemHealth("crm", "unknown", 0)
	assert.Equal(t, -1.0, testutil.ToFloat64(systemHealthy.WithLabelValues("crm")))
}

func TestProbeAndAlertCounters(t *testing.T) {
	ObserveProbe("ldap", 10*time.Millisecond, true)
	ObserveProbe("ldap", time.Second, false)
	assert.Equal(t, 1.0, testutil.ToFloat64(probeFailures.WithLabelValues("ldap")))

	IncAlert("ldap")
	assert.Equal(t, 1.0, testutil.ToFloat64(healthAlerts.WithLabelValues("ldap")))
}

func TestObserveSync(t *testing.T) {
	beforeConflicts := testutil.ToFloat64(syncConflicts)
	beforeApplied := testutil.ToFloat64(syncRecords.WithLabelValues("applied"))

	ObserveSync("full", "completed", 4, 0, 2, 1)

	assert.Equal(t, beforeConflicts+1, testutil.ToFloat64(syncConflicts))
	assert.Equal(t, beforeApplied+4, testutil.ToFloat64(syncRecords.WithLabelValues("applied")))
}
