package health

import (
	"context"
	"encoding/json"

	"adminops/internal/apperr"
	"adminops/internal/domain"
	"adminops/internal/events"
	"adminops/internal/worker"

	"github.com/rs/zerolog"
)

// AlertHandler executes system_alert tasks: it logs the alert and hands it
// to the notifier when one is configured.
type AlertHandler struct {
	notifier domain.AlertNotifier
	logger   *zerolog.Logger
}

func NewAlertHandler(notifier domain.AlertNotifier, logger *zerolog.Logger) *AlertHandler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &AlertHandler{notifier: notifier, logger: logger}
}

func (h *AlertHandler) Execute(ctx context.Context, tc *worker.TaskContext) ([]byte, error) {
	var alert events.HealthEventPayload
	if err := json.Unmarshal(tc.Task.Payload, &alert); err != nil {
		return nil, apperr.Terminal(apperr.Validationf("decode alert payload: %v", err))
	}

	h.logger.Warn().
		Str("system_id", alert.SystemID).
		Str("system", alert.SystemName).
		Str("state", alert.State).
		Int("consecutive_failures", alert.ConsecutiveFailures).
		Str("error", alert.Error).
		Time("at", alert.At).
		Msg("ALERT: system unhealthy")

	if h.notifier == nil {
		return nil, nil
	}
	if err := h.notifier.NotifyAlert(ctx, tc.Task.Payload); err != nil {
		return nil, apperr.Transient(err)
	}
	return nil, nil
}
