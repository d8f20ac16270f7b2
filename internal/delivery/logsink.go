package delivery

import (
	"pricewatch/internal/logger"
	"pricewatch/internal/models"
)

// LogSink writes notifications to the log instead of an external transport.
// Used when no notification channel is configured.
type LogSink struct{}

func (LogSink) Send(task models.Task) error {
	logger.Info("Notification (log only) for event %s: %s", task.EventID, task.Reason)
	return nil
}
