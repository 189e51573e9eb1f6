// Package alert delivers coordinator alerts to the process log.
package alert

import (
	"context"

	"chainvault/internal/domain"

	"github.com/sirupsen/logrus"
)

type LogSink struct {
	logger logrus.FieldLogger
}

func NewLogSink(logger logrus.FieldLogger) *LogSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogSink{logger: logger}
}

// Raise logs critical alerts at error level and everything else as a
// warning.
func (s *LogSink) Raise(_ context.Context, a domain.Alert) {
	entry := s.logger.WithFields(logrus.Fields{
		"alert_level":  string(a.Level),
		"alert_kind":   a.Kind,
		"vault_id":     a.VaultID,
		"operation_id": a.OperationID,
	})
	if a.Chain != "" {
		entry = entry.WithField("chain", string(a.Chain))
	}
	if a.TxRef != "" {
		entry = entry.WithField("tx_ref", a.TxRef)
	}
	msg := a.Detail
	if msg == "" {
		msg = a.Kind
	}
	if a.Level == domain.AlertCritical {
		entry.Error(msg)
		return
	}
	entry.Warn(msg)
}
